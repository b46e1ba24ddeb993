package reloader

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// OnSIGHUP calls fn for every SIGHUP until ctx is done. Calls are serialized.
func OnSIGHUP(ctx context.Context, fn func()) {
	On(ctx, fn, syscall.SIGHUP)
}

// On calls fn for every delivery of sigs until ctx is done.
func On(ctx context.Context, fn func(), sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				fn()
			}
		}
	}()
}
