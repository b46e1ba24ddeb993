package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Transform derives a bus from a source bus.
type Transform[T, U any] func(*Bus[T]) *Bus[U]

// Pipe applies fns in order and returns the last result. With no arguments
// it returns b itself.
func (b *Bus[T]) Pipe(fns ...Transform[T, T]) *Bus[T] {
	out := b
	for _, fn := range fns {
		out = fn(out)
	}
	return out
}

// Pipe applies a type-changing transform. Methods cannot introduce type
// parameters, so this is the form to use when U differs from T.
func Pipe[T, U any](b *Bus[T], fn Transform[T, U]) *Bus[U] {
	return fn(b)
}

// Compose returns the transform that applies f, then g.
func Compose[T, U, V any](f Transform[T, U], g Transform[U, V]) Transform[T, V] {
	return func(b *Bus[T]) *Bus[V] { return g(f(b)) }
}

// derive builds a bus that is attached to its sources only while it has
// listeners of its own. connect is called with a fresh context each time the
// derived bus gains its first listener; that context is cancelled when the
// derived bus loses its last one.
func derive[U any](log *zap.Logger, connect func(ctx context.Context, out *Bus[U])) *Bus[U] {
	out := New[U](WithLogger(log))

	var (
		mu     sync.Mutex
		cancel context.CancelFunc
	)

	out.ListenerAdded().Listen(context.Background(), func(ListenerChange) {
		mu.Lock()
		defer mu.Unlock()
		if cancel != nil || !out.HasListeners() {
			return
		}
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		connect(ctx, out)
	})

	out.ListenerRemoved().Listen(context.Background(), func(ListenerChange) {
		mu.Lock()
		defer mu.Unlock()
		if cancel == nil || out.HasListeners() {
			return
		}
		cancel()
		cancel = nil
	})

	return out
}
