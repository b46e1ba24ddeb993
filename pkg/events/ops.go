package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Map pushes fn(v) for every v pushed on the source.
func Map[T, U any](fn func(T) U) Transform[T, U] {
	return func(src *Bus[T]) *Bus[U] {
		return derive(src.log, func(ctx context.Context, out *Bus[U]) {
			src.Listen(ctx, func(v T) { out.Push(fn(v)) })
		})
	}
}

// Filter forwards the values for which keep returns true.
func Filter[T any](keep func(T) bool) Transform[T, T] {
	return func(src *Bus[T]) *Bus[T] {
		return derive(src.log, func(ctx context.Context, out *Bus[T]) {
			src.Listen(ctx, func(v T) {
				if keep(v) {
					out.Push(v)
				}
			})
		})
	}
}

// Tap calls fn for every value before forwarding it unchanged.
func Tap[T any](fn func(T)) Transform[T, T] {
	return Map(func(v T) T {
		fn(v)
		return v
	})
}

// Take forwards the first n values seen while the derived bus is attached
// and drops everything after.
func Take[T any](n int) Transform[T, T] {
	return func(src *Bus[T]) *Bus[T] {
		var seen atomic.Int64
		return derive(src.log, func(ctx context.Context, out *Bus[T]) {
			src.Listen(ctx, func(v T) {
				if seen.Add(1) <= int64(n) {
					out.Push(v)
				}
			})
		})
	}
}

// Merge interleaves the values of every bus in push order.
func Merge[T any](buses ...*Bus[T]) *Bus[T] {
	if len(buses) == 0 {
		return New[T]()
	}
	return derive(buses[0].log, func(ctx context.Context, out *Bus[T]) {
		for _, b := range buses {
			b.Listen(ctx, out.Push)
		}
	})
}

// MergeWith merges the source with others.
func MergeWith[T any](others ...*Bus[T]) Transform[T, T] {
	return func(src *Bus[T]) *Bus[T] {
		return Merge(append([]*Bus[T]{src}, others...)...)
	}
}

// Throttle forwards a value only if at least d has passed since the last
// forwarded one.
func Throttle[T any](clk clock.Clock, d time.Duration) Transform[T, T] {
	return func(src *Bus[T]) *Bus[T] {
		return derive(src.log, func(ctx context.Context, out *Bus[T]) {
			var (
				mu   sync.Mutex
				last time.Time
				sent bool
			)
			src.Listen(ctx, func(v T) {
				now := clk.Now()
				mu.Lock()
				if sent && now.Sub(last) < d {
					mu.Unlock()
					return
				}
				sent, last = true, now
				mu.Unlock()
				out.Push(v)
			})
		})
	}
}

// Debounce forwards the latest value once the source has been quiet for d.
func Debounce[T any](clk clock.Clock, d time.Duration) Transform[T, T] {
	return func(src *Bus[T]) *Bus[T] {
		return derive(src.log, func(ctx context.Context, out *Bus[T]) {
			var (
				mu     sync.Mutex
				timer  *clock.Timer
				latest T
				gen    uint64
			)
			src.Listen(ctx, func(v T) {
				mu.Lock()
				defer mu.Unlock()
				latest = v
				gen++
				g := gen
				if timer != nil {
					timer.Stop()
				}
				timer = clk.AfterFunc(d, func() {
					mu.Lock()
					if g != gen {
						mu.Unlock()
						return
					}
					v := latest
					mu.Unlock()
					if ctx.Err() == nil {
						out.Push(v)
					}
				})
			})
			context.AfterFunc(ctx, func() {
				mu.Lock()
				defer mu.Unlock()
				if timer != nil {
					timer.Stop()
				}
			})
		})
	}
}
