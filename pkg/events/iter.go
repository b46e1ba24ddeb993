package events

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// ErrClosed is returned by Iterator.Next after Close, and by Pending.Wait
// when the pending value was abandoned.
var ErrClosed = errors.New("events: closed")

// Iterator pulls values from a Bus one at a time. Each iterator has its own
// unbounded queue, so a slow reader never delays a push or another reader.
type Iterator[T any] struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	queue []T
	ready chan struct{}
}

// Subscribe registers an iterator. Values pushed after Subscribe returns are
// queued until read. The iterator detaches when ctx is done or Close is called.
func (b *Bus[T]) Subscribe(ctx context.Context) *Iterator[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	ictx, cancel := context.WithCancelCause(ctx)
	it := &Iterator[T]{
		ctx:    ictx,
		cancel: cancel,
		ready:  make(chan struct{}, 1),
	}
	b.Listen(ictx, it.enqueue)
	return it
}

func (it *Iterator[T]) enqueue(v T) {
	it.mu.Lock()
	it.queue = append(it.queue, v)
	it.mu.Unlock()

	select {
	case it.ready <- struct{}{}:
	default:
	}
}

// Next blocks until a value is available, the iterator is closed, or ctx is
// done.
func (it *Iterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if it.ctx.Err() != nil {
			return zero, context.Cause(it.ctx)
		}

		it.mu.Lock()
		if len(it.queue) > 0 {
			v := it.queue[0]
			it.queue[0] = zero
			it.queue = it.queue[1:]
			it.mu.Unlock()
			return v, nil
		}
		it.mu.Unlock()

		select {
		case <-it.ready:
		case <-it.ctx.Done():
			return zero, context.Cause(it.ctx)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close detaches the iterator. Queued values are discarded.
func (it *Iterator[T]) Close() {
	it.cancel(ErrClosed)

	it.mu.Lock()
	it.queue = nil
	it.mu.Unlock()
}

// All returns a sequence over values pushed while the loop runs. Breaking out
// of the loop or cancelling ctx ends the iteration and detaches it.
func (b *Bus[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		it := b.Subscribe(ctx)
		defer it.Close()

		for {
			v, err := it.Next(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Pending resolves with the first value pushed after it was created.
type Pending[T any] struct {
	done   chan struct{}
	once   sync.Once
	val    T
	err    error
	cancel context.CancelCauseFunc
}

// Once registers a one-shot listener. The returned Pending resolves with the
// next pushed value and then detaches; later pushes do not affect it.
func (b *Bus[T]) Once(ctx context.Context) *Pending[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	pctx, cancel := context.WithCancelCause(ctx)
	p := &Pending[T]{done: make(chan struct{}), cancel: cancel}

	if pctx.Err() != nil {
		p.resolve(*new(T), context.Cause(pctx))
		return p
	}

	b.Listen(pctx, func(v T) {
		p.resolve(v, nil)
		cancel(ErrClosed)
	})
	context.AfterFunc(pctx, func() {
		p.resolve(*new(T), context.Cause(pctx))
	})
	return p
}

func (p *Pending[T]) resolve(v T, err error) {
	p.once.Do(func() {
		p.val, p.err = v, err
		close(p.done)
	})
}

// Done is closed once the value (or error) is available.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the pending value resolves.
func (p *Pending[T]) Wait() (T, error) {
	<-p.done
	return p.val, p.err
}

// Cancel abandons the pending value. Wait then returns ErrClosed unless a
// value already arrived.
func (p *Pending[T]) Cancel() { p.cancel(ErrClosed) }

// Next waits for the next pushed value.
func (b *Bus[T]) Next(ctx context.Context) (T, error) {
	return b.Once(ctx).Wait()
}
