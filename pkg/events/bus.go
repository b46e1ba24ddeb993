// Package events implements the ordered multicast bus that every runtime
// callback is funneled through.
//
// A Bus delivers each pushed value to every listener registered at the time
// of the push, in registration order. Nothing is buffered or replayed: a
// listener registered after a push never observes it. Consumers attach either
// with a callback (Listen) or by pulling values (Subscribe, All, Next), and
// derive new buses from existing ones with Pipe.
package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Listener receives every value pushed while it is registered.
type Listener[T any] func(T)

// ListenerChange is pushed on ListenerAdded and ListenerRemoved. Count is the
// number of active listeners right after the change. Reports from concurrent
// registrations may arrive out of order; use Len for the current count.
type ListenerChange struct {
	Count int
}

// ListenerPanic is reported on Failures when a listener panics during Push.
type ListenerPanic struct {
	Value any
	Stack []byte
}

func (p *ListenerPanic) Error() string {
	return fmt.Sprintf("events: listener panicked: %v", p.Value)
}

// Option configures a Bus.
type Option func(*options)

type options struct {
	log *zap.Logger
}

// WithLogger sets the logger used to report listener failures.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

type entry[T any] struct {
	ctx    context.Context
	fn     Listener[T]
	active atomic.Bool
}

// Bus is an ordered multicast channel of T.
type Bus[T any] struct {
	log *zap.Logger

	mu sync.Mutex
	// entries is copy-on-write on removal so that a Push holding an older
	// snapshot never sees elements shift under it.
	entries []*entry[T]

	added    lazy[ListenerChange]
	removed  lazy[ListenerChange]
	failures lazy[error]
}

// New returns an empty bus.
func New[T any](opts ...Option) *Bus[T] {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus[T]{log: o.log}
}

// Push delivers v to every listener registered before the call, in
// registration order. Listeners added during the fan-out are not invoked for
// v; listeners removed during it are skipped if their turn has not come.
// A panicking listener is reported on Failures and does not stop delivery.
func (b *Bus[T]) Push(v T) {
	b.mu.Lock()
	snapshot := b.entries
	b.mu.Unlock()

	for _, e := range snapshot {
		if !e.active.Load() {
			continue
		}
		if e.ctx.Err() != nil {
			b.remove(e)
			continue
		}
		b.invoke(e, v)
	}
}

func (b *Bus[T]) invoke(e *entry[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			p := &ListenerPanic{Value: r, Stack: debug.Stack()}
			b.log.Error("listener panicked", zap.Any("panic", r), zap.ByteString("stack", p.Stack))
			b.failures.push(p)
		}
	}()
	e.fn(v)
}

// Listen registers fn until ctx is done. If ctx is already done the call is a
// no-op. The same function may be registered more than once; each
// registration is invoked.
func (b *Bus[T]) Listen(ctx context.Context, fn Listener[T]) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil || fn == nil {
		return
	}

	e := &entry[T]{ctx: ctx, fn: fn}
	e.active.Store(true)

	b.mu.Lock()
	b.entries = append(b.entries, e)
	n := len(b.entries)
	b.mu.Unlock()

	b.added.push(ListenerChange{Count: n})

	context.AfterFunc(ctx, func() { b.remove(e) })
}

func (b *Bus[T]) remove(e *entry[T]) {
	if !e.active.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	next := make([]*entry[T], 0, len(b.entries))
	for _, x := range b.entries {
		if x != e {
			next = append(next, x)
		}
	}
	b.entries = next
	n := len(next)
	b.mu.Unlock()

	b.removed.push(ListenerChange{Count: n})
}

// HasListeners reports whether at least one listener is registered.
func (b *Bus[T]) HasListeners() bool { return b.Len() > 0 }

// Len returns the number of registered listeners, iterators included.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// ListenerAdded emits after every registration.
func (b *Bus[T]) ListenerAdded() *Bus[ListenerChange] { return b.added.get(b.log) }

// ListenerRemoved emits after every deregistration.
func (b *Bus[T]) ListenerRemoved() *Bus[ListenerChange] { return b.removed.get(b.log) }

// Failures emits a *ListenerPanic for every listener that panicked.
func (b *Bus[T]) Failures() *Bus[error] { return b.failures.get(b.log) }

// lazy holds an auxiliary bus that is built on first access. Until then,
// pushes to it are dropped, which is what a bus with no listeners does anyway.
type lazy[T any] struct {
	once sync.Once
	bus  atomic.Pointer[Bus[T]]
}

func (l *lazy[T]) get(log *zap.Logger) *Bus[T] {
	l.once.Do(func() { l.bus.Store(New[T](WithLogger(log))) })
	return l.bus.Load()
}

func (l *lazy[T]) push(v T) {
	if b := l.bus.Load(); b != nil {
		b.Push(v)
	}
}
