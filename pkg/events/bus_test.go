package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EchoPBX/echostream/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder[T any] struct {
	mu   sync.Mutex
	vals []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.vals = append(r.vals, v)
	r.mu.Unlock()
}

func (r *recorder[T]) get() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.vals...)
}

func TestBus_PushWithoutListenersIsDropped(t *testing.T) {
	bus := events.New[string]()

	assert.NotPanics(t, func() { bus.Push("A") })

	var got recorder[string]
	bus.Listen(context.Background(), got.add)
	bus.Push("B")

	assert.Equal(t, []string{"B"}, got.get())
}

func TestBus_InvokesInRegistrationOrder(t *testing.T) {
	bus := events.New[string]()

	var order []string
	bus.Listen(context.Background(), func(v string) { order = append(order, "L1:"+v) })
	bus.Listen(context.Background(), func(v string) { order = append(order, "L2:"+v) })

	bus.Push("X")

	assert.Equal(t, []string{"L1:X", "L2:X"}, order)
}

func TestBus_PreservesPushOrder(t *testing.T) {
	bus := events.New[int]()

	var early, late recorder[int]
	bus.Listen(context.Background(), early.add)
	bus.Push(1)
	bus.Listen(context.Background(), late.add)
	bus.Push(2)
	bus.Push(3)

	assert.Equal(t, []int{1, 2, 3}, early.get())
	assert.Equal(t, []int{2, 3}, late.get())
}

func TestBus_MulticastToEveryListener(t *testing.T) {
	bus := events.New[int]()

	const n = 10
	calls := make([]int, n)
	var order []int
	for i := 0; i < n; i++ {
		bus.Listen(context.Background(), func(int) {
			calls[i]++
			order = append(order, i)
		})
	}

	bus.Push(7)

	for i := 0; i < n; i++ {
		assert.Equal(t, 1, calls[i], "listener %d", i)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestBus_DuplicateListenersAreNotMerged(t *testing.T) {
	bus := events.New[int]()

	count := 0
	fn := func(int) { count++ }
	bus.Listen(context.Background(), fn)
	bus.Listen(context.Background(), fn)

	bus.Push(1)

	assert.Equal(t, 2, count)
	assert.Equal(t, 2, bus.Len())
}

func TestBus_PanickingListenerIsIsolated(t *testing.T) {
	bus := events.New[string](events.WithLogger(zaptest.NewLogger(t)))

	var failures recorder[error]
	bus.Failures().Listen(context.Background(), failures.add)

	var got recorder[string]
	bus.Listen(context.Background(), func(string) { panic("boom") })
	bus.Listen(context.Background(), got.add)

	require.NotPanics(t, func() { bus.Push("X") })

	assert.Equal(t, []string{"X"}, got.get())
	errs := failures.get()
	require.Len(t, errs, 1)
	var lp *events.ListenerPanic
	require.True(t, errors.As(errs[0], &lp))
	assert.Equal(t, "boom", lp.Value)
	assert.NotEmpty(t, lp.Stack)
}

func TestBus_HasListenersTransitions(t *testing.T) {
	bus := events.New[int]()
	assert.False(t, bus.HasListeners())

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())

	bus.Listen(ctx1, func(int) {})
	assert.True(t, bus.HasListeners())
	bus.Listen(ctx2, func(int) {})

	cancel1()
	assert.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, time.Millisecond)
	assert.True(t, bus.HasListeners())

	cancel2()
	assert.Eventually(t, func() bool { return !bus.HasListeners() }, time.Second, time.Millisecond)
}

func TestBus_CancelledContextIsNoop(t *testing.T) {
	bus := events.New[int]()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	bus.Listen(ctx, func(int) { called = true })
	bus.Push(1)

	assert.False(t, called)
	assert.False(t, bus.HasListeners())
}

func TestBus_CancelledListenerSkippedOnNextPush(t *testing.T) {
	bus := events.New[int]()

	ctx, cancel := context.WithCancel(context.Background())
	var got recorder[int]
	bus.Listen(ctx, got.add)

	bus.Push(1)
	cancel()
	bus.Push(2)

	assert.Equal(t, []int{1}, got.get())
}

func TestBus_MutationDuringPush(t *testing.T) {
	bus := events.New[string]()

	ctx2, cancel2 := context.WithCancel(context.Background())
	var added, second recorder[string]

	bus.Listen(context.Background(), func(v string) {
		bus.Listen(context.Background(), added.add)
		cancel2()
	})
	bus.Listen(ctx2, second.add)

	bus.Push("first")
	assert.Empty(t, second.get(), "listener removed before its turn must be skipped")
	assert.Empty(t, added.get(), "listener added during push must not see it")

	bus.Push("next")
	assert.Equal(t, []string{"next"}, added.get())
}

func TestBus_ListenerChangesReported(t *testing.T) {
	bus := events.New[int]()

	var added, removed recorder[int]
	bus.ListenerAdded().Listen(context.Background(), func(c events.ListenerChange) { added.add(c.Count) })
	bus.ListenerRemoved().Listen(context.Background(), func(c events.ListenerChange) { removed.add(c.Count) })

	ctx, cancel := context.WithCancel(context.Background())
	bus.Listen(ctx, func(int) {})
	bus.Listen(context.Background(), func(int) {})
	bus.Listen(context.Background(), func(int) {})

	assert.Equal(t, []int{1, 2, 3}, added.get())

	cancel()
	assert.Eventually(t, func() bool { return len(removed.get()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{2}, removed.get())
}

func TestBus_AuxiliaryBusesAreStable(t *testing.T) {
	bus := events.New[int]()

	assert.Same(t, bus.ListenerAdded(), bus.ListenerAdded())
	assert.Same(t, bus.ListenerRemoved(), bus.ListenerRemoved())
	assert.NotSame(t, bus.ListenerAdded(), bus.ListenerRemoved())
	assert.Same(t, bus.Failures(), bus.Failures())
}
