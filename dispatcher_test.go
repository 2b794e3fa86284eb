package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matsushun1/inventory/adapters/memory"
)

// recordingSubscriber keeps every delivered event and can fail on demand.
type recordingSubscriber struct {
	name string

	mu     sync.Mutex
	events []Event
	fail   func(Event) error
}

func (r *recordingSubscriber) Name() string { return r.name }

func (r *recordingSubscriber) Handle(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(event); err != nil {
			return err
		}
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSubscriber) delivered() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func seedEvents(t *testing.T, store *EventStore) {
	t.Helper()
	ctx := context.Background()
	_, err := store.Append(ctx, "a", NoStream, []interface{}{ProductCreated{ProductID: "a", Name: "A", InitialQuantity: 1}})
	require.NoError(t, err)
	_, err = store.Append(ctx, "b", NoStream, []interface{}{ProductCreated{ProductID: "b", Name: "B", InitialQuantity: 1}})
	require.NoError(t, err)
	_, err = store.Append(ctx, "a", 1, []interface{}{
		InventoryAdded{ProductID: "a", Quantity: 2},
		InventoryRemoved{ProductID: "a", Quantity: 1},
	})
	require.NoError(t, err)
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = d.Stop(stopCtx)
		cancel()
	})
}

func waitForDispatcher(t *testing.T, d *Dispatcher, position uint64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.WaitForPosition(ctx, position))
}

func fastDispatcher(store *EventStore, adapter *memory.MemoryAdapter, opts ...DispatcherOption) *Dispatcher {
	base := []DispatcherOption{
		WithPollInterval(5 * time.Millisecond),
		WithDeliveryRetries(1, time.Millisecond, 5*time.Millisecond),
	}
	return NewDispatcher(store, adapter, append(base, opts...)...)
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	adapter := memory.NewAdapter()
	store := NewEventStore(adapter)
	seedEvents(t, store)

	sub := &recordingSubscriber{name: "rec"}
	d := fastDispatcher(store, adapter, WithBatchSize(2))
	require.NoError(t, d.Subscribe(sub))
	startDispatcher(t, d)
	waitForDispatcher(t, d, 4)

	events := sub.delivered()
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.GlobalPosition)
	}

	var seqA []int64
	for _, e := range events {
		if e.ProductID == "a" {
			seqA = append(seqA, e.Sequence())
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, seqA)

	pos, err := adapter.GetCheckpoint(context.Background(), "rec")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), pos)
}

func TestDispatcher_NotifyDeliversNewEvents(t *testing.T) {
	adapter := memory.NewAdapter()
	store := NewEventStore(adapter)
	sub := &recordingSubscriber{name: "rec"}
	d := NewDispatcher(store, adapter, WithPollInterval(time.Hour))
	require.NoError(t, d.Subscribe(sub))
	startDispatcher(t, d)

	_, err := store.Append(context.Background(), "a", NoStream, []interface{}{ProductCreated{ProductID: "a", Name: "A"}})
	require.NoError(t, err)
	d.Notify()

	waitForDispatcher(t, d, 1)
	assert.Len(t, sub.delivered(), 1)
}

func TestDispatcher_RetriesWithoutSkipping(t *testing.T) {
	adapter := memory.NewAdapter()
	store := NewEventStore(adapter)
	seedEvents(t, store)

	var failures atomic.Int32
	sub := &recordingSubscriber{name: "rec", fail: func(e Event) error {
		if e.GlobalPosition == 2 && failures.Add(1) <= 3 {
			return errors.New("read model busy")
		}
		return nil
	}}

	logger := newTestLogger()
	d := fastDispatcher(store, adapter, WithDispatcherLogger(logger))
	require.NoError(t, d.Subscribe(sub))
	startDispatcher(t, d)
	waitForDispatcher(t, d, 4)

	events := sub.delivered()
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.GlobalPosition)
	}
	assert.GreaterOrEqual(t, failures.Load(), int32(4))
	assert.NotEmpty(t, logger.errorMessages())
}

func TestDispatcher_RecoversFromPanics(t *testing.T) {
	adapter := memory.NewAdapter()
	store := NewEventStore(adapter)
	seedEvents(t, store)

	var panicked atomic.Bool
	sub := &recordingSubscriber{name: "rec", fail: func(e Event) error {
		if e.GlobalPosition == 3 && panicked.CompareAndSwap(false, true) {
			panic("boom")
		}
		return nil
	}}

	d := fastDispatcher(store, adapter)
	require.NoError(t, d.Subscribe(sub))
	startDispatcher(t, d)
	waitForDispatcher(t, d, 4)

	assert.True(t, panicked.Load())
	assert.Len(t, sub.delivered(), 4)
}

func TestDispatcher_SubscribersAreIndependent(t *testing.T) {
	adapter := memory.NewAdapter()
	store := NewEventStore(adapter)
	seedEvents(t, store)

	stuck := &recordingSubscriber{name: "stuck", fail: func(Event) error { return errors.New("down") }}
	healthy := &recordingSubscriber{name: "healthy"}

	d := fastDispatcher(store, adapter)
	require.NoError(t, d.Subscribe(stuck))
	require.NoError(t, d.Subscribe(healthy))
	startDispatcher(t, d)

	require.Eventually(t, func() bool { return len(healthy.delivered()) == 4 }, 2*time.Second, 5*time.Millisecond)

	status, err := d.Status("stuck")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), status.Position)
	require.Eventually(t, func() bool {
		s, _ := d.Status("stuck")
		return s.State == SubscriberFaulted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	store := NewEventStore(adapter)
	seedEvents(t, store)
	require.NoError(t, adapter.SetCheckpoint(ctx, "rec", 2))

	sub := &recordingSubscriber{name: "rec"}
	d := fastDispatcher(store, adapter)
	require.NoError(t, d.Subscribe(sub))
	startDispatcher(t, d)
	waitForDispatcher(t, d, 4)

	events := sub.delivered()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].GlobalPosition)
}

func TestDispatcher_Lifecycle(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	store := NewEventStore(adapter)
	d := fastDispatcher(store, adapter)

	t.Run("rejects duplicate and unnamed subscribers", func(t *testing.T) {
		require.NoError(t, d.Subscribe(&recordingSubscriber{name: "rec"}))
		assert.Error(t, d.Subscribe(&recordingSubscriber{name: "rec"}))
		assert.Error(t, d.Subscribe(&recordingSubscriber{}))
	})

	t.Run("start twice", func(t *testing.T) {
		require.NoError(t, d.Start(ctx))
		assert.ErrorIs(t, d.Start(ctx), ErrDispatcherRunning)
		assert.True(t, d.IsRunning())
	})

	t.Run("set position needs a stopped dispatcher", func(t *testing.T) {
		assert.ErrorIs(t, d.SetPosition(ctx, "rec", 0), ErrDispatcherRunning)
	})

	t.Run("stop", func(t *testing.T) {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		require.NoError(t, d.Stop(stopCtx))
		assert.False(t, d.IsRunning())

		s, err := d.Status("rec")
		require.NoError(t, err)
		assert.Equal(t, SubscriberStopped, s.State)
	})

	t.Run("unknown subscriber", func(t *testing.T) {
		_, err := d.Status("nope")
		assert.Error(t, err)
	})

	t.Run("restart", func(t *testing.T) {
		require.NoError(t, d.Start(ctx))
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		require.NoError(t, d.Stop(stopCtx))
	})
}

// holdingSubscriber reports a held position until released.
type holdingSubscriber struct {
	recordingSubscriber
	held atomic.Uint64
}

func (h *holdingSubscriber) OldestHeldPosition() (uint64, bool) {
	pos := h.held.Load()
	return pos, pos > 0
}

func TestDispatcher_CheckpointStaysBelowHeldEvents(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	store := NewEventStore(adapter)
	seedEvents(t, store)

	sub := &holdingSubscriber{recordingSubscriber: recordingSubscriber{name: "holder"}}
	sub.held.Store(2)

	d := fastDispatcher(store, adapter)
	require.NoError(t, d.Subscribe(sub))
	startDispatcher(t, d)
	waitForDispatcher(t, d, 4)

	saved, err := adapter.GetCheckpoint(ctx, "holder")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), saved)

	sub.held.Store(0)
	_, err = store.Append(ctx, "b", 1, []interface{}{InventoryAdded{ProductID: "b", Quantity: 1}})
	require.NoError(t, err)
	d.Notify()
	waitForDispatcher(t, d, 5)

	require.Eventually(t, func() bool {
		saved, err := adapter.GetCheckpoint(ctx, "holder")
		return err == nil && saved == 5
	}, 2*time.Second, 5*time.Millisecond)
}

// failingCheckpoints loses every checkpoint write.
type failingCheckpoints struct {
	*memory.MemoryAdapter
	attempts atomic.Int32
}

func (f *failingCheckpoints) SetCheckpoint(ctx context.Context, name string, position uint64) error {
	f.attempts.Add(1)
	return errors.New("checkpoint table unavailable")
}

func TestDispatcher_LostCheckpointsRedeliverAfterRestart(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	store := NewEventStore(adapter)
	seedEvents(t, store)
	products := memory.NewProductStore()

	logger := newTestLogger()
	broken := &failingCheckpoints{MemoryAdapter: adapter}
	first := NewDispatcher(store, broken,
		WithPollInterval(5*time.Millisecond),
		WithDispatcherLogger(logger))
	require.NoError(t, first.Subscribe(NewProductProjection(products)))
	require.NoError(t, first.Start(ctx))
	waitForDispatcher(t, first, 4)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, first.Stop(stopCtx))

	assert.Positive(t, broken.attempts.Load())
	assert.NotEmpty(t, logger.warnMessages())
	saved, err := adapter.GetCheckpoint(ctx, ProductsProjectionName)
	require.NoError(t, err)
	assert.Zero(t, saved)

	// A fresh process replays from the last saved checkpoint into the
	// surviving read model without double counting.
	second := fastDispatcher(store, adapter)
	require.NoError(t, second.Subscribe(NewProductProjection(products)))
	startDispatcher(t, second)
	waitForDispatcher(t, second, 4)

	a, err := products.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, int64(2), a.Quantity)
	assert.Equal(t, int64(3), a.LastAppliedSequence)

	b, err := products.Get(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(1), b.Quantity)

	require.Eventually(t, func() bool {
		saved, err := adapter.GetCheckpoint(ctx, ProductsProjectionName)
		return err == nil && saved == 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_LateSubscriberFollowsStartContext(t *testing.T) {
	adapter := memory.NewAdapter()
	store := NewEventStore(adapter)
	seedEvents(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	d := fastDispatcher(store, adapter)
	require.NoError(t, d.Start(ctx))

	late := &recordingSubscriber{name: "late"}
	require.NoError(t, d.Subscribe(late))
	waitForDispatcher(t, d, 4)
	assert.Len(t, late.delivered(), 4)

	cancel()
	require.Eventually(t, func() bool {
		s, err := d.Status("late")
		return err == nil && s.State == SubscriberStopped
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	require.NoError(t, d.Stop(stopCtx))
}

func TestDispatcher_SubscribeDuringStop(t *testing.T) {
	adapter := memory.NewAdapter()
	store := NewEventStore(adapter)
	d := fastDispatcher(store, adapter)
	require.NoError(t, d.Subscribe(&recordingSubscriber{name: "first"}))
	require.NoError(t, d.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = d.Subscribe(&recordingSubscriber{name: "sub-" + string(rune('a'+i))})
		}(i)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))
	wg.Wait()

	assert.False(t, d.IsRunning())
	for _, s := range d.Statuses() {
		assert.Equal(t, SubscriberStopped, s.State, s.Name)
	}
}
