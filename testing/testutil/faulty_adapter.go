package testutil

import (
	"context"
	"sync"

	"github.com/matsushun1/inventory/adapters"
	"github.com/matsushun1/inventory/adapters/memory"
)

// FaultyAdapter is an in-memory event store that fails on demand.
// Queued errors are returned by the next calls of the matching operation,
// one per call; afterwards the call goes through to the memory adapter.
type FaultyAdapter struct {
	*memory.MemoryAdapter

	mu               sync.Mutex
	appendErrs       []error
	loadErrs         []error
	positionLoadErrs []error
	appendCalls      int
}

// NewFaultyAdapter returns an empty FaultyAdapter.
func NewFaultyAdapter() *FaultyAdapter {
	return &FaultyAdapter{MemoryAdapter: memory.NewAdapter()}
}

// FailAppends queues errors for upcoming Append calls.
func (f *FaultyAdapter) FailAppends(errs ...error) *FaultyAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErrs = append(f.appendErrs, errs...)
	return f
}

// FailLoads queues errors for upcoming Load calls.
func (f *FaultyAdapter) FailLoads(errs ...error) *FaultyAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErrs = append(f.loadErrs, errs...)
	return f
}

// FailPositionLoads queues errors for upcoming LoadFromPosition calls.
func (f *FaultyAdapter) FailPositionLoads(errs ...error) *FaultyAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionLoadErrs = append(f.positionLoadErrs, errs...)
	return f
}

// AppendCalls returns how many times Append was called, failed calls included.
func (f *FaultyAdapter) AppendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendCalls
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// Append implements adapters.EventStoreAdapter.
func (f *FaultyAdapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	f.mu.Lock()
	f.appendCalls++
	err := pop(&f.appendErrs)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryAdapter.Append(ctx, streamID, events, expectedVersion)
}

// Load implements adapters.EventStoreAdapter.
func (f *FaultyAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	f.mu.Lock()
	err := pop(&f.loadErrs)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryAdapter.Load(ctx, streamID, fromVersion)
}

// LoadFromPosition implements adapters.SubscriptionAdapter.
func (f *FaultyAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	f.mu.Lock()
	err := pop(&f.positionLoadErrs)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryAdapter.LoadFromPosition(ctx, fromPosition, limit)
}

var (
	_ adapters.EventStoreAdapter   = (*FaultyAdapter)(nil)
	_ adapters.SubscriptionAdapter = (*FaultyAdapter)(nil)
	_ adapters.CheckpointAdapter   = (*FaultyAdapter)(nil)
)
