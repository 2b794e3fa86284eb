package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matsushun1/inventory/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(eventType string) adapters.EventRecord {
	return adapters.EventRecord{Type: eventType, Data: []byte(`{}`)}
}

func TestNewAdapter(t *testing.T) {
	adapter := NewAdapter()

	assert.NotNil(t, adapter)
	assert.Equal(t, 0, adapter.EventCount())
	assert.Equal(t, 0, adapter.StreamCount())
	assert.NoError(t, adapter.Initialize(context.Background()))
}

func TestMemoryAdapter_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("append to new stream", func(t *testing.T) {
		adapter := NewAdapter()

		stored, err := adapter.Append(ctx, "Product-1", []adapters.EventRecord{record("ProductCreated")}, adapters.NoStream)

		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, "Product-1", stored[0].StreamID)
		assert.Equal(t, "ProductCreated", stored[0].Type)
		assert.Equal(t, int64(1), stored[0].Version)
		assert.Equal(t, uint64(1), stored[0].GlobalPosition)
		assert.NotEmpty(t, stored[0].ID)
	})

	t.Run("assigns consecutive versions from expected version", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, "Product-1", []adapters.EventRecord{record("ProductCreated")}, adapters.NoStream)
		require.NoError(t, err)

		stored, err := adapter.Append(ctx, "Product-1", []adapters.EventRecord{
			record("InventoryAdded"),
			record("InventoryRemoved"),
		}, 1)

		require.NoError(t, err)
		assert.Equal(t, int64(2), stored[0].Version)
		assert.Equal(t, int64(3), stored[1].Version)
	})

	t.Run("conflict leaves stream untouched", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, "Product-1", []adapters.EventRecord{record("ProductCreated")}, adapters.NoStream)
		require.NoError(t, err)

		_, err = adapter.Append(ctx, "Product-1", []adapters.EventRecord{record("InventoryAdded"), record("InventoryAdded")}, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, adapters.ErrConcurrencyConflict))

		var concErr *adapters.ConcurrencyError
		require.True(t, errors.As(err, &concErr))
		assert.Equal(t, int64(0), concErr.ExpectedVersion)
		assert.Equal(t, int64(1), concErr.ActualVersion)

		events, err := adapter.Load(ctx, "Product-1", 0)
		require.NoError(t, err)
		assert.Len(t, events, 1)
		assert.Equal(t, 1, adapter.EventCount())
	})

	t.Run("rejects empty stream ID and empty batch", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, "", []adapters.EventRecord{record("X")}, adapters.AnyVersion)
		assert.ErrorIs(t, err, adapters.ErrEmptyStreamID)

		_, err = adapter.Append(ctx, "Product-1", nil, adapters.AnyVersion)
		assert.ErrorIs(t, err, adapters.ErrNoEvents)
	})

	t.Run("honours cancelled context", func(t *testing.T) {
		adapter := NewAdapter()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := adapter.Append(cancelled, "Product-1", []adapters.EventRecord{record("X")}, adapters.NoStream)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("uses injected clock", func(t *testing.T) {
		fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		adapter := NewAdapter(WithClock(func() time.Time { return fixed }))

		stored, err := adapter.Append(ctx, "Product-1", []adapters.EventRecord{record("X")}, adapters.NoStream)
		require.NoError(t, err)
		assert.Equal(t, fixed, stored[0].Timestamp)
	})
}

func TestMemoryAdapter_Load(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()

	_, err := adapter.Append(ctx, "Product-1", []adapters.EventRecord{
		record("ProductCreated"), record("InventoryAdded"), record("InventoryRemoved"),
	}, adapters.NoStream)
	require.NoError(t, err)

	t.Run("loads full history in order", func(t *testing.T) {
		events, err := adapter.Load(ctx, "Product-1", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Version)
		}
	})

	t.Run("loads from version", func(t *testing.T) {
		events, err := adapter.Load(ctx, "Product-1", 2)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "InventoryRemoved", events[0].Type)
	})

	t.Run("unknown stream is empty", func(t *testing.T) {
		events, err := adapter.Load(ctx, "Product-unknown", 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestMemoryAdapter_GetStreamInfo(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()

	_, err := adapter.GetStreamInfo(ctx, "Product-1")
	assert.ErrorIs(t, err, adapters.ErrStreamNotFound)

	_, err = adapter.Append(ctx, "Product-1", []adapters.EventRecord{record("A"), record("B")}, adapters.NoStream)
	require.NoError(t, err)

	info, err := adapter.GetStreamInfo(ctx, "Product-1")
	require.NoError(t, err)
	assert.Equal(t, "Product", info.Category)
	assert.Equal(t, int64(2), info.Version)
	assert.Equal(t, int64(2), info.EventCount)
}

func TestMemoryAdapter_LoadFromPosition(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()

	for i := 0; i < 5; i++ {
		_, err := adapter.Append(ctx, fmt.Sprintf("Product-%d", i), []adapters.EventRecord{record("ProductCreated")}, adapters.NoStream)
		require.NoError(t, err)
	}

	t.Run("reads in global order", func(t *testing.T) {
		events, err := adapter.LoadFromPosition(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i, e := range events {
			assert.Equal(t, uint64(i+1), e.GlobalPosition)
		}
	})

	t.Run("respects position and limit", func(t *testing.T) {
		events, err := adapter.LoadFromPosition(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(3), events[0].GlobalPosition)
		assert.Equal(t, uint64(4), events[1].GlobalPosition)
	})

	t.Run("past the end is empty", func(t *testing.T) {
		events, err := adapter.LoadFromPosition(ctx, 5, 10)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("last position", func(t *testing.T) {
		pos, err := adapter.GetLastPosition(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), pos)
	})
}

func TestMemoryAdapter_Checkpoints(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()

	pos, err := adapter.GetCheckpoint(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)

	require.NoError(t, adapter.SetCheckpoint(ctx, "products", 42))

	pos, err = adapter.GetCheckpoint(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), pos)
}

func TestMemoryAdapter_Close(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	require.NoError(t, adapter.Ping(ctx))
	require.NoError(t, adapter.Close())

	_, err := adapter.Append(ctx, "Product-1", []adapters.EventRecord{record("X")}, adapters.NoStream)
	assert.ErrorIs(t, err, adapters.ErrAdapterClosed)

	_, err = adapter.Load(ctx, "Product-1", 0)
	assert.ErrorIs(t, err, adapters.ErrAdapterClosed)

	_, err = adapter.LoadFromPosition(ctx, 0, 10)
	assert.ErrorIs(t, err, adapters.ErrAdapterClosed)

	assert.ErrorIs(t, adapter.Ping(ctx), adapters.ErrAdapterClosed)
	assert.ErrorIs(t, adapter.SetCheckpoint(ctx, "p", 1), adapters.ErrAdapterClosed)
}

func TestMemoryAdapter_Reset(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()

	_, err := adapter.Append(ctx, "Product-1", []adapters.EventRecord{record("X")}, adapters.NoStream)
	require.NoError(t, err)
	require.NoError(t, adapter.SetCheckpoint(ctx, "p", 1))

	adapter.Reset()

	assert.Equal(t, 0, adapter.EventCount())
	assert.Equal(t, 0, adapter.StreamCount())
	pos, _ := adapter.GetLastPosition(ctx)
	assert.Equal(t, uint64(0), pos)
}

func TestMemoryAdapter_Concurrent(t *testing.T) {
	t.Run("only one writer wins the same expected version", func(t *testing.T) {
		ctx := context.Background()
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, "Product-1", []adapters.EventRecord{record("ProductCreated")}, adapters.NoStream)
		require.NoError(t, err)

		var wins, conflicts int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := adapter.Append(ctx, "Product-1", []adapters.EventRecord{record("InventoryAdded")}, 1)
				if err == nil {
					atomic.AddInt32(&wins, 1)
				} else if errors.Is(err, adapters.ErrConcurrencyConflict) {
					atomic.AddInt32(&conflicts, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins)
		assert.Equal(t, int32(19), conflicts)

		events, err := adapter.Load(ctx, "Product-1", 0)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("different streams are independent", func(t *testing.T) {
		ctx := context.Background()
		adapter := NewAdapter()

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := adapter.Append(ctx, fmt.Sprintf("Product-%d", n), []adapters.EventRecord{record("ProductCreated")}, adapters.NoStream)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 50, adapter.EventCount())
		assert.Equal(t, 50, adapter.StreamCount())
	})
}

func BenchmarkMemoryAdapter_Append(b *testing.B) {
	adapter := NewAdapter()
	ctx := context.Background()
	events := []adapters.EventRecord{record("InventoryAdded")}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = adapter.Append(ctx, "Product-bench", events, adapters.AnyVersion)
	}
}
