package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matsushun1/inventory/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claim(key string, ttl time.Duration) *adapters.IdempotencyRecord {
	now := time.Now()
	return &adapters.IdempotencyRecord{
		Key:         key,
		CommandType: "AddInventory",
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()

	t.Run("reserve then complete", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		held, ok, err := store.Reserve(ctx, claim("key-1", time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Nil(t, held)

		held, ok, err = store.Reserve(ctx, claim("key-1", time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
		require.NotNil(t, held)
		assert.True(t, held.Pending)

		done := claim("key-1", time.Hour)
		done.AggregateID = "p1"
		done.Version = 2
		done.Success = true
		require.NoError(t, store.Complete(ctx, done))

		got, err := store.Get(ctx, "key-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.False(t, got.Pending)
		assert.Equal(t, int64(2), got.Version)

		held, ok, err = store.Reserve(ctx, claim("key-1", time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(2), held.Version)
	})

	t.Run("one of many concurrent reservations wins", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := store.Reserve(ctx, claim("race", time.Minute))
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("release frees a pending claim only", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		_, ok, err := store.Reserve(ctx, claim("k", time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.Release(ctx, "k"))
		assert.Equal(t, 0, store.Len())

		require.NoError(t, store.Complete(ctx, claim("done", time.Hour)))
		require.NoError(t, store.Release(ctx, "done"))
		assert.Equal(t, 1, store.Len())
	})

	t.Run("expired records neither show nor block", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		require.NoError(t, store.Complete(ctx, claim("old", -time.Minute)))

		got, _ := store.Get(ctx, "old")
		assert.Nil(t, got)
		_, ok, err := store.Reserve(ctx, claim("old", time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("cleanup removes expired", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		require.NoError(t, store.Complete(ctx, claim("old", -time.Minute)))
		require.NoError(t, store.Complete(ctx, claim("new", time.Hour)))

		n, err := store.Cleanup(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.Equal(t, 1, store.Len())
	})

	t.Run("background cleanup stops on close", func(t *testing.T) {
		store := NewIdempotencyStore(WithCleanupInterval(10*time.Millisecond), WithMaxAge(time.Millisecond))
		require.NoError(t, store.Complete(ctx, claim("k", time.Hour)))

		assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
		require.NoError(t, store.Close())
		require.NoError(t, store.Close())
	})
}
