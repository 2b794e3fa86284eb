package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matsushun1/inventory/adapters"
)

// newTestClient connects to TEST_REDIS_ADDR and returns a prefix unique to the test.
func newTestClient(t *testing.T) (*redis.Client, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	prefix := fmt.Sprintf("test:%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		_ = client.Close()
	})
	return client, prefix
}

func TestProductStore(t *testing.T) {
	client, prefix := newTestClient(t)
	store := NewProductStore(client, WithPrefix(prefix))
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, got)

	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	require.NoError(t, store.Put(ctx, &adapters.ProductRecord{ProductID: "p2", Name: "Gadget", Quantity: 3, LastAppliedSequence: 1, UpdatedAt: at}))
	require.NoError(t, store.Put(ctx, &adapters.ProductRecord{ProductID: "p1", Name: "Widget", Quantity: 10, LastAppliedSequence: 2, UpdatedAt: at}))

	t.Run("get", func(t *testing.T) {
		got, err := store.Get(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, adapters.ProductRecord{ProductID: "p1", Name: "Widget", Quantity: 10, LastAppliedSequence: 2, UpdatedAt: at}, *got)
	})

	t.Run("older sequence does not overwrite", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, &adapters.ProductRecord{ProductID: "p1", Name: "Widget", Quantity: 99, LastAppliedSequence: 1}))

		got, err := store.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.Quantity)
	})

	t.Run("newer sequence overwrites", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, &adapters.ProductRecord{ProductID: "p1", Name: "Widget", Quantity: 7, LastAppliedSequence: 3}))

		got, err := store.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.Quantity)
		assert.Equal(t, int64(3), got.LastAppliedSequence)
	})

	t.Run("list is ordered by id", func(t *testing.T) {
		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "p1", list[0].ProductID)
		assert.Equal(t, "p2", list[1].ProductID)
	})

	t.Run("empty id", func(t *testing.T) {
		assert.ErrorIs(t, store.Put(ctx, &adapters.ProductRecord{}), adapters.ErrEmptyProductID)
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx))

		list, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)

		got, err := store.Get(ctx, "p2")
		require.NoError(t, err)
		assert.Nil(t, got)

		// A rebuild starts again from sequence 1.
		require.NoError(t, store.Put(ctx, &adapters.ProductRecord{ProductID: "p1", Name: "Widget", Quantity: 5, LastAppliedSequence: 1}))
		got, err = store.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.Quantity)
	})
}

func TestIdempotencyStore(t *testing.T) {
	client, prefix := newTestClient(t)
	store := NewIdempotencyStore(client, WithPrefix(prefix))
	ctx := context.Background()

	record := func(key string, version int64, ttl time.Duration) *adapters.IdempotencyRecord {
		now := time.Now()
		return &adapters.IdempotencyRecord{
			Key:         key,
			CommandType: "AddInventory",
			AggregateID: "p1",
			Version:     version,
			Success:     true,
			ProcessedAt: now,
			ExpiresAt:   now.Add(ttl),
		}
	}

	require.NoError(t, store.Ping(ctx))

	got, err := store.Get(ctx, "AddInventory:p1:k1")
	require.NoError(t, err)
	assert.Nil(t, got)

	held, ok, err := store.Reserve(ctx, record("AddInventory:p1:k1", 0, time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, held)

	held, ok, err = store.Reserve(ctx, record("AddInventory:p1:k1", 0, time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, held)
	assert.True(t, held.Pending)

	require.NoError(t, store.Complete(ctx, record("AddInventory:p1:k1", 2, time.Hour)))
	got, err = store.Get(ctx, "AddInventory:p1:k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Pending)
	assert.Equal(t, int64(2), got.Version)

	ttl, err := client.TTL(ctx, prefix+"idempotency:AddInventory:p1:k1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Minute)

	// Completed outcomes survive a release; claims do not.
	require.NoError(t, store.Release(ctx, "AddInventory:p1:k1"))
	got, err = store.Get(ctx, "AddInventory:p1:k1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, ok, err = store.Reserve(ctx, record("AddInventory:p1:k2", 0, time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Release(ctx, "AddInventory:p1:k2"))
	require.NoError(t, store.Release(ctx, "AddInventory:p1:missing"))
	got, err = store.Get(ctx, "AddInventory:p1:k2")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Complete(ctx, record("AddInventory:p1:old", 1, -time.Second)))
	got, err = store.Get(ctx, "AddInventory:p1:old")
	require.NoError(t, err)
	assert.Nil(t, got)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Reserve(ctx, record("AddInventory:p1:race", 0, time.Hour))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
