package inventory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matsushun1/inventory/adapters/memory"
)

func TestService_Scenario(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Submit(ctx, CreateProduct{ProductID: "widget", Name: "Widget", InitialQuantity: 10})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, AddInventory{ProductID: "widget", Quantity: 5})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, RemoveInventory{ProductID: "widget", Quantity: 3})
	require.NoError(t, err)

	waitForProjection(t, svc)

	view, err := svc.GetProduct(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, "Widget", view.Name)
	assert.Equal(t, int64(12), view.Quantity)
	assert.Equal(t, int64(3), view.LastAppliedSequence)

	list, err := svc.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = svc.Submit(ctx, RemoveInventory{ProductID: "widget", Quantity: 13})
	assert.ErrorIs(t, err, ErrInsufficientStock)
}

func TestService_UnknownProduct(t *testing.T) {
	ctx := context.Background()
	svc, adapter, _ := newTestService(t)

	_, err := svc.Submit(ctx, AddInventory{ProductID: "ghost", Quantity: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GetProduct(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 0, adapter.EventCount())
}

func TestService_ReadModelConvergesUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		_, err := svc.Submit(ctx, CreateProduct{ProductID: id, Name: id, InitialQuantity: 100})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, id := range ids {
			wg.Add(2)
			go func(id string) {
				defer wg.Done()
				_, err := svc.Submit(ctx, AddInventory{ProductID: id, Quantity: 2})
				assert.NoError(t, err)
			}(id)
			go func(id string) {
				defer wg.Done()
				_, err := svc.Submit(ctx, RemoveInventory{ProductID: id, Quantity: 1})
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()
	waitForProjection(t, svc)

	for _, id := range ids {
		product, err := svc.Store.LoadProduct(ctx, id)
		require.NoError(t, err)
		view, err := svc.GetProduct(ctx, id)
		require.NoError(t, err)

		assert.Equal(t, int64(120), product.Quantity())
		assert.Equal(t, product.Quantity(), view.Quantity)
		assert.Equal(t, product.Version(), view.LastAppliedSequence)
	}
}

func TestService_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	keys := memory.NewIdempotencyStore()
	defer keys.Close()
	svc, _, _ := newTestService(t, WithIdempotencyStore(keys))

	_, err := svc.Submit(ctx, CreateProduct{ProductID: "p1", Name: "Widget", InitialQuantity: 10})
	require.NoError(t, err)

	remove := RemoveInventory{CommandBase: CommandBase{Key: "order-17"}, ProductID: "p1", Quantity: 4}
	first, err := svc.Submit(ctx, remove)
	require.NoError(t, err)
	second, err := svc.Submit(ctx, remove)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	product, err := svc.Store.LoadProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), product.Quantity())
}

func TestService_RebuildProjection(t *testing.T) {
	ctx := context.Background()
	svc, _, products := newTestService(t)

	_, err := svc.Submit(ctx, CreateProduct{ProductID: "p1", Name: "Widget", InitialQuantity: 10})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, RemoveInventory{ProductID: "p1", Quantity: 2})
	require.NoError(t, err)
	waitForProjection(t, svc)

	// Corrupt the read model; a rebuild must restore it from the log.
	require.NoError(t, products.Put(ctx, &ProductView{ProductID: "p1", Name: "Wrong", Quantity: 999, LastAppliedSequence: 2}))

	var reports []RebuildProgress
	result, err := svc.RebuildProjection(ctx, func(p RebuildProgress) { reports = append(reports, p) })
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, uint64(2), result.ProcessedEvents)
	assert.NotEmpty(t, reports)
	assert.True(t, svc.Dispatcher.IsRunning())

	view, err := svc.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Widget", view.Name)
	assert.Equal(t, int64(8), view.Quantity)

	_, err = svc.Submit(ctx, AddInventory{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	waitForProjection(t, svc)

	view, err = svc.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), view.Quantity)
}

func TestService_ExtraSubscribers(t *testing.T) {
	ctx := context.Background()
	sub := &recordingSubscriber{name: "audit"}
	svc, _, _ := newTestService(t, WithSubscribers(sub))

	_, err := svc.Submit(ctx, CreateProduct{ProductID: "p1", Name: "Widget", InitialQuantity: 1})
	require.NoError(t, err)
	waitForProjection(t, svc)

	events := sub.delivered()
	require.Len(t, events, 1)
	assert.Equal(t, EventProductCreated, events[0].Type)
	assert.NotEmpty(t, events[0].Metadata.CorrelationID)
}
