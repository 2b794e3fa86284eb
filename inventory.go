// Package inventory is an event-sourced inventory service.
//
// Product stock is never stored as a mutable number on the write side.
// Every change is an immutable event in a per-product stream, and the
// current quantity is the fold of that stream. Commands are validated
// against freshly folded state and appended under an optimistic
// concurrency check; a Dispatcher then delivers the committed events to
// the ProductProjection, which maintains the read model served by the
// QueryHandler.
//
// Wiring the pieces by hand:
//
//	adapter := memory.NewAdapter()
//	store := inventory.NewEventStore(adapter)
//	products := memory.NewProductStore()
//
//	projection := inventory.NewProductProjection(products)
//	dispatcher := inventory.NewDispatcher(store, adapter)
//	dispatcher.Subscribe(projection)
//
//	bus := inventory.NewCommandBus()
//	inventory.NewProductHandler(store, inventory.WithNotifier(dispatcher)).Register(bus)
//
//	_ = dispatcher.Start(ctx)
//	result, err := bus.Submit(ctx, inventory.CreateProduct{ProductID: id, Name: "Widget", InitialQuantity: 10})
//
// NewService does the same wiring from a small set of options.
package inventory

import "github.com/matsushun1/inventory/adapters"

// version is set at build time.
var version = "0.1.0"

// Version returns the library version.
func Version() string {
	return version
}

// ProductAggregateType is the category of product event streams.
const ProductAggregateType = "Product"

// ProductStreamID returns the event stream ID for a product.
func ProductStreamID(productID string) string {
	return ProductAggregateType + "-" + productID
}

// ProductIDFromStream returns the product ID encoded in a stream ID.
func ProductIDFromStream(streamID string) string {
	return adapters.ExtractID(streamID)
}
