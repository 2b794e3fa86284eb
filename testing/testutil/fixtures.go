package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/matsushun1/inventory"
)

// FixedTime is the timestamp stamped on fixture events.
var FixedTime = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

// Created returns a ProductCreated event.
func Created(productID, name string, quantity int64) inventory.ProductCreated {
	return inventory.ProductCreated{ProductID: productID, Name: name, InitialQuantity: quantity}
}

// Added returns an InventoryAdded event.
func Added(productID string, quantity int64) inventory.InventoryAdded {
	return inventory.InventoryAdded{ProductID: productID, Quantity: quantity}
}

// Removed returns an InventoryRemoved event.
func Removed(productID string, quantity int64) inventory.InventoryRemoved {
	return inventory.InventoryRemoved{ProductID: productID, Quantity: quantity}
}

// EventType returns the log type name of a product event payload.
func EventType(data interface{}) string {
	switch data.(type) {
	case inventory.ProductCreated, *inventory.ProductCreated:
		return inventory.EventProductCreated
	case inventory.InventoryAdded, *inventory.InventoryAdded:
		return inventory.EventInventoryAdded
	case inventory.InventoryRemoved, *inventory.InventoryRemoved:
		return inventory.EventInventoryRemoved
	}
	return fmt.Sprintf("%T", data)
}

// NewEvent wraps a payload as a decoded event at the given sequence.
// The global position is set equal to the sequence.
func NewEvent(productID string, sequence int64, data interface{}) inventory.Event {
	return inventory.Event{
		ID:             uuid.NewString(),
		StreamID:       inventory.ProductStreamID(productID),
		ProductID:      productID,
		Type:           EventType(data),
		Data:           data,
		Version:        sequence,
		GlobalPosition: uint64(sequence),
		Timestamp:      FixedTime,
	}
}

// Stream numbers payloads 1..n as the events of one product stream.
func Stream(productID string, data ...interface{}) []inventory.Event {
	events := make([]inventory.Event, len(data))
	for i, d := range data {
		events[i] = NewEvent(productID, int64(i+1), d)
	}
	return events
}

// SeedProduct creates a product with initial stock through the service.
func SeedProduct(ctx context.Context, svc *inventory.Service, productID, name string, quantity int64) error {
	result, err := svc.Submit(ctx, inventory.CreateProduct{
		ProductID:       productID,
		Name:            name,
		InitialQuantity: quantity,
	})
	if err != nil {
		return fmt.Errorf("testutil: seed %s: %w", productID, err)
	}
	if !result.IsSuccess() {
		return fmt.Errorf("testutil: seed %s: %w", productID, result.Error)
	}
	return nil
}
