package inventory

import (
	"time"

	"github.com/matsushun1/inventory/adapters"
)

// Version constants for optimistic concurrency control.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// Metadata carries request context alongside each event.
type Metadata = adapters.Metadata

// StoredEvent is an event as persisted by an adapter, payload still encoded.
type StoredEvent = adapters.StoredEvent

// StreamInfo contains metadata about an event stream.
type StreamInfo = adapters.StreamInfo

// Event type names as written to the log.
const (
	EventProductCreated   = "ProductCreated"
	EventInventoryAdded   = "InventoryAdded"
	EventInventoryRemoved = "InventoryRemoved"
)

// ProductCreated starts a product stream.
type ProductCreated struct {
	ProductID       string `json:"productId" msgpack:"productId"`
	Name            string `json:"name" msgpack:"name"`
	InitialQuantity int64  `json:"initialQuantity" msgpack:"initialQuantity"`
}

// InventoryAdded records stock arriving.
type InventoryAdded struct {
	ProductID string `json:"productId" msgpack:"productId"`
	Quantity  int64  `json:"quantity" msgpack:"quantity"`
}

// InventoryRemoved records stock leaving.
type InventoryRemoved struct {
	ProductID string `json:"productId" msgpack:"productId"`
	Quantity  int64  `json:"quantity" msgpack:"quantity"`
}

// ProductEvents returns one zero value of every product event,
// ready to pass to a serializer's RegisterAll.
func ProductEvents() []interface{} {
	return []interface{}{ProductCreated{}, InventoryAdded{}, InventoryRemoved{}}
}

// Event is a stored event with its payload decoded.
type Event struct {
	ID             string
	StreamID       string
	ProductID      string
	Type           string
	Data           interface{}
	Metadata       Metadata
	Version        int64
	GlobalPosition uint64
	Timestamp      time.Time
}

// Sequence returns the aggregate-scoped sequence number of the event.
func (e Event) Sequence() int64 {
	return e.Version
}

// EventFromStored builds an Event from its stored form and decoded payload.
func EventFromStored(stored StoredEvent, data interface{}) Event {
	return Event{
		ID:             stored.ID,
		StreamID:       stored.StreamID,
		ProductID:      ProductIDFromStream(stored.StreamID),
		Type:           stored.Type,
		Data:           data,
		Metadata:       stored.Metadata,
		Version:        stored.Version,
		GlobalPosition: stored.GlobalPosition,
		Timestamp:      stored.Timestamp,
	}
}
