package inventory

import (
	"context"
	"fmt"

	"github.com/matsushun1/inventory/adapters"
)

// EventStore is the durability and ordering authority for product events.
// It wraps an adapter with serialization and maps adapter failures onto
// the service error taxonomy.
type EventStore struct {
	adapter    adapters.EventStoreAdapter
	serializer Serializer
	logger     Logger
}

// Logger defines the logging interface used across the service.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type noopLogger struct{}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return &noopLogger{} }

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// Option configures an EventStore.
type Option func(*EventStore)

// WithSerializer sets a custom serializer.
// Product events are registered on it when it implements EventRegistrar.
func WithSerializer(s Serializer) Option {
	return func(es *EventStore) {
		es.serializer = s
	}
}

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// NewEventStore creates a new EventStore with the given adapter and options.
func NewEventStore(adapter adapters.EventStoreAdapter, opts ...Option) *EventStore {
	es := &EventStore{
		adapter:    adapter,
		serializer: NewJSONSerializer(),
		logger:     &noopLogger{},
	}

	for _, opt := range opts {
		opt(es)
	}

	if r, ok := es.serializer.(EventRegistrar); ok {
		r.RegisterAll(ProductEvents()...)
	}

	return es
}

// Serializer returns the event store's serializer.
func (s *EventStore) Serializer() Serializer {
	return s.serializer
}

// Adapter returns the underlying adapter.
func (s *EventStore) Adapter() adapters.EventStoreAdapter {
	return s.adapter
}

// AppendOption configures an append operation.
type AppendOption func(*appendConfig)

type appendConfig struct {
	metadata Metadata
}

// WithAppendMetadata sets metadata for all events in the append operation.
func WithAppendMetadata(m Metadata) AppendOption {
	return func(c *appendConfig) {
		c.metadata = m
	}
}

// Append stores events on the product's stream only if its tail equals
// expectedVersion (NoStream for a product that must not exist yet).
// The events get sequence numbers expectedVersion+1 onward and the
// committed tail is returned. A failed check returns a
// ConcurrencyConflictError and nothing is written; I/O failures return a
// StoreUnavailableError.
func (s *EventStore) Append(ctx context.Context, productID string, expectedVersion int64, events []interface{}, opts ...AppendOption) (int64, error) {
	if productID == "" {
		return 0, ErrEmptyStreamID
	}
	if len(events) == 0 {
		return 0, ErrNoEvents
	}

	config := &appendConfig{}
	for _, opt := range opts {
		opt(config)
	}

	records := make([]adapters.EventRecord, len(events))
	for i, event := range events {
		record, err := SerializeEvent(s.serializer, event, config.metadata)
		if err != nil {
			return 0, fmt.Errorf("inventory: failed to serialize event %d: %w", i, err)
		}
		records[i] = record
	}

	streamID := ProductStreamID(productID)
	stored, err := s.adapter.Append(ctx, streamID, records, expectedVersion)
	if err != nil {
		return 0, classifyStoreError("append", err)
	}

	committed := stored[len(stored)-1].Version
	s.logger.Debug("Appended events",
		"stream", streamID,
		"count", len(stored),
		"version", committed,
		"position", stored[len(stored)-1].GlobalPosition)

	return committed, nil
}

// Load returns the product's full history in sequence order and its tail.
// A tail of 0 means the product does not exist.
func (s *EventStore) Load(ctx context.Context, productID string) ([]Event, int64, error) {
	stored, err := s.LoadRaw(ctx, productID, 0)
	if err != nil {
		return nil, 0, err
	}

	events := make([]Event, len(stored))
	var tail int64
	for i, raw := range stored {
		event, err := DeserializeEvent(s.serializer, raw)
		if err != nil {
			return nil, 0, fmt.Errorf("inventory: failed to deserialize event %d: %w", i, err)
		}
		events[i] = event
		tail = raw.Version
	}

	return events, tail, nil
}

// LoadRaw returns stored events of a product with a version above fromVersion.
func (s *EventStore) LoadRaw(ctx context.Context, productID string, fromVersion int64) ([]StoredEvent, error) {
	if productID == "" {
		return nil, ErrEmptyStreamID
	}

	stored, err := s.adapter.Load(ctx, ProductStreamID(productID), fromVersion)
	if err != nil {
		return nil, classifyStoreError("load", err)
	}
	return stored, nil
}

// LoadProduct folds the product's history into a Product whose version
// is the loaded tail.
func (s *EventStore) LoadProduct(ctx context.Context, productID string) (*Product, error) {
	events, tail, err := s.Load(ctx, productID)
	if err != nil {
		return nil, err
	}

	data := make([]interface{}, len(events))
	for i, e := range events {
		data[i] = e.Data
	}

	product, err := FoldProduct(productID, data)
	if err != nil {
		return nil, err
	}
	product.SetVersion(tail)
	return product, nil
}

// LoadEventsFromPosition reads the global log after fromPosition.
// Returns ErrSubscriptionNotSupported if the adapter cannot.
func (s *EventStore) LoadEventsFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]StoredEvent, error) {
	subAdapter, ok := s.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, ErrSubscriptionNotSupported
	}

	events, err := subAdapter.LoadFromPosition(ctx, fromPosition, limit)
	if err != nil {
		return nil, classifyStoreError("load from position", err)
	}
	return events, nil
}

// Decode deserializes a stored event's payload.
func (s *EventStore) Decode(stored StoredEvent) (Event, error) {
	return DeserializeEvent(s.serializer, stored)
}

// GetStreamInfo returns metadata about a product's stream.
func (s *EventStore) GetStreamInfo(ctx context.Context, productID string) (*StreamInfo, error) {
	if productID == "" {
		return nil, ErrEmptyStreamID
	}
	return s.adapter.GetStreamInfo(ctx, ProductStreamID(productID))
}

// GetLastPosition returns the global position of the last stored event.
func (s *EventStore) GetLastPosition(ctx context.Context) (uint64, error) {
	pos, err := s.adapter.GetLastPosition(ctx)
	return pos, classifyStoreError("last position", err)
}

// Ping checks the adapter when it supports health checks.
func (s *EventStore) Ping(ctx context.Context) error {
	if hc, ok := s.adapter.(adapters.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

// Initialize sets up the required storage schema.
func (s *EventStore) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// Close releases resources held by the event store.
func (s *EventStore) Close() error {
	return s.adapter.Close()
}
