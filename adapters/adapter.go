// Package adapters defines the storage contracts behind the inventory
// service: the event log, projection checkpoints, the product read model
// and the idempotency key store.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// so the service can classify failures the same way for every backend.
var (
	// ErrConcurrencyConflict is returned when the optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("inventory: concurrency conflict")

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("inventory: stream not found")

	// ErrEmptyStreamID is returned when an empty stream ID is provided.
	ErrEmptyStreamID = errors.New("inventory: stream ID is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("inventory: no events to append")

	// ErrInvalidVersion is returned when an invalid version is specified.
	ErrInvalidVersion = errors.New("inventory: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("inventory: adapter is closed")

	// ErrEmptyProductID is returned when a product record has no ID.
	ErrEmptyProductID = errors.New("inventory: product ID is required")
)

// Metadata carries request context alongside each event.
type Metadata struct {
	// CorrelationID links the events produced by one request.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the command that produced the event.
	CausationID string `json:"causationId,omitempty"`

	// IdempotencyKey is the client supplied key of the producing command.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// Custom holds any additional metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// StoredEvent represents a persisted event with its storage metadata.
type StoredEvent struct {
	// ID is the unique event identifier.
	ID string

	// StreamID is the stream this event belongs to.
	StreamID string

	// Type is the event type identifier.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the aggregate-scoped sequence number (1-based, gap free).
	Version int64

	// GlobalPosition orders events across all streams.
	GlobalPosition uint64

	// Timestamp is when the event was stored.
	Timestamp time.Time
}

// StreamInfo contains metadata about an event stream.
type StreamInfo struct {
	StreamID   string
	Category   string
	Version    int64
	EventCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EventRecord is an event waiting to be appended to a stream.
type EventRecord struct {
	Type     string
	Data     []byte
	Metadata Metadata
}

// EventStoreAdapter is the interface that event log backends implement.
type EventStoreAdapter interface {
	// Append stores events to the specified stream with optimistic concurrency control.
	// expectedVersion specifies the expected current version of the stream:
	//   - AnyVersion (-1): Skip version check
	//   - NoStream (0): Stream must not exist
	//   - StreamExists (-2): Stream must exist
	//   - Any positive number: Stream must be at this exact version
	// The append is all-or-nothing: on error no event of the batch is visible.
	Append(ctx context.Context, streamID string, events []EventRecord, expectedVersion int64) ([]StoredEvent, error)

	// Load retrieves events of a stream with a version greater than fromVersion.
	// Use fromVersion=0 to load all events. Unknown streams yield an empty slice.
	Load(ctx context.Context, streamID string, fromVersion int64) ([]StoredEvent, error)

	// GetStreamInfo returns metadata about a stream.
	// Returns ErrStreamNotFound if the stream does not exist.
	GetStreamInfo(ctx context.Context, streamID string) (*StreamInfo, error)

	// GetLastPosition returns the global position of the last stored event.
	// Returns 0 if no events exist.
	GetLastPosition(ctx context.Context) (uint64, error)

	// Initialize sets up the required schema.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// SubscriptionAdapter reads the log in global order.
// The dispatcher and the projection rebuilder depend on it.
type SubscriptionAdapter interface {
	// LoadFromPosition loads at most limit events with a global position
	// greater than fromPosition, ordered by global position.
	LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]StoredEvent, error)
}

// CheckpointAdapter manages subscriber checkpoints.
type CheckpointAdapter interface {
	// GetCheckpoint returns the last processed position for a subscriber.
	// Returns 0 if no checkpoint exists.
	GetCheckpoint(ctx context.Context, name string) (uint64, error)

	// SetCheckpoint stores the last processed position for a subscriber.
	SetCheckpoint(ctx context.Context, name string, position uint64) error
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	// Ping checks if the adapter can reach its backend.
	Ping(ctx context.Context) error
}

// Migrator provides schema migration capabilities.
type Migrator interface {
	// Migrate runs pending migrations.
	Migrate(ctx context.Context) error

	// MigrationVersion returns the current migration version.
	MigrationVersion(ctx context.Context) (int, error)
}

// ProductRecord is one row of the product read model.
type ProductRecord struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`

	// LastAppliedSequence is the version of the last event folded into the row.
	LastAppliedSequence int64 `json:"lastAppliedSequence"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// ProductStore persists the product read model.
// It is a plain get/put/list store: duplicate and out-of-order
// detection is the projection's job, not the store's.
type ProductStore interface {
	// Get returns the record for a product.
	// Returns nil, nil if the product has no record.
	Get(ctx context.Context, productID string) (*ProductRecord, error)

	// Put inserts or replaces a record.
	Put(ctx context.Context, record *ProductRecord) error

	// List returns every record ordered by product ID.
	List(ctx context.Context) ([]*ProductRecord, error)

	// Clear removes every record. Used when rebuilding the projection.
	Clear(ctx context.Context) error
}

// IdempotencyStore tracks commands submitted with an idempotency key, so a
// retried request returns the first result instead of running twice.
//
// A key is claimed with Reserve before the command runs. Exactly one of any
// number of concurrent callers wins the claim; the others see the pending
// record and wait for Complete, or run again after Release.
type IdempotencyStore interface {
	// Reserve claims claim.Key until claim.ExpiresAt. It returns nil, true
	// when the caller now owns the key. Otherwise it returns the live record
	// for the key, which is either a finished outcome or a pending claim.
	// Expired records never block a claim.
	Reserve(ctx context.Context, claim *IdempotencyRecord) (*IdempotencyRecord, bool, error)

	// Complete replaces a claim with the finished outcome.
	Complete(ctx context.Context, record *IdempotencyRecord) error

	// Release drops a pending claim so the command may run again.
	Release(ctx context.Context, key string) error

	// Get returns the live record for a key.
	// Returns nil, nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
}

// IdempotencyRecord is a claim on a key or the outcome of the command that
// held it.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	CommandType string    `json:"commandType"`
	AggregateID string    `json:"aggregateId,omitempty"`
	Version     int64     `json:"version,omitempty"`
	Error       string    `json:"error,omitempty"`
	Success     bool      `json:"success"`
	Pending     bool      `json:"pending,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IsExpired returns true if the record has expired.
func (r *IdempotencyRecord) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}
