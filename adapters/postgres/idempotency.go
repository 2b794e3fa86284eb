package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matsushun1/inventory/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

func idempotencyTableSQL(table string) string {
	return `
		CREATE TABLE IF NOT EXISTS ` + table + ` (
			key          VARCHAR(255) PRIMARY KEY,
			command_type VARCHAR(255) NOT NULL,
			aggregate_id VARCHAR(255),
			version      BIGINT,
			error        TEXT,
			success      BOOLEAN NOT NULL DEFAULT false,
			pending      BOOLEAN NOT NULL DEFAULT false,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at   TIMESTAMPTZ NOT NULL
		)`
}

// IdempotencyStore keeps idempotency keys in the idempotency_keys table of
// the event store's schema. A claim is a row with pending set; the primary
// key decides which of several concurrent commands runs.
type IdempotencyStore struct {
	db     *sql.DB
	schema string
}

// IdempotencyStoreOption configures an IdempotencyStore.
type IdempotencyStoreOption func(*IdempotencyStore)

// WithIdempotencySchema sets the schema holding the idempotency table.
func WithIdempotencySchema(schema string) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.schema = schema
	}
}

// NewIdempotencyStore creates a store on db.
func NewIdempotencyStore(db *sql.DB, opts ...IdempotencyStoreOption) *IdempotencyStore {
	s := &IdempotencyStore{db: db, schema: DefaultSchema}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewIdempotencyStoreFromAdapter shares the adapter's connection and schema.
func NewIdempotencyStoreFromAdapter(adapter *PostgresAdapter, opts ...IdempotencyStoreOption) *IdempotencyStore {
	return NewIdempotencyStore(adapter.db, append([]IdempotencyStoreOption{WithIdempotencySchema(adapter.schema)}, opts...)...)
}

func (s *IdempotencyStore) table() string {
	return qualify(s.schema, "idempotency_keys")
}

// Initialize runs the schema migration, which owns the idempotency table.
func (s *IdempotencyStore) Initialize(ctx context.Context) error {
	return NewAdapterWithDB(s.db, WithSchema(s.schema)).Migrate(ctx)
}

// Reserve inserts a pending row for the key. An expired row is taken over
// in the same statement; a live one is returned instead.
func (s *IdempotencyStore) Reserve(ctx context.Context, claim *adapters.IdempotencyRecord) (*adapters.IdempotencyRecord, bool, error) {
	// A row can expire between the insert and the read; try again then.
	for attempt := 0; attempt < 3; attempt++ {
		var key string
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO `+s.table()+` AS k (key, command_type, pending, processed_at, expires_at)
			VALUES ($1, $2, true, $3, $4)
			ON CONFLICT (key) DO UPDATE SET
				command_type = EXCLUDED.command_type,
				aggregate_id = NULL,
				version      = NULL,
				error        = NULL,
				success      = false,
				pending      = true,
				processed_at = EXCLUDED.processed_at,
				expires_at   = EXCLUDED.expires_at
			WHERE k.expires_at <= NOW()
			RETURNING key`,
			claim.Key, claim.CommandType, claim.ProcessedAt, claim.ExpiresAt,
		).Scan(&key)
		if err == nil {
			return nil, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("inventory/postgres/idempotency: failed to reserve %q: %w", claim.Key, err)
		}

		held, err := s.Get(ctx, claim.Key)
		if err != nil {
			return nil, false, err
		}
		if held != nil {
			return held, false, nil
		}
	}
	return nil, false, fmt.Errorf("inventory/postgres/idempotency: key %q kept changing while reserving", claim.Key)
}

// Complete writes the outcome over the claim.
func (s *IdempotencyStore) Complete(ctx context.Context, record *adapters.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.table()+` (key, command_type, aggregate_id, version, error, success, pending, processed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			command_type = EXCLUDED.command_type,
			aggregate_id = EXCLUDED.aggregate_id,
			version      = EXCLUDED.version,
			error        = EXCLUDED.error,
			success      = EXCLUDED.success,
			pending      = false,
			processed_at = EXCLUDED.processed_at,
			expires_at   = EXCLUDED.expires_at`,
		record.Key,
		record.CommandType,
		nullString(record.AggregateID),
		nullInt(record.Version),
		nullString(record.Error),
		record.Success,
		record.ProcessedAt,
		record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inventory/postgres/idempotency: failed to complete %q: %w", record.Key, err)
	}
	return nil
}

// Release deletes the key while it is still a claim.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table()+` WHERE key = $1 AND pending`, key)
	if err != nil {
		return fmt.Errorf("inventory/postgres/idempotency: failed to release %q: %w", key, err)
	}
	return nil
}

// Get returns the live row for key, or nil.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	var (
		record      adapters.IdempotencyRecord
		aggregateID sql.NullString
		version     sql.NullInt64
		errorMsg    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, command_type, aggregate_id, version, error, success, pending, processed_at, expires_at
		FROM `+s.table()+`
		WHERE key = $1 AND expires_at > NOW()`, key).Scan(
		&record.Key,
		&record.CommandType,
		&aggregateID,
		&version,
		&errorMsg,
		&record.Success,
		&record.Pending,
		&record.ProcessedAt,
		&record.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inventory/postgres/idempotency: failed to get %q: %w", key, err)
	}

	record.AggregateID = aggregateID.String
	record.Version = version.Int64
	record.Error = errorMsg.String
	return &record, nil
}

// Ping checks database connectivity.
func (s *IdempotencyStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
