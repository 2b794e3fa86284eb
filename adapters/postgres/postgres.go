// Package postgres provides PostgreSQL implementations of the inventory
// event log, checkpoint store, product read model and idempotency store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/matsushun1/inventory/adapters"
)

// Sentinel errors for the postgres adapter.
// These are aliases to the adapters package errors for compatibility with errors.Is().
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyStreamID       = adapters.ErrEmptyStreamID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
)

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter   = (*PostgresAdapter)(nil)
	_ adapters.SubscriptionAdapter = (*PostgresAdapter)(nil)
	_ adapters.CheckpointAdapter   = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker       = (*PostgresAdapter)(nil)
	_ adapters.Migrator            = (*PostgresAdapter)(nil)
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "inventory"

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresAdapter is a PostgreSQL implementation of EventStoreAdapter.
type PostgresAdapter struct {
	db     *sql.DB
	schema string
	closed bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		a.schema = schema
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter opens a connection pool with the pgx driver and returns an adapter over it.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("inventory/postgres: failed to open database: %w", err)
	}

	adapter := NewAdapterWithDB(db, opts...)
	if err := ValidateIdentifier(adapter.schema, "schema"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return adapter, nil
}

// NewAdapterWithDB creates a new adapter with an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	adapter := &PostgresAdapter{
		db:     db,
		schema: DefaultSchema,
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// ValidateIdentifier checks that name is a plain PostgreSQL identifier.
func ValidateIdentifier(name, kind string) error {
	if name == "" {
		return fmt.Errorf("inventory/postgres: %s name cannot be empty", kind)
	}
	if len(name) > 63 {
		return fmt.Errorf("inventory/postgres: %s name exceeds 63 characters", kind)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("inventory/postgres: %s name %q contains invalid characters", kind, name)
	}
	return nil
}

// qualify returns schema.table with both parts quoted.
func qualify(schema, table string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

func (a *PostgresAdapter) table(name string) string {
	return qualify(a.schema, name)
}

// appendLockKey names the advisory lock that orders appends within a schema.
func (a *PostgresAdapter) appendLockKey() string {
	return a.schema + ".events"
}

// Initialize creates the required database schema and tables.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate creates the schema and every table the service uses.
// All statements are idempotent.
func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	if err := ValidateIdentifier(a.schema, "schema"); err != nil {
		return err
	}

	statements := []struct {
		what string
		sql  string
	}{
		{"schema", `CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(a.schema)},
		{"streams table", `
			CREATE TABLE IF NOT EXISTS ` + a.table("streams") + ` (
				id              BIGSERIAL PRIMARY KEY,
				stream_id       VARCHAR(500) NOT NULL UNIQUE,
				category        VARCHAR(250) NOT NULL,
				version         BIGINT NOT NULL DEFAULT 0,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`},
		{"events table", `
			CREATE TABLE IF NOT EXISTS ` + a.table("events") + ` (
				global_position BIGSERIAL PRIMARY KEY,
				stream_id       VARCHAR(500) NOT NULL,
				version         BIGINT NOT NULL,
				event_id        UUID NOT NULL DEFAULT gen_random_uuid(),
				event_type      VARCHAR(500) NOT NULL,
				data            JSONB NOT NULL,
				metadata        JSONB,
				timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE(stream_id, version)
			)`},
		{"index", `CREATE INDEX IF NOT EXISTS idx_streams_category ON ` + a.table("streams") + `(category)`},
		{"index", `CREATE INDEX IF NOT EXISTS idx_events_type ON ` + a.table("events") + `(event_type)`},
		{"checkpoints table", `
			CREATE TABLE IF NOT EXISTS ` + a.table("checkpoints") + ` (
				projection_name VARCHAR(500) PRIMARY KEY,
				position        BIGINT NOT NULL DEFAULT 0,
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`},
		{"products table", productsTableSQL(a.table("products"))},
		{"idempotency table", idempotencyTableSQL(a.table("idempotency_keys"))},
		{"idempotency claims", `ALTER TABLE ` + a.table("idempotency_keys") + ` ADD COLUMN IF NOT EXISTS pending BOOLEAN NOT NULL DEFAULT false`},
		{"index", `CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON ` + a.table("idempotency_keys") + `(expires_at)`},
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("inventory/postgres: failed to create %s: %w", stmt.what, err)
		}
	}

	return nil
}

// MigrationVersion returns 1 once the schema exists and 0 before.
func (a *PostgresAdapter) MigrationVersion(ctx context.Context) (int, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = 'events'
		)`, a.schema).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("inventory/postgres: failed to read migration version: %w", err)
	}

	if exists {
		return 1, nil
	}
	return 0, nil
}

// Append stores events to the specified stream with optimistic concurrency control.
// The stream row is locked FOR UPDATE so concurrent writers to one stream queue up;
// a writer racing to create the same stream loses on the unique constraint and
// gets a ConcurrencyError.
//
// Every append also holds a transaction-scoped advisory lock on the schema's
// event log. Global positions are drawn from a sequence at insert time, so
// without it a later position could commit before an earlier one and a
// reader paging by position would step over the earlier event for good.
func (a *PostgresAdapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("inventory/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.appendLockKey()); err != nil {
		return nil, fmt.Errorf("inventory/postgres: failed to lock event log: %w", err)
	}

	var currentVersion int64
	streamExists := true

	err = tx.QueryRowContext(ctx, `
		SELECT version FROM `+a.table("streams")+`
		WHERE stream_id = $1
		FOR UPDATE`, streamID).Scan(&currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		streamExists = false
		currentVersion = 0
	} else if err != nil {
		return nil, fmt.Errorf("inventory/postgres: failed to get stream version: %w", err)
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, streamExists); err != nil {
		return nil, err
	}

	if !streamExists {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO `+a.table("streams")+` (stream_id, category, version)
			VALUES ($1, $2, 0)`, streamID, adapters.ExtractCategory(streamID))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, adapters.NewConcurrencyError(streamID, expectedVersion, currentVersion+1)
			}
			return nil, fmt.Errorf("inventory/postgres: failed to create stream: %w", err)
		}
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		currentVersion++

		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("inventory/postgres: failed to marshal metadata: %w", err)
		}

		var (
			globalPosition uint64
			eventID        string
			timestamp      time.Time
		)
		err = tx.QueryRowContext(ctx, `
			INSERT INTO `+a.table("events")+` (stream_id, version, event_type, data, metadata)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING global_position, event_id, timestamp`,
			streamID, currentVersion, event.Type, event.Data, metadataJSON,
		).Scan(&globalPosition, &eventID, &timestamp)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, adapters.NewConcurrencyError(streamID, expectedVersion, currentVersion)
			}
			return nil, fmt.Errorf("inventory/postgres: failed to insert event: %w", err)
		}

		stored[i] = adapters.StoredEvent{
			ID:             eventID,
			StreamID:       streamID,
			Type:           event.Type,
			Data:           event.Data,
			Metadata:       event.Metadata,
			Version:        currentVersion,
			GlobalPosition: globalPosition,
			Timestamp:      timestamp,
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE `+a.table("streams")+`
		SET version = $1, updated_at = NOW()
		WHERE stream_id = $2`, currentVersion, streamID)
	if err != nil {
		return nil, fmt.Errorf("inventory/postgres: failed to update stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("inventory/postgres: failed to commit transaction: %w", err)
	}

	return stored, nil
}

// Load retrieves the events of a stream with a version greater than fromVersion.
func (a *PostgresAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT event_id, stream_id, version, event_type, data, metadata, global_position, timestamp
		FROM `+a.table("events")+`
		WHERE stream_id = $1 AND version > $2
		ORDER BY version`, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("inventory/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetStreamInfo returns metadata about a stream.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	var info adapters.StreamInfo
	err := a.db.QueryRowContext(ctx, `
		SELECT stream_id, category, version, created_at, updated_at
		FROM `+a.table("streams")+`
		WHERE stream_id = $1`, streamID).Scan(
		&info.StreamID,
		&info.Category,
		&info.Version,
		&info.CreatedAt,
		&info.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("inventory/postgres: failed to get stream info: %w", err)
	}

	// Versions are gap free, so the count equals the version.
	info.EventCount = info.Version
	return &info, nil
}

// GetLastPosition returns the global position of the last stored event.
func (a *PostgresAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if a.closed {
		return 0, ErrAdapterClosed
	}

	var pos sql.NullInt64
	err := a.db.QueryRowContext(ctx, `SELECT MAX(global_position) FROM `+a.table("events")).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("inventory/postgres: failed to get last position: %w", err)
	}

	if pos.Valid {
		return uint64(pos.Int64), nil
	}
	return 0, nil
}

// GetCheckpoint returns the last processed position for a subscriber.
func (a *PostgresAdapter) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	if a.closed {
		return 0, ErrAdapterClosed
	}

	var pos int64
	err := a.db.QueryRowContext(ctx, `
		SELECT position FROM `+a.table("checkpoints")+`
		WHERE projection_name = $1`, name).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inventory/postgres: failed to get checkpoint: %w", err)
	}

	return uint64(pos), nil
}

// SetCheckpoint stores the last processed position for a subscriber.
func (a *PostgresAdapter) SetCheckpoint(ctx context.Context, name string, position uint64) error {
	if a.closed {
		return ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO `+a.table("checkpoints")+` (projection_name, position)
		VALUES ($1, $2)
		ON CONFLICT (projection_name) DO UPDATE SET
			position = EXCLUDED.position,
			updated_at = NOW()`, name, int64(position))
	if err != nil {
		return fmt.Errorf("inventory/postgres: failed to set checkpoint: %w", err)
	}

	return nil
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed {
		return ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// Close releases the database connection.
func (a *PostgresAdapter) Close() error {
	a.closed = true
	return a.db.Close()
}

// DB returns the underlying database connection.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
