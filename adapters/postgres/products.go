package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/matsushun1/inventory/adapters"
)

var (
	_ adapters.ProductStore  = (*ProductStore)(nil)
	_ adapters.HealthChecker = (*ProductStore)(nil)
)

func productsTableSQL(table string) string {
	return `
		CREATE TABLE IF NOT EXISTS ` + table + ` (
			product_id            VARCHAR(255) PRIMARY KEY,
			name                  VARCHAR(500) NOT NULL,
			quantity              BIGINT NOT NULL CHECK (quantity >= 0),
			last_applied_sequence BIGINT NOT NULL DEFAULT 0,
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
}

// ProductStore keeps the product read model in a products table.
type ProductStore struct {
	db     *sql.DB
	schema string
	table  string
}

// ProductStoreOption configures a ProductStore.
type ProductStoreOption func(*ProductStore)

// WithProductSchema sets the schema of the products table.
func WithProductSchema(schema string) ProductStoreOption {
	return func(s *ProductStore) {
		s.schema = schema
	}
}

// WithProductTable sets the table name.
func WithProductTable(table string) ProductStoreOption {
	return func(s *ProductStore) {
		s.table = table
	}
}

// NewProductStore creates a product store over db.
func NewProductStore(db *sql.DB, opts ...ProductStoreOption) *ProductStore {
	s := &ProductStore{
		db:     db,
		schema: DefaultSchema,
		table:  "products",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewProductStoreFromAdapter shares the adapter's connection and schema.
func NewProductStoreFromAdapter(adapter *PostgresAdapter, opts ...ProductStoreOption) *ProductStore {
	all := append([]ProductStoreOption{WithProductSchema(adapter.schema)}, opts...)
	return NewProductStore(adapter.db, all...)
}

func (s *ProductStore) tableName() string {
	return qualify(s.schema, s.table)
}

// Initialize creates the schema and table if they do not exist.
func (s *ProductStore) Initialize(ctx context.Context) error {
	if err := ValidateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if err := ValidateIdentifier(s.table, "table"); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+pq.QuoteIdentifier(s.schema)); err != nil {
		return fmt.Errorf("inventory/postgres/products: failed to create schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, productsTableSQL(s.tableName())); err != nil {
		return fmt.Errorf("inventory/postgres/products: failed to create table: %w", err)
	}
	return nil
}

// Get returns the record for a product, or nil when there is none.
func (s *ProductStore) Get(ctx context.Context, productID string) (*adapters.ProductRecord, error) {
	var r adapters.ProductRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, name, quantity, last_applied_sequence, updated_at
		FROM `+s.tableName()+`
		WHERE product_id = $1`, productID).Scan(
		&r.ProductID,
		&r.Name,
		&r.Quantity,
		&r.LastAppliedSequence,
		&r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inventory/postgres/products: get failed: %w", err)
	}
	return &r, nil
}

// Put inserts or replaces a record. A record older than the stored one
// (lower last_applied_sequence) is ignored so a row never moves backwards.
func (s *ProductStore) Put(ctx context.Context, record *adapters.ProductRecord) error {
	if record == nil || record.ProductID == "" {
		return adapters.ErrEmptyProductID
	}

	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.tableName()+` AS p (product_id, name, quantity, last_applied_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id) DO UPDATE SET
			name = EXCLUDED.name,
			quantity = EXCLUDED.quantity,
			last_applied_sequence = EXCLUDED.last_applied_sequence,
			updated_at = EXCLUDED.updated_at
		WHERE p.last_applied_sequence <= EXCLUDED.last_applied_sequence`,
		record.ProductID, record.Name, record.Quantity, record.LastAppliedSequence, updatedAt)
	if err != nil {
		return fmt.Errorf("inventory/postgres/products: upsert failed: %w", err)
	}
	return nil
}

// List returns every record ordered by product ID.
func (s *ProductStore) List(ctx context.Context) ([]*adapters.ProductRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, quantity, last_applied_sequence, updated_at
		FROM `+s.tableName()+`
		ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("inventory/postgres/products: list failed: %w", err)
	}
	defer rows.Close()

	records := make([]*adapters.ProductRecord, 0)
	for rows.Next() {
		var r adapters.ProductRecord
		if err := rows.Scan(&r.ProductID, &r.Name, &r.Quantity, &r.LastAppliedSequence, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("inventory/postgres/products: scan failed: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inventory/postgres/products: row iteration error: %w", err)
	}
	return records, nil
}

// Clear removes every record.
func (s *ProductStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE `+s.tableName()); err != nil {
		return fmt.Errorf("inventory/postgres/products: clear failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *ProductStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
