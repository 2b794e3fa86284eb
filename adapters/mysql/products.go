// Package mysql provides a MySQL implementation of the product read model.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/matsushun1/inventory/adapters"
)

var (
	_ adapters.ProductStore  = (*ProductStore)(nil)
	_ adapters.HealthChecker = (*ProductStore)(nil)
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,63}$`)

// ProductStore keeps the product read model in a MySQL table.
type ProductStore struct {
	db    *sql.DB
	table string
}

// Option configures a ProductStore.
type Option func(*ProductStore)

// WithTable sets the table name.
func WithTable(table string) Option {
	return func(s *ProductStore) {
		s.table = table
	}
}

// Open parses dsn, turns on parseTime and opens a pool with the mysql driver.
func Open(dsn string, opts ...Option) (*ProductStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("inventory/mysql: invalid DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("inventory/mysql: failed to create connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewProductStore(db, opts...)
}

// NewProductStore creates a product store over db. The DSN used for db must set parseTime=true.
func NewProductStore(db *sql.DB, opts ...Option) (*ProductStore, error) {
	s := &ProductStore{db: db, table: "products"}
	for _, opt := range opts {
		opt(s)
	}
	if !tableNamePattern.MatchString(s.table) {
		return nil, fmt.Errorf("inventory/mysql: invalid table name %q", s.table)
	}
	return s, nil
}

func (s *ProductStore) quoted() string {
	return "`" + s.table + "`"
}

// Initialize creates the table if it does not exist.
func (s *ProductStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.quoted()+` (
			product_id            VARCHAR(255) NOT NULL PRIMARY KEY,
			name                  VARCHAR(500) NOT NULL,
			quantity              BIGINT NOT NULL,
			last_applied_sequence BIGINT NOT NULL DEFAULT 0,
			updated_at            DATETIME(6) NOT NULL,
			CONSTRAINT chk_`+s.table+`_quantity CHECK (quantity >= 0)
		) ENGINE=InnoDB`)
	if err != nil {
		return fmt.Errorf("inventory/mysql: failed to create table: %w", err)
	}
	return nil
}

// Get returns the record for a product, or nil when there is none.
func (s *ProductStore) Get(ctx context.Context, productID string) (*adapters.ProductRecord, error) {
	var r adapters.ProductRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, name, quantity, last_applied_sequence, updated_at
		FROM `+s.quoted()+` WHERE product_id = ?`, productID,
	).Scan(&r.ProductID, &r.Name, &r.Quantity, &r.LastAppliedSequence, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inventory/mysql: get failed: %w", err)
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

	// last_applied_sequence is assigned last: the conditions before it must
	// read the stored value.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.quoted()+` (product_id, name, quantity, last_applied_sequence, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = IF(VALUES(last_applied_sequence) >= last_applied_sequence, VALUES(name), name),
			quantity = IF(VALUES(last_applied_sequence) >= last_applied_sequence, VALUES(quantity), quantity),
			updated_at = IF(VALUES(last_applied_sequence) >= last_applied_sequence, VALUES(updated_at), updated_at),
			last_applied_sequence = GREATEST(VALUES(last_applied_sequence), last_applied_sequence)`,
		record.ProductID, record.Name, record.Quantity, record.LastAppliedSequence, updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inventory/mysql: upsert failed: %w", err)
	}
	return nil
}

// List returns every record ordered by product ID.
func (s *ProductStore) List(ctx context.Context) ([]*adapters.ProductRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, quantity, last_applied_sequence, updated_at
		FROM `+s.quoted()+` ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("inventory/mysql: list failed: %w", err)
	}
	defer rows.Close()

	records := make([]*adapters.ProductRecord, 0)
	for rows.Next() {
		var r adapters.ProductRecord
		if err := rows.Scan(&r.ProductID, &r.Name, &r.Quantity, &r.LastAppliedSequence, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("inventory/mysql: scan failed: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inventory/mysql: row iteration error: %w", err)
	}
	return records, nil
}

// Clear removes every record.
func (s *ProductStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.quoted()); err != nil {
		return fmt.Errorf("inventory/mysql: clear failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *ProductStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying pool.
func (s *ProductStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying pool.
func (s *ProductStore) DB() *sql.DB {
	return s.db
}
