package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/matsushun1/inventory/adapters"
)

var _ adapters.ProductStore = (*ProductStore)(nil)

// ProductStore is an in-memory product read model.
type ProductStore struct {
	mu      sync.RWMutex
	records map[string]*adapters.ProductRecord
}

// NewProductStore creates an empty ProductStore.
func NewProductStore() *ProductStore {
	return &ProductStore{
		records: make(map[string]*adapters.ProductRecord),
	}
}

// Get returns a copy of the record, or nil when absent.
func (s *ProductStore) Get(ctx context.Context, productID string) (*adapters.ProductRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return adapters.CopyProductRecord(s.records[productID]), nil
}

// Put inserts or replaces a record.
func (s *ProductStore) Put(ctx context.Context, record *adapters.ProductRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.ProductID == "" {
		return adapters.ErrEmptyProductID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.ProductID] = adapters.CopyProductRecord(record)
	return nil
}

// List returns copies of every record ordered by product ID.
func (s *ProductStore) List(ctx context.Context) ([]*adapters.ProductRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*adapters.ProductRecord, 0, len(s.records))
	for _, record := range s.records {
		result = append(result, adapters.CopyProductRecord(record))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ProductID < result[j].ProductID
	})
	return result, nil
}

// Clear removes every record.
func (s *ProductStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*adapters.ProductRecord)
	return nil
}

// Len returns the number of records.
func (s *ProductStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
