package memory

import (
	"context"
	"sync"
	"time"

	"github.com/matsushun1/inventory/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore keeps processed command keys in memory.
// Records do not survive a restart.
type IdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*adapters.IdempotencyRecord

	cleanupInterval time.Duration
	maxAge          time.Duration
	stop            chan struct{}
	closeOnce       sync.Once
}

// IdempotencyStoreOption configures an IdempotencyStore.
type IdempotencyStoreOption func(*IdempotencyStore)

// WithCleanupInterval enables periodic removal of expired records.
// Zero disables it.
func WithCleanupInterval(interval time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.cleanupInterval = interval
	}
}

// WithMaxAge sets how long records are kept by the periodic cleanup.
func WithMaxAge(maxAge time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.maxAge = maxAge
	}
}

// NewIdempotencyStore creates a new in-memory IdempotencyStore.
func NewIdempotencyStore(opts ...IdempotencyStoreOption) *IdempotencyStore {
	s := &IdempotencyStore{
		records: make(map[string]*adapters.IdempotencyRecord),
		maxAge:  24 * time.Hour,
		stop:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

func (s *IdempotencyStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background(), s.maxAge)
		case <-s.stop:
			return
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (s *IdempotencyStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	return nil
}

// Reserve claims a key unless a live record already holds it.
func (s *IdempotencyStore) Reserve(ctx context.Context, claim *adapters.IdempotencyRecord) (*adapters.IdempotencyRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[claim.Key]; ok && !existing.IsExpired() {
		return adapters.CopyIdempotencyRecord(existing), false, nil
	}

	held := adapters.CopyIdempotencyRecord(claim)
	held.Pending = true
	s.records[claim.Key] = held
	return nil, true, nil
}

// Complete stores the outcome for a key, replacing its claim.
func (s *IdempotencyStore) Complete(ctx context.Context, record *adapters.IdempotencyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	done := adapters.CopyIdempotencyRecord(record)
	done.Pending = false
	s.records[record.Key] = done
	return nil
}

// Release drops a pending claim. Finished outcomes are kept.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[key]; ok && record.Pending {
		delete(s.records, key)
	}
	return nil
}

// Get returns the record for key, or nil when missing or expired.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok || record.IsExpired() {
		return nil, nil
	}
	return adapters.CopyIdempotencyRecord(record), nil
}

// Cleanup removes records processed before now-olderThan and expired records.
// Returns the number of records deleted.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var count int64
	for key, record := range s.records {
		if record.ProcessedAt.Before(cutoff) || record.IsExpired() {
			delete(s.records, key)
			count++
		}
	}
	return count, nil
}

// Len returns the number of stored records, expired ones included.
func (s *IdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
