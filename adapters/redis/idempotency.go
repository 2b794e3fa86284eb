package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matsushun1/inventory/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore keeps one JSON value per key and lets Redis expire it.
type IdempotencyStore struct {
	client redis.UniversalClient
	prefix string
}

// NewIdempotencyStore creates an idempotency store on client.
func NewIdempotencyStore(client redis.UniversalClient, opts ...Option) *IdempotencyStore {
	o := buildOptions(opts)
	return &IdempotencyStore{client: client, prefix: o.prefix}
}

func (s *IdempotencyStore) key(k string) string {
	return s.prefix + "idempotency:" + k
}

// releaseClaimScript deletes the key only while its value is still a claim.
var releaseClaimScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local ok, record = pcall(cjson.decode, raw)
if ok and record['pending'] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Reserve writes a pending claim with SET NX. When the key is taken the
// live value is returned instead.
func (s *IdempotencyStore) Reserve(ctx context.Context, claim *adapters.IdempotencyRecord) (*adapters.IdempotencyRecord, bool, error) {
	ttl := time.Until(claim.ExpiresAt)
	if ttl <= 0 {
		return nil, false, fmt.Errorf("inventory/redis/idempotency: claim for %q is already expired", claim.Key)
	}

	pending := *claim
	pending.Pending = true
	data, err := json.Marshal(&pending)
	if err != nil {
		return nil, false, fmt.Errorf("inventory/redis/idempotency: marshal failed: %w", err)
	}

	// The holder can expire between SET NX and GET; try again then.
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := s.client.SetNX(ctx, s.key(claim.Key), data, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("inventory/redis/idempotency: reserve failed: %w", err)
		}
		if ok {
			return nil, true, nil
		}

		held, err := s.Get(ctx, claim.Key)
		if err != nil {
			return nil, false, err
		}
		if held != nil {
			return held, false, nil
		}
	}
	return nil, false, fmt.Errorf("inventory/redis/idempotency: key %q kept changing while reserving", claim.Key)
}

// Complete overwrites the claim with the outcome. Records that are already
// expired are not written.
func (s *IdempotencyStore) Complete(ctx context.Context, record *adapters.IdempotencyRecord) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	done := *record
	done.Pending = false
	data, err := json.Marshal(&done)
	if err != nil {
		return fmt.Errorf("inventory/redis/idempotency: marshal failed: %w", err)
	}

	if err := s.client.Set(ctx, s.key(record.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("inventory/redis/idempotency: complete failed: %w", err)
	}
	return nil
}

// Release drops a claim so the command can be tried again. Completed
// records stay.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := releaseClaimScript.Run(ctx, s.client, []string{s.key(key)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("inventory/redis/idempotency: release failed: %w", err)
	}
	return nil
}

// Get returns the record for key, or nil when it is missing or expired.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inventory/redis/idempotency: get failed: %w", err)
	}

	var record adapters.IdempotencyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("inventory/redis/idempotency: corrupt record for %q: %w", key, err)
	}
	return &record, nil
}

// Ping checks connectivity.
func (s *IdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
