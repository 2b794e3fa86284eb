// Package redis provides Redis implementations of the product read model
// and the command idempotency store.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matsushun1/inventory/adapters"
)

var (
	_ adapters.ProductStore  = (*ProductStore)(nil)
	_ adapters.HealthChecker = (*ProductStore)(nil)
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "inventory:"

// putProductScript writes the product hash and its index entry in one step.
// A record older than the stored one (lower last_applied_sequence) is ignored
// so two projection processes cannot move a row backwards.
var putProductScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'last_applied_sequence')
if current and tonumber(current) > tonumber(ARGV[4]) then
	return 0
end

redis.call('HSET', KEYS[1],
	'product_id', ARGV[1],
	'name', ARGV[2],
	'quantity', ARGV[3],
	'last_applied_sequence', ARGV[4],
	'updated_at', ARGV[5])
redis.call('ZADD', KEYS[2], 0, ARGV[1])
return 1
`)

var clearProductsScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1])
return #ids
`)

// ProductStore keeps each product in a hash and the set of ids in a sorted set.
type ProductStore struct {
	client redis.UniversalClient
	prefix string
}

// Option configures the stores in this package.
type Option func(*options)

type options struct {
	prefix string
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func buildOptions(opts []Option) options {
	o := options{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewProductStore creates a product store on client.
func NewProductStore(client redis.UniversalClient, opts ...Option) *ProductStore {
	o := buildOptions(opts)
	return &ProductStore{client: client, prefix: o.prefix}
}

func (s *ProductStore) productKey(id string) string {
	return s.prefix + "product:" + id
}

func (s *ProductStore) indexKey() string {
	return s.prefix + "products"
}

// Get returns the record for a product, or nil when there is none.
func (s *ProductStore) Get(ctx context.Context, productID string) (*adapters.ProductRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.productKey(productID)).Result()
	if err != nil {
		return nil, fmt.Errorf("inventory/redis/products: get failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeProduct(fields)
}

// Put inserts or replaces a record.
func (s *ProductStore) Put(ctx context.Context, record *adapters.ProductRecord) error {
	if record == nil || record.ProductID == "" {
		return adapters.ErrEmptyProductID
	}

	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	err := putProductScript.Run(ctx, s.client,
		[]string{s.productKey(record.ProductID), s.indexKey()},
		record.ProductID,
		record.Name,
		record.Quantity,
		record.LastAppliedSequence,
		updatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("inventory/redis/products: put failed: %w", err)
	}
	return nil
}

// List returns every record ordered by product ID.
// Index members share score 0, so ZRANGE returns them in lexical order.
func (s *ProductStore) List(ctx context.Context) ([]*adapters.ProductRecord, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("inventory/redis/products: list failed: %w", err)
	}

	records := make([]*adapters.ProductRecord, 0, len(ids))
	if len(ids) == 0 {
		return records, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.productKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inventory/redis/products: list failed: %w", err)
	}

	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		record, err := decodeProduct(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Clear removes every record and the index.
func (s *ProductStore) Clear(ctx context.Context) error {
	err := clearProductsScript.Run(ctx, s.client, []string{s.indexKey()}, s.productKey("")).Err()
	if err != nil {
		return fmt.Errorf("inventory/redis/products: clear failed: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *ProductStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeProduct(fields map[string]string) (*adapters.ProductRecord, error) {
	quantity, err := strconv.ParseInt(fields["quantity"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("inventory/redis/products: bad quantity for %q: %w", fields["product_id"], err)
	}
	seq, err := strconv.ParseInt(fields["last_applied_sequence"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("inventory/redis/products: bad sequence for %q: %w", fields["product_id"], err)
	}

	record := &adapters.ProductRecord{
		ProductID:           fields["product_id"],
		Name:                fields["name"],
		Quantity:            quantity,
		LastAppliedSequence: seq,
	}
	if ts := fields["updated_at"]; ts != "" {
		if record.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("inventory/redis/products: bad timestamp for %q: %w", record.ProductID, err)
		}
	}
	return record, nil
}
