// Package projections provides fixtures for testing the product read model,
// either by feeding events to the projection directly or by running
// commands through a Service with live dispatch.
package projections

import (
	"context"
	"testing"
	"time"

	"github.com/matsushun1/inventory"
	"github.com/matsushun1/inventory/adapters"
	"github.com/matsushun1/inventory/adapters/memory"
	"github.com/matsushun1/inventory/testing/testutil"
)

// TB is an alias for testing.TB to enable easier mocking in tests.
type TB = testing.TB

// ProjectionTestFixture feeds events straight into a ProductProjection.
type ProjectionTestFixture struct {
	t          TB
	ctx        context.Context
	store      adapters.ProductStore
	projection *inventory.ProductProjection
	events     []inventory.Event
	position   uint64
}

// FixtureOption configures a ProjectionTestFixture.
type FixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	store  adapters.ProductStore
	logger inventory.Logger
}

// WithStore runs the projection over a specific read model store.
func WithStore(store adapters.ProductStore) FixtureOption {
	return func(c *fixtureConfig) {
		c.store = store
	}
}

// WithLogger sets the projection logger.
func WithLogger(l inventory.Logger) FixtureOption {
	return func(c *fixtureConfig) {
		c.logger = l
	}
}

// TestProjection creates a fixture over an in-memory read model.
func TestProjection(t TB, opts ...FixtureOption) *ProjectionTestFixture {
	t.Helper()

	cfg := &fixtureConfig{store: memory.NewProductStore(), logger: inventory.NopLogger()}
	for _, opt := range opts {
		opt(cfg)
	}

	return &ProjectionTestFixture{
		t:     t,
		ctx:   context.Background(),
		store: cfg.store,
		projection: inventory.NewProductProjection(cfg.store,
			inventory.WithProjectionLogger(cfg.logger),
			inventory.WithProjectionClock(func() time.Time { return testutil.FixedTime })),
	}
}

// WithContext sets a custom context.
func (f *ProjectionTestFixture) WithContext(ctx context.Context) *ProjectionTestFixture {
	f.ctx = ctx
	return f
}

// GivenEvents applies events in the given order. Global positions are
// assigned in delivery order; sequences are kept as given.
func (f *ProjectionTestFixture) GivenEvents(events ...inventory.Event) *ProjectionTestFixture {
	f.t.Helper()

	for _, event := range events {
		if err := f.Deliver(event); err != nil {
			f.t.Fatalf("Failed to apply %s (sequence %d): %v", event.Type, event.Sequence(), err)
		}
	}
	return f
}

// GivenStream applies payloads as events 1..n of one product.
func (f *ProjectionTestFixture) GivenStream(productID string, payloads ...interface{}) *ProjectionTestFixture {
	f.t.Helper()
	return f.GivenEvents(testutil.Stream(productID, payloads...)...)
}

// Deliver applies one event and returns the projection's error.
func (f *ProjectionTestFixture) Deliver(event inventory.Event) error {
	f.position++
	event.GlobalPosition = f.position
	f.events = append(f.events, event)
	return f.projection.Apply(f.ctx, event)
}

// Replay clears the read model and applies every delivered event again,
// in delivery order.
func (f *ProjectionTestFixture) Replay() *ProjectionTestFixture {
	f.t.Helper()

	if err := f.projection.Reset(f.ctx); err != nil {
		f.t.Fatalf("Failed to reset projection: %v", err)
	}
	for _, event := range f.events {
		if err := f.projection.Apply(f.ctx, event); err != nil {
			f.t.Fatalf("Failed to replay %s (sequence %d): %v", event.Type, event.Sequence(), err)
		}
	}
	return f
}

func (f *ProjectionTestFixture) get(productID string) *adapters.ProductRecord {
	f.t.Helper()

	record, err := f.store.Get(f.ctx, productID)
	if err != nil {
		f.t.Fatalf("Failed to get product %s: %v", productID, err)
	}
	return record
}

// ThenProduct asserts the name and quantity of a product.
func (f *ProjectionTestFixture) ThenProduct(productID, name string, quantity int64) *ProjectionTestFixture {
	f.t.Helper()

	record := f.get(productID)
	if record == nil {
		f.t.Fatalf("Product %s not found in read model", productID)
		return f
	}
	if record.Name != name || record.Quantity != quantity {
		f.t.Errorf("Product %s mismatch:\nExpected: name=%q quantity=%d\nActual: name=%q quantity=%d",
			productID, name, quantity, record.Name, record.Quantity)
	}
	return f
}

// ThenLastApplied asserts the last sequence folded into a product.
func (f *ProjectionTestFixture) ThenLastApplied(productID string, sequence int64) *ProjectionTestFixture {
	f.t.Helper()

	record := f.get(productID)
	if record == nil {
		f.t.Fatalf("Product %s not found in read model", productID)
		return f
	}
	if record.LastAppliedSequence != sequence {
		f.t.Errorf("Product %s: expected last applied sequence %d, got %d", productID, sequence, record.LastAppliedSequence)
	}
	return f
}

// ThenNoProduct asserts a product has no read model row.
func (f *ProjectionTestFixture) ThenNoProduct(productID string) *ProjectionTestFixture {
	f.t.Helper()

	if record := f.get(productID); record != nil {
		f.t.Errorf("Expected no product %s, got %+v", productID, *record)
	}
	return f
}

// ThenPending asserts how many out-of-order events are held for a product.
func (f *ProjectionTestFixture) ThenPending(productID string, expected int) *ProjectionTestFixture {
	f.t.Helper()

	if n := f.projection.Pending(productID); n != expected {
		f.t.Errorf("Product %s: expected %d held events, got %d", productID, expected, n)
	}
	return f
}

// ThenProductCount asserts the number of rows in the read model.
func (f *ProjectionTestFixture) ThenProductCount(expected int) *ProjectionTestFixture {
	f.t.Helper()

	records, err := f.store.List(f.ctx)
	if err != nil {
		f.t.Fatalf("Failed to list products: %v", err)
	}
	if len(records) != expected {
		f.t.Errorf("Expected %d products, got %d", expected, len(records))
	}
	return f
}

// Projection returns the projection under test.
func (f *ProjectionTestFixture) Projection() *inventory.ProductProjection {
	return f.projection
}

// Events returns the delivered events.
func (f *ProjectionTestFixture) Events() []inventory.Event {
	return f.events
}

// DispatchTestFixture runs a Service with live dispatch over memory stores.
type DispatchTestFixture struct {
	t   TB
	ctx context.Context
	svc *inventory.Service
}

// TestDispatch starts a Service. It is closed when the test ends.
func TestDispatch(t TB, opts ...inventory.ServiceOption) *DispatchTestFixture {
	t.Helper()

	opts = append([]inventory.ServiceOption{
		inventory.WithDispatcherOptions(inventory.WithPollInterval(5 * time.Millisecond)),
	}, opts...)
	svc, err := inventory.NewService(memory.NewAdapter(), memory.NewProductStore(), opts...)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Failed to start dispatch: %v", err)
	}
	return &DispatchTestFixture{t: t, ctx: ctx, svc: svc}
}

// Submit runs commands and fails the test on the first error.
func (f *DispatchTestFixture) Submit(cmds ...inventory.Command) *DispatchTestFixture {
	f.t.Helper()

	for _, cmd := range cmds {
		if _, err := f.svc.Submit(f.ctx, cmd); err != nil {
			f.t.Fatalf("Command %s failed: %v", cmd.CommandType(), err)
		}
	}
	return f
}

// WaitForProjection waits until the read model has caught up.
func (f *DispatchTestFixture) WaitForProjection(timeout time.Duration) *DispatchTestFixture {
	f.t.Helper()

	ctx, cancel := context.WithTimeout(f.ctx, timeout)
	defer cancel()
	if err := f.svc.WaitForProjection(ctx); err != nil {
		f.t.Fatalf("Projection did not catch up within %s: %v", timeout, err)
	}
	return f
}

// ThenProduct asserts the read model view of a product.
func (f *DispatchTestFixture) ThenProduct(productID, name string, quantity int64) *DispatchTestFixture {
	f.t.Helper()

	view, err := f.svc.GetProduct(f.ctx, productID)
	if err != nil {
		f.t.Fatalf("Failed to get product %s: %v", productID, err)
		return f
	}
	if view.Name != name || view.Quantity != quantity {
		f.t.Errorf("Product %s mismatch:\nExpected: name=%q quantity=%d\nActual: name=%q quantity=%d",
			productID, name, quantity, view.Name, view.Quantity)
	}
	return f
}

// Service returns the service under test.
func (f *DispatchTestFixture) Service() *inventory.Service {
	return f.svc
}
