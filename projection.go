package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matsushun1/inventory/adapters"
)

// ProductsProjectionName is the subscriber and checkpoint name of the
// product read model.
const ProductsProjectionName = "products"

// ProductProjection maintains the product read model from product events.
//
// Application is idempotent: every record remembers the sequence of the
// last event folded into it and anything at or below that is skipped.
// An event that arrives before its predecessors (no record yet, or a gap in
// the sequence) is held in memory and logged as an error; it is applied as
// soon as the missing events have been. Held events pin the dispatcher's
// saved checkpoint, see OldestHeldPosition.
type ProductProjection struct {
	store  adapters.ProductStore
	logger Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string][]Event
}

// ProjectionOption configures a ProductProjection.
type ProjectionOption func(*ProductProjection)

// WithProjectionLogger sets the logger.
func WithProjectionLogger(l Logger) ProjectionOption {
	return func(p *ProductProjection) {
		p.logger = l
	}
}

// WithProjectionClock sets the clock used for UpdatedAt.
func WithProjectionClock(now func() time.Time) ProjectionOption {
	return func(p *ProductProjection) {
		p.now = now
	}
}

// NewProductProjection creates a projection writing to store.
func NewProductProjection(store adapters.ProductStore, opts ...ProjectionOption) *ProductProjection {
	p := &ProductProjection{
		store:   store,
		logger:  &noopLogger{},
		now:     time.Now,
		pending: make(map[string][]Event),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Subscriber.
func (p *ProductProjection) Name() string {
	return ProductsProjectionName
}

// Handle implements Subscriber.
func (p *ProductProjection) Handle(ctx context.Context, event Event) error {
	return p.Apply(ctx, event)
}

// Apply folds one event into the read model. A store failure is returned
// so the dispatcher redelivers the event. Held events for the product are
// retried on every call, including redeliveries of events already applied.
func (p *ProductProjection) Apply(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.ProductID == "" {
		return fmt.Errorf("inventory: event %s at position %d has no product id", event.Type, event.GlobalPosition)
	}

	if err := p.apply(ctx, event); err != nil {
		return err
	}
	if len(p.pending[event.ProductID]) == 0 {
		return nil
	}
	return p.drain(ctx, event.ProductID)
}

func (p *ProductProjection) apply(ctx context.Context, event Event) error {
	record, err := p.store.Get(ctx, event.ProductID)
	if err != nil {
		return NewStoreUnavailableError("read projection", err)
	}

	var last int64
	if record != nil {
		last = record.LastAppliedSequence
	}

	if event.Sequence() <= last {
		p.logger.Debug("Skipping already applied event",
			"product", event.ProductID,
			"sequence", event.Sequence(),
			"last_applied", last)
		return nil
	}

	switch e := event.Data.(type) {
	case ProductCreated, *ProductCreated:
		if record != nil {
			p.logger.Debug("Skipping duplicate create", "product", event.ProductID)
			return nil
		}
		created := asProductCreated(e)
		return p.put(ctx, &adapters.ProductRecord{
			ProductID: event.ProductID,
			Name:      created.Name,
			Quantity:  created.InitialQuantity,
		}, event)

	case InventoryAdded, *InventoryAdded, InventoryRemoved, *InventoryRemoved:
		if record == nil || event.Sequence() != last+1 {
			p.hold(event, last)
			return nil
		}
		return p.advance(ctx, record, event)

	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, event.Data)
	}
}

// advance applies a quantity change that directly follows record.
func (p *ProductProjection) advance(ctx context.Context, record *adapters.ProductRecord, event Event) error {
	next := adapters.CopyProductRecord(record)
	next.Quantity += quantityDelta(event.Data)
	if next.Quantity < 0 {
		p.logger.Error("Event would drive quantity negative",
			"product", event.ProductID,
			"sequence", event.Sequence(),
			"quantity", next.Quantity)
	}
	return p.put(ctx, next, event)
}

func (p *ProductProjection) put(ctx context.Context, next *adapters.ProductRecord, event Event) error {
	next.LastAppliedSequence = event.Sequence()
	next.UpdatedAt = p.now()
	if err := p.store.Put(ctx, next); err != nil {
		return NewStoreUnavailableError("write projection", err)
	}
	return nil
}

func (p *ProductProjection) hold(event Event, last int64) {
	held := p.pending[event.ProductID]
	for _, h := range held {
		if h.Sequence() == event.Sequence() {
			return
		}
	}
	held = append(held, event)
	sort.Slice(held, func(i, j int) bool { return held[i].Sequence() < held[j].Sequence() })
	p.pending[event.ProductID] = held

	p.logger.Error("Event arrived out of order, holding",
		"product", event.ProductID,
		"type", event.Type,
		"sequence", event.Sequence(),
		"last_applied", last,
		"held", len(held))
}

// drain applies held events that have become contiguous. A held event stays
// in the buffer until its write succeeded.
func (p *ProductProjection) drain(ctx context.Context, productID string) error {
	for {
		held := p.pending[productID]
		if len(held) == 0 {
			delete(p.pending, productID)
			return nil
		}

		record, err := p.store.Get(ctx, productID)
		if err != nil {
			return NewStoreUnavailableError("read projection", err)
		}
		var last int64
		if record != nil {
			last = record.LastAppliedSequence
		}

		next := held[0]
		switch {
		case next.Sequence() <= last:
			p.pending[productID] = held[1:]
			continue
		case record == nil || next.Sequence() != last+1:
			return nil
		}

		if err := p.advance(ctx, record, next); err != nil {
			return err
		}
		p.pending[productID] = held[1:]
		p.logger.Info("Applied held event", "product", productID, "sequence", next.Sequence())
	}
}

// Pending returns how many events are held for a product.
func (p *ProductProjection) Pending(productID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending[productID])
}

// OldestHeldPosition returns the lowest global position among held events.
// The dispatcher keeps its saved checkpoint below it, so held events are
// redelivered after a restart instead of being lost with the buffer.
func (p *ProductProjection) OldestHeldPosition() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var oldest uint64
	for _, held := range p.pending {
		for _, e := range held {
			if e.GlobalPosition == 0 {
				continue
			}
			if oldest == 0 || e.GlobalPosition < oldest {
				oldest = e.GlobalPosition
			}
		}
	}
	return oldest, oldest > 0
}

// Reset drops the read model and the held events.
func (p *ProductProjection) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = make(map[string][]Event)
	if err := p.store.Clear(ctx); err != nil {
		return NewStoreUnavailableError("clear projection", err)
	}
	return nil
}

// Get returns the record for a product, or nil.
func (p *ProductProjection) Get(ctx context.Context, productID string) (*adapters.ProductRecord, error) {
	record, err := p.store.Get(ctx, productID)
	if err != nil {
		return nil, NewStoreUnavailableError("read projection", err)
	}
	return record, nil
}

// List returns every record ordered by product ID.
func (p *ProductProjection) List(ctx context.Context) ([]*adapters.ProductRecord, error) {
	records, err := p.store.List(ctx)
	if err != nil {
		return nil, NewStoreUnavailableError("list projection", err)
	}
	return records, nil
}

func asProductCreated(v interface{}) ProductCreated {
	if e, ok := v.(*ProductCreated); ok {
		return *e
	}
	return v.(ProductCreated)
}

func quantityDelta(v interface{}) int64 {
	switch e := v.(type) {
	case InventoryAdded:
		return e.Quantity
	case *InventoryAdded:
		return e.Quantity
	case InventoryRemoved:
		return -e.Quantity
	case *InventoryRemoved:
		return -e.Quantity
	}
	return 0
}
