package inventory

// Aggregate is a write-side entity whose state is the fold of its events.
type Aggregate interface {
	// AggregateID returns the unique identifier of this aggregate instance.
	AggregateID() string

	// AggregateType returns the category of this aggregate.
	AggregateType() string

	// Version returns the sequence number of the last folded event.
	Version() int64

	// ApplyEvent folds one event into the aggregate state.
	// It must be deterministic and must not validate business rules.
	ApplyEvent(event interface{}) error

	// UncommittedEvents returns events raised since the aggregate was loaded.
	UncommittedEvents() []interface{}

	// ClearUncommittedEvents removes all uncommitted events.
	ClearUncommittedEvents()
}

// AggregateBase provides the identity, version and uncommitted event
// bookkeeping shared by aggregates. Embed it and implement ApplyEvent.
type AggregateBase struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []interface{}
}

// NewAggregateBase creates a new AggregateBase with the given ID and type.
func NewAggregateBase(id, aggregateType string) AggregateBase {
	return AggregateBase{
		id:            id,
		aggregateType: aggregateType,
	}
}

// AggregateID returns the aggregate's unique identifier.
func (a *AggregateBase) AggregateID() string {
	return a.id
}

// AggregateType returns the aggregate's type name.
func (a *AggregateBase) AggregateType() string {
	return a.aggregateType
}

// Version returns the sequence number of the last folded event.
func (a *AggregateBase) Version() int64 {
	return a.version
}

// SetVersion sets the aggregate's version. Used while loading.
func (a *AggregateBase) SetVersion(v int64) {
	a.version = v
}

// UncommittedEvents returns events raised since the aggregate was loaded.
func (a *AggregateBase) UncommittedEvents() []interface{} {
	return a.uncommittedEvents
}

// ClearUncommittedEvents removes all uncommitted events.
func (a *AggregateBase) ClearUncommittedEvents() {
	a.uncommittedEvents = nil
}

// Apply records an event as uncommitted.
func (a *AggregateBase) Apply(event interface{}) {
	a.uncommittedEvents = append(a.uncommittedEvents, event)
}

// HasUncommittedEvents reports whether any events are waiting to be appended.
func (a *AggregateBase) HasUncommittedEvents() bool {
	return len(a.uncommittedEvents) > 0
}

// StreamID returns "<type>-<id>".
func (a *AggregateBase) StreamID() string {
	return a.aggregateType + "-" + a.id
}
