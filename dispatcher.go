package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matsushun1/inventory/adapters"
)

// Subscriber consumes committed events. Handle must tolerate seeing an
// event more than once: delivery is at-least-once.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, event Event) error
}

// HoldingSubscriber is a subscriber that can accept an event without having
// applied it yet. The dispatcher never saves a checkpoint at or past the
// oldest held position, so a restart redelivers everything still held.
type HoldingSubscriber interface {
	Subscriber
	OldestHeldPosition() (uint64, bool)
}

// SubscriberFunc adapts a function to a Subscriber.
type SubscriberFunc struct {
	name string
	fn   func(ctx context.Context, event Event) error
}

// NewSubscriberFunc creates a named function subscriber.
func NewSubscriberFunc(name string, fn func(ctx context.Context, event Event) error) *SubscriberFunc {
	return &SubscriberFunc{name: name, fn: fn}
}

// Name implements Subscriber.
func (s *SubscriberFunc) Name() string { return s.name }

// Handle implements Subscriber.
func (s *SubscriberFunc) Handle(ctx context.Context, event Event) error { return s.fn(ctx, event) }

// SubscriberState is the lifecycle state of a subscriber worker.
type SubscriberState string

const (
	SubscriberStopped    SubscriberState = "stopped"
	SubscriberCatchingUp SubscriberState = "catching_up"
	SubscriberRunning    SubscriberState = "running"
	SubscriberFaulted    SubscriberState = "faulted"
)

// SubscriberStatus is a snapshot of a subscriber's progress.
type SubscriberStatus struct {
	Name            string
	State           SubscriberState
	Position        uint64
	EventsDelivered uint64
	LastDeliveredAt time.Time
	Error           string
}

// DispatcherMetrics receives delivery telemetry.
type DispatcherMetrics interface {
	RecordEventDelivered(subscriber, eventType string, duration time.Duration, success bool)
	RecordCheckpoint(subscriber string, position uint64)
	RecordError(subscriber string, err error)
}

type noopDispatcherMetrics struct{}

func (noopDispatcherMetrics) RecordEventDelivered(string, string, time.Duration, bool) {}
func (noopDispatcherMetrics) RecordCheckpoint(string, uint64)                          {}
func (noopDispatcherMetrics) RecordError(string, error)                                {}

// Dispatcher delivers committed events to subscribers in the background.
//
// Each subscriber has its own worker reading the global log from its
// checkpoint, so a slow or failing subscriber never holds back another.
// Within a subscriber, events are delivered in global position order,
// which keeps every product's events in sequence order. The checkpoint
// only moves past an event after Handle returned nil for it; a failure
// is retried with backoff and nothing after it is delivered until it
// succeeds.
type Dispatcher struct {
	store       *EventStore
	checkpoints adapters.CheckpointAdapter
	logger      Logger
	metrics     DispatcherMetrics

	batchSize    int
	pollInterval time.Duration
	maxRetries   int
	retryBackoff time.Duration
	maxBackoff   time.Duration

	mu      sync.RWMutex
	workers map[string]*dispatchWorker

	running atomic.Bool
	runCtx  context.Context
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithDispatcherMetrics sets the metrics sink.
func WithDispatcherMetrics(m DispatcherMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithBatchSize sets how many events a worker reads per poll.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithPollInterval sets how often workers look for new events when they
// were not notified.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithDeliveryRetries sets how many times one event is redelivered in a row
// before the worker backs off and starts over from its checkpoint.
func WithDeliveryRetries(n int, backoff, maxBackoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxRetries = n
		d.retryBackoff = backoff
		d.maxBackoff = maxBackoff
	}
}

// NewDispatcher creates a Dispatcher reading from store. Checkpoints may be
// nil, in which case every Start replays from the beginning of the log.
func NewDispatcher(store *EventStore, checkpoints adapters.CheckpointAdapter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		checkpoints:  checkpoints,
		logger:       &noopLogger{},
		metrics:      noopDispatcherMetrics{},
		batchSize:    100,
		pollInterval: 500 * time.Millisecond,
		maxRetries:   3,
		retryBackoff: 50 * time.Millisecond,
		maxBackoff:   30 * time.Second,
		workers:      make(map[string]*dispatchWorker),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Subscribe registers a subscriber. Subscribers added while the dispatcher
// runs start immediately.
func (d *Dispatcher) Subscribe(sub Subscriber) error {
	if sub == nil || sub.Name() == "" {
		return fmt.Errorf("inventory: subscriber must have a name")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.workers[sub.Name()]; exists {
		return fmt.Errorf("inventory: subscriber %q already registered", sub.Name())
	}

	w := &dispatchWorker{
		sub:    sub,
		wakeCh: make(chan struct{}, 1),
		state:  SubscriberStopped,
	}
	d.workers[sub.Name()] = w

	if d.running.Load() {
		d.wg.Add(1)
		go d.run(d.runCtx, d.stopCh, w)
	}

	d.logger.Info("Registered subscriber", "name", sub.Name())
	return nil
}

// Start launches one worker per subscriber. Workers stop on Stop or when
// ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running.CompareAndSwap(false, true) {
		return ErrDispatcherRunning
	}
	d.runCtx = ctx
	d.stopCh = make(chan struct{})

	for _, w := range d.workers {
		d.wg.Add(1)
		go d.run(ctx, d.stopCh, w)
	}

	d.logger.Info("Dispatcher started", "subscribers", len(d.workers))
	return nil
}

// Stop signals all workers and waits for them, bounded by ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running.Load() {
		d.mu.Unlock()
		return nil
	}
	// Flipped under mu so Subscribe cannot add a worker once Wait has begun.
	d.running.Store(false)
	close(d.stopCh)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the dispatcher has been started.
func (d *Dispatcher) IsRunning() bool {
	return d.running.Load()
}

// Notify wakes every worker. It never blocks, so command handlers can call
// it right after committing.
func (d *Dispatcher) Notify() {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, w := range d.workers {
		select {
		case w.wakeCh <- struct{}{}:
		default:
		}
	}
}

// Status returns the status of one subscriber.
func (d *Dispatcher) Status(name string) (*SubscriberStatus, error) {
	d.mu.RLock()
	w, ok := d.workers[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inventory: subscriber %q not registered", name)
	}
	return w.status(), nil
}

// Statuses returns every subscriber's status sorted by name.
func (d *Dispatcher) Statuses() []*SubscriberStatus {
	d.mu.RLock()
	statuses := make([]*SubscriberStatus, 0, len(d.workers))
	for _, w := range d.workers {
		statuses = append(statuses, w.status())
	}
	d.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// WaitForPosition blocks until every subscriber has handled the event at
// the given global position, or ctx ends.
func (d *Dispatcher) WaitForPosition(ctx context.Context, position uint64) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		caughtUp := true
		for _, s := range d.Statuses() {
			if s.Position < position {
				caughtUp = false
				break
			}
		}
		if caughtUp {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetPosition moves a stopped subscriber to position, so its next event is
// the one after it. Zero replays the whole log.
func (d *Dispatcher) SetPosition(ctx context.Context, name string, position uint64) error {
	if d.running.Load() {
		return ErrDispatcherRunning
	}

	d.mu.RLock()
	w, ok := d.workers[name]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inventory: subscriber %q not registered", name)
	}

	if d.checkpoints != nil {
		if err := d.checkpoints.SetCheckpoint(ctx, name, position); err != nil {
			return classifyStoreError("set checkpoint", err)
		}
	}
	w.mu.Lock()
	w.position = position
	w.saved = position
	w.mu.Unlock()
	return nil
}

type dispatchWorker struct {
	sub    Subscriber
	wakeCh chan struct{}

	mu              sync.RWMutex
	state           SubscriberState
	position        uint64
	delivered       uint64
	saved           uint64
	lastDeliveredAt time.Time
	lastErr         error
}

func (w *dispatchWorker) status() *SubscriberStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := &SubscriberStatus{
		Name:            w.sub.Name(),
		State:           w.state,
		Position:        w.position,
		EventsDelivered: w.delivered,
		LastDeliveredAt: w.lastDeliveredAt,
	}
	if w.lastErr != nil {
		s.Error = w.lastErr.Error()
	}
	return s
}

func (w *dispatchWorker) setState(state SubscriberState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *dispatchWorker) currentPosition() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.position
}

func (w *dispatchWorker) setError(err error) {
	w.mu.Lock()
	w.lastErr = err
	if err != nil {
		w.state = SubscriberFaulted
	} else {
		w.state = SubscriberRunning
	}
	w.mu.Unlock()
}

func (d *Dispatcher) run(ctx context.Context, stop <-chan struct{}, w *dispatchWorker) {
	defer d.wg.Done()
	defer w.setState(SubscriberStopped)

	name := w.sub.Name()
	w.setState(SubscriberCatchingUp)

	if d.checkpoints != nil {
		pos, err := d.checkpoints.GetCheckpoint(ctx, name)
		if err != nil {
			d.logger.Error("Failed to load checkpoint, starting from the beginning", "subscriber", name, "error", err)
		} else {
			w.mu.Lock()
			w.position = pos
			w.saved = pos
			w.mu.Unlock()
		}
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	var consecutiveErrors int
	var firstErrorAt time.Time

	for {
		more, err := d.deliverBatch(ctx, stop, w)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}

			consecutiveErrors++
			if consecutiveErrors == 1 {
				firstErrorAt = time.Now()
			}
			// Log at 1, 2, 4, 8... to keep a long outage readable.
			if consecutiveErrors&(consecutiveErrors-1) == 0 {
				d.logger.Error("Event delivery failed",
					"subscriber", name,
					"position", w.currentPosition(),
					"error", err,
					"consecutive_errors", consecutiveErrors)
			}
			w.setError(err)
			d.metrics.RecordError(name, err)

			if !d.sleep(ctx, stop, d.backoff(consecutiveErrors-1)) {
				return
			}
			continue

		case consecutiveErrors > 0:
			d.logger.Info("Event delivery recovered",
				"subscriber", name,
				"consecutive_errors", consecutiveErrors,
				"outage_duration", time.Since(firstErrorAt))
			consecutiveErrors = 0
			w.setError(nil)

		default:
			w.setState(SubscriberRunning)
		}

		if more {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-w.wakeCh:
		case <-ticker.C:
		}
	}
}

// deliverBatch delivers one batch and reports whether the batch was full.
func (d *Dispatcher) deliverBatch(ctx context.Context, stop <-chan struct{}, w *dispatchWorker) (more bool, retErr error) {
	name := w.sub.Name()

	var current *StoredEvent
	defer func() {
		if r := recover(); r != nil {
			if current != nil {
				retErr = fmt.Errorf("inventory: subscriber %s panicked on %s at position %d: %v",
					name, current.Type, current.GlobalPosition, r)
			} else {
				retErr = fmt.Errorf("inventory: subscriber %s panicked: %v", name, r)
			}
		}
	}()

	stored, err := d.store.LoadEventsFromPosition(ctx, w.currentPosition(), d.batchSize)
	if err != nil {
		return false, err
	}

	for i := range stored {
		current = &stored[i]

		if err := d.deliver(ctx, stop, w, stored[i]); err != nil {
			return false, err
		}

		pos := stored[i].GlobalPosition
		d.saveCheckpoint(ctx, w, pos)

		w.mu.Lock()
		w.position = pos
		w.delivered++
		w.lastDeliveredAt = time.Now()
		w.mu.Unlock()
	}

	return len(stored) == d.batchSize, nil
}

// saveCheckpoint persists the position after pos was delivered, held back
// by whatever the subscriber still holds. A failed save leaves the position
// in memory only; a restart redelivers from the last saved one.
func (d *Dispatcher) saveCheckpoint(ctx context.Context, w *dispatchWorker, pos uint64) {
	if d.checkpoints == nil {
		return
	}

	name := w.sub.Name()
	save := pos
	if h, ok := w.sub.(HoldingSubscriber); ok {
		if oldest, held := h.OldestHeldPosition(); held && oldest <= pos {
			save = oldest - 1
		}
	}

	w.mu.RLock()
	saved := w.saved
	w.mu.RUnlock()
	if save <= saved {
		return
	}

	if err := d.checkpoints.SetCheckpoint(ctx, name, save); err != nil {
		d.logger.Warn("Failed to save checkpoint", "subscriber", name, "position", save, "error", err)
		return
	}
	w.mu.Lock()
	w.saved = save
	w.mu.Unlock()
	d.metrics.RecordCheckpoint(name, save)
}

// deliver hands one event to the subscriber, retrying in place.
func (d *Dispatcher) deliver(ctx context.Context, stop <-chan struct{}, w *dispatchWorker, stored StoredEvent) error {
	event, err := d.store.Decode(stored)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 && !d.sleep(ctx, stop, d.backoff(attempt-1)) {
			return ctx.Err()
		}

		start := time.Now()
		lastErr = w.sub.Handle(ctx, event)
		d.metrics.RecordEventDelivered(w.sub.Name(), event.Type, time.Since(start), lastErr == nil)
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("inventory: deliver %s (product %s, sequence %d): %w",
		event.Type, event.ProductID, event.Sequence(), lastErr)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return d.maxBackoff
	}
	delay := d.retryBackoff << uint(attempt)
	if delay <= 0 || delay > d.maxBackoff {
		delay = d.maxBackoff
	}
	return delay
}

// sleep waits for delay and reports false when the worker must exit.
func (d *Dispatcher) sleep(ctx context.Context, stop <-chan struct{}, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
