// Package metrics exposes Prometheus metrics for the inventory service.
//
// One Metrics value covers the command bus, the event store and the
// event dispatcher:
//
//	m := metrics.New(metrics.WithMetricsServiceName("inventory-api"))
//	_ = m.Register(registry)
//
//	svc, _ := inventory.NewService(m.WrapEventStore(adapter), products,
//	    inventory.WithCommandMetrics(m),
//	    inventory.WithDispatcherOptions(inventory.WithDispatcherMetrics(m)),
//	)
//	http.Handle("/metrics", m.Handler(registry))
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matsushun1/inventory"
	"github.com/matsushun1/inventory/adapters"
)

// Metric labels.
const (
	LabelCommandType = "command_type"
	LabelEventType   = "event_type"
	LabelSubscriber  = "subscriber"
	LabelOperation   = "operation"
	LabelStatus      = "status"
	LabelErrorType   = "error_type"
	LabelService     = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Event store operations.
const (
	OperationAppend           = "append"
	OperationLoad             = "load"
	OperationLoadFromPosition = "load_from_position"
	OperationStreamInfo       = "get_stream_info"
	OperationLastPosition     = "get_last_position"
)

var (
	_ inventory.MetricsCollector  = (*Metrics)(nil)
	_ inventory.DispatcherMetrics = (*Metrics)(nil)
)

// Metrics holds every Prometheus collector of the service.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandsInFlight *prometheus.GaugeVec

	eventStoreOperationsTotal   *prometheus.CounterVec
	eventStoreOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal         *prometheus.CounterVec
	eventsLoadedTotal           *prometheus.CounterVec

	eventsDeliveredTotal *prometheus.CounterVec
	deliveryDuration     *prometheus.HistogramVec
	subscriberCheckpoint *prometheus.GaugeVec
	subscriberLag        *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates the collectors. Nothing is registered until Register.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "inventory",
		serviceName: "inventory",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) initMetrics() {
	m.commandsTotal = m.counter("commands_total",
		"Total number of commands processed.", LabelCommandType, LabelStatus)
	m.commandDuration = m.histogram("command_duration_seconds",
		"Duration of command processing in seconds.", LabelCommandType)
	m.commandsInFlight = m.gauge("commands_in_flight",
		"Number of commands currently being processed.", LabelCommandType)

	m.eventStoreOperationsTotal = m.counter("eventstore_operations_total",
		"Total number of event store operations.", LabelOperation, LabelStatus)
	m.eventStoreOperationDuration = m.histogram("eventstore_operation_duration_seconds",
		"Duration of event store operations in seconds.", LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total",
		"Total number of events appended to product streams.", LabelEventType)
	m.eventsLoadedTotal = m.counter("events_loaded_total",
		"Total number of events read from the store.")

	m.eventsDeliveredTotal = m.counter("events_delivered_total",
		"Total number of event deliveries to subscribers.", LabelSubscriber, LabelEventType, LabelStatus)
	m.deliveryDuration = m.histogram("delivery_duration_seconds",
		"Duration of a single delivery attempt in seconds.", LabelSubscriber)
	m.subscriberCheckpoint = m.gauge("subscriber_checkpoint_position",
		"Last global position acknowledged by each subscriber.", LabelSubscriber)
	m.subscriberLag = m.gauge("subscriber_lag_events",
		"Number of events between the log head and each subscriber checkpoint.", LabelSubscriber)

	m.errorsTotal = m.counter("errors_total",
		"Total number of errors by type.", LabelErrorType)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.commandsInFlight,
		m.eventStoreOperationsTotal,
		m.eventStoreOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.eventsDeliveredTotal,
		m.deliveryDuration,
		m.subscriberCheckpoint,
		m.subscriberLag,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the exposition format for gatherer.
func (m *Metrics) Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// =============================================================================
// Commands
// =============================================================================

// RecordCommand implements inventory.MetricsCollector.
func (m *Metrics) RecordCommand(cmdType string, duration time.Duration, success bool, err error) {
	m.commandDuration.WithLabelValues(m.serviceName, cmdType).Observe(duration.Seconds())

	status := StatusSuccess
	if !success {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, ErrorTypeName(err)).Inc()
	}
	m.commandsTotal.WithLabelValues(m.serviceName, cmdType, status).Inc()
}

// CommandMiddleware records command outcomes and the in-flight gauge.
func (m *Metrics) CommandMiddleware() inventory.Middleware {
	return func(next inventory.MiddlewareFunc) inventory.MiddlewareFunc {
		return func(ctx context.Context, cmd inventory.Command) (inventory.CommandResult, error) {
			cmdType := cmd.CommandType()

			inFlight := m.commandsInFlight.WithLabelValues(m.serviceName, cmdType)
			inFlight.Inc()
			defer inFlight.Dec()

			start := time.Now()
			result, err := next(ctx, cmd)
			if err == nil {
				err = result.Error
			}
			m.RecordCommand(cmdType, time.Since(start), err == nil && result.IsSuccess(), err)

			return result, err
		}
	}
}

// ErrorTypeName maps an error onto a low-cardinality label value.
func ErrorTypeName(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, inventory.ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, inventory.ErrNotFound):
		return "not_found"
	case errors.Is(err, inventory.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, inventory.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, inventory.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, inventory.ErrCommandAlreadyProcessed):
		return "command_already_processed"
	case errors.Is(err, inventory.ErrHandlerNotFound):
		return "handler_not_found"
	case errors.Is(err, inventory.ErrHandlerPanicked):
		return "handler_panicked"
	case errors.Is(err, inventory.ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, inventory.ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}

// =============================================================================
// Dispatcher
// =============================================================================

// RecordEventDelivered implements inventory.DispatcherMetrics.
func (m *Metrics) RecordEventDelivered(subscriber, eventType string, duration time.Duration, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.eventsDeliveredTotal.WithLabelValues(m.serviceName, subscriber, eventType, status).Inc()
	m.deliveryDuration.WithLabelValues(m.serviceName, subscriber).Observe(duration.Seconds())
}

// RecordCheckpoint implements inventory.DispatcherMetrics.
func (m *Metrics) RecordCheckpoint(subscriber string, position uint64) {
	m.subscriberCheckpoint.WithLabelValues(m.serviceName, subscriber).Set(float64(position))
}

// RecordError implements inventory.DispatcherMetrics.
func (m *Metrics) RecordError(subscriber string, err error) {
	m.errorsTotal.WithLabelValues(m.serviceName, "delivery_"+ErrorTypeName(err)).Inc()
}

// RecordSubscriberLag sets the lag gauge from the log head and the subscriber statuses.
func (m *Metrics) RecordSubscriberLag(head uint64, statuses []inventory.SubscriberStatus) {
	for _, s := range statuses {
		lag := float64(0)
		if head > s.Position {
			lag = float64(head - s.Position)
		}
		m.subscriberLag.WithLabelValues(m.serviceName, s.Name).Set(lag)
	}
}

// =============================================================================
// Event store
// =============================================================================

// EventStoreMiddleware wraps an EventStoreAdapter with metrics.
// It forwards global reads and health checks when the wrapped adapter supports them.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	metrics *Metrics
}

var (
	_ adapters.EventStoreAdapter   = (*EventStoreMiddleware)(nil)
	_ adapters.SubscriptionAdapter = (*EventStoreMiddleware)(nil)
	_ adapters.HealthChecker       = (*EventStoreMiddleware)(nil)
)

// WrapEventStore wraps an adapter with metrics collection.
func (m *Metrics) WrapEventStore(adapter adapters.EventStoreAdapter) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		metrics: m,
	}
}

// Unwrap returns the wrapped adapter.
func (em *EventStoreMiddleware) Unwrap() adapters.EventStoreAdapter {
	return em.adapter
}

func (em *EventStoreMiddleware) observe(op string, start time.Time, err error) {
	m := em.metrics
	m.eventStoreOperationDuration.WithLabelValues(m.serviceName, op).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, op+"_error").Inc()
	}
	m.eventStoreOperationsTotal.WithLabelValues(m.serviceName, op, status).Inc()
}

// Append stores events with metrics.
func (em *EventStoreMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := em.adapter.Append(ctx, streamID, events, expectedVersion)
	em.observe(OperationAppend, start, err)

	if err == nil {
		for _, e := range events {
			em.metrics.eventsAppendedTotal.WithLabelValues(em.metrics.serviceName, e.Type).Inc()
		}
	}
	return stored, err
}

// Load retrieves events with metrics.
func (em *EventStoreMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.Load(ctx, streamID, fromVersion)
	em.observe(OperationLoad, start, err)

	if err == nil {
		em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

// GetStreamInfo returns stream metadata with metrics.
func (em *EventStoreMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	start := time.Now()
	info, err := em.adapter.GetStreamInfo(ctx, streamID)
	// A missing stream is an answer, not a failure.
	if errors.Is(err, adapters.ErrStreamNotFound) {
		em.observe(OperationStreamInfo, start, nil)
	} else {
		em.observe(OperationStreamInfo, start, err)
	}
	return info, err
}

// GetLastPosition returns the last global position with metrics.
func (em *EventStoreMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	start := time.Now()
	pos, err := em.adapter.GetLastPosition(ctx)
	em.observe(OperationLastPosition, start, err)
	return pos, err
}

// LoadFromPosition reads the global log with metrics.
func (em *EventStoreMiddleware) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	sub, ok := em.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, inventory.ErrSubscriptionNotSupported
	}

	start := time.Now()
	events, err := sub.LoadFromPosition(ctx, fromPosition, limit)
	em.observe(OperationLoadFromPosition, start, err)

	if err == nil {
		em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

// Ping forwards to the wrapped adapter when it supports health checks.
func (em *EventStoreMiddleware) Ping(ctx context.Context) error {
	if hc, ok := em.adapter.(adapters.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

// Initialize initializes the wrapped adapter.
func (em *EventStoreMiddleware) Initialize(ctx context.Context) error {
	return em.adapter.Initialize(ctx)
}

// Close closes the wrapped adapter.
func (em *EventStoreMiddleware) Close() error {
	return em.adapter.Close()
}

// =============================================================================
// Getters for testing
// =============================================================================

// CommandsTotal returns the commands counter.
func (m *Metrics) CommandsTotal() *prometheus.CounterVec { return m.commandsTotal }

// CommandsInFlight returns the in-flight commands gauge.
func (m *Metrics) CommandsInFlight() *prometheus.GaugeVec { return m.commandsInFlight }

// EventStoreOperationsTotal returns the event store operations counter.
func (m *Metrics) EventStoreOperationsTotal() *prometheus.CounterVec {
	return m.eventStoreOperationsTotal
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec { return m.eventsAppendedTotal }

// EventsDeliveredTotal returns the deliveries counter.
func (m *Metrics) EventsDeliveredTotal() *prometheus.CounterVec { return m.eventsDeliveredTotal }

// SubscriberCheckpoint returns the checkpoint gauge.
func (m *Metrics) SubscriberCheckpoint() *prometheus.GaugeVec { return m.subscriberCheckpoint }

// SubscriberLag returns the lag gauge.
func (m *Metrics) SubscriberLag() *prometheus.GaugeVec { return m.subscriberLag }

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec { return m.errorsTotal }
