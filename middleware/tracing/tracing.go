// Package tracing provides OpenTelemetry spans for the inventory service.
//
// Commands, event store calls and subscriber deliveries each get a span:
//
//	tp, shutdown, _ := tracing.NewProvider(ctx, tracing.ProviderConfig{Exporter: "stdout"})
//	defer shutdown(ctx)
//
//	tracer := tracing.NewTracer(tracing.WithTracerProvider(tp))
//	svc, _ := inventory.NewService(tracer.WrapEventStore(adapter), products,
//		inventory.WithCommandMiddleware(tracing.CommandMiddleware(tracer)))
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matsushun1/inventory"
	"github.com/matsushun1/inventory/adapters"
)

const (
	// TracerName is the instrumentation name of the inventory tracer.
	TracerName = "github.com/matsushun1/inventory"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "inventory"
)

// Tracer wraps an OpenTelemetry tracer.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name recorded on spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a Tracer on the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

func (t *Tracer) service() attribute.KeyValue {
	return attribute.String("inventory.service", t.serviceName)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// CommandMiddleware traces command execution.
func CommandMiddleware(tracer *Tracer) inventory.Middleware {
	return func(next inventory.MiddlewareFunc) inventory.MiddlewareFunc {
		return func(ctx context.Context, cmd inventory.Command) (inventory.CommandResult, error) {
			ctx, span := tracer.StartSpan(ctx, "command."+cmd.CommandType(),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			attrs := []attribute.KeyValue{
				tracer.service(),
				attribute.String("inventory.command.type", cmd.CommandType()),
			}
			if aggCmd, ok := cmd.(inventory.AggregateCommand); ok {
				attrs = append(attrs, attribute.String("inventory.product_id", aggCmd.AggregateID()))
			}
			if id := inventory.CorrelationIDFromContext(ctx); id != "" {
				attrs = append(attrs, attribute.String("inventory.correlation_id", id))
			}
			span.SetAttributes(attrs...)

			result, err := next(ctx, cmd)

			if err == nil && result.Error != nil {
				err = result.Error
			}
			finish(span, err)
			if err == nil {
				span.SetAttributes(attribute.Int64("inventory.result.version", result.Version))
			}
			return result, err
		}
	}
}

// EventStoreMiddleware wraps an EventStoreAdapter with tracing.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

var (
	_ adapters.EventStoreAdapter   = (*EventStoreMiddleware)(nil)
	_ adapters.SubscriptionAdapter = (*EventStoreMiddleware)(nil)
	_ adapters.HealthChecker       = (*EventStoreMiddleware)(nil)
)

// WrapEventStore wraps adapter with tracing.
func (t *Tracer) WrapEventStore(adapter adapters.EventStoreAdapter) *EventStoreMiddleware {
	return &EventStoreMiddleware{adapter: adapter, tracer: t}
}

// Unwrap returns the wrapped adapter.
func (m *EventStoreMiddleware) Unwrap() adapters.EventStoreAdapter {
	return m.adapter
}

func (m *EventStoreMiddleware) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := m.tracer.StartSpan(ctx, "eventstore."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(append([]attribute.KeyValue{m.tracer.service()}, attrs...)...)
	return ctx, span
}

// Append stores events with tracing.
func (m *EventStoreMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	ctx, span := m.start(ctx, "append",
		attribute.String("inventory.stream_id", streamID),
		attribute.Int64("inventory.expected_version", expectedVersion),
		attribute.StringSlice("inventory.events.types", types),
	)
	defer span.End()

	stored, err := m.adapter.Append(ctx, streamID, events, expectedVersion)
	finish(span, err)
	if err == nil && len(stored) > 0 {
		last := stored[len(stored)-1]
		span.SetAttributes(
			attribute.Int64("inventory.stored.version", last.Version),
			attribute.Int64("inventory.stored.global_position", int64(last.GlobalPosition)),
		)
	}
	return stored, err
}

// Load retrieves a stream with tracing.
func (m *EventStoreMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "load",
		attribute.String("inventory.stream_id", streamID),
		attribute.Int64("inventory.from_version", fromVersion),
	)
	defer span.End()

	events, err := m.adapter.Load(ctx, streamID, fromVersion)
	finish(span, err)
	span.SetAttributes(attribute.Int("inventory.events.loaded", len(events)))
	return events, err
}

// LoadFromPosition reads the global log with tracing.
func (m *EventStoreMiddleware) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "load_from_position",
		attribute.Int64("inventory.from_position", int64(fromPosition)),
		attribute.Int("inventory.limit", limit),
	)
	defer span.End()

	sub, ok := m.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		finish(span, inventory.ErrSubscriptionNotSupported)
		return nil, inventory.ErrSubscriptionNotSupported
	}
	events, err := sub.LoadFromPosition(ctx, fromPosition, limit)
	finish(span, err)
	span.SetAttributes(attribute.Int("inventory.events.loaded", len(events)))
	return events, err
}

// GetStreamInfo returns stream metadata with tracing.
func (m *EventStoreMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	ctx, span := m.start(ctx, "get_stream_info", attribute.String("inventory.stream_id", streamID))
	defer span.End()

	info, err := m.adapter.GetStreamInfo(ctx, streamID)
	finish(span, err)
	if info != nil {
		span.SetAttributes(attribute.Int64("inventory.stream.version", info.Version))
	}
	return info, err
}

// GetLastPosition returns the last global position with tracing.
func (m *EventStoreMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	ctx, span := m.start(ctx, "get_last_position")
	defer span.End()

	pos, err := m.adapter.GetLastPosition(ctx)
	finish(span, err)
	span.SetAttributes(attribute.Int64("inventory.last_position", int64(pos)))
	return pos, err
}

// Initialize initializes the wrapped adapter.
func (m *EventStoreMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.start(ctx, "initialize")
	defer span.End()

	err := m.adapter.Initialize(ctx)
	finish(span, err)
	return err
}

// Ping checks the wrapped adapter when it supports health checks.
func (m *EventStoreMiddleware) Ping(ctx context.Context) error {
	if hc, ok := m.adapter.(adapters.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

// Close closes the wrapped adapter.
func (m *EventStoreMiddleware) Close() error {
	return m.adapter.Close()
}

// Subscriber traces deliveries to a dispatcher subscriber.
type Subscriber struct {
	next   inventory.Subscriber
	tracer *Tracer
}

var _ inventory.Subscriber = (*Subscriber)(nil)

// WrapSubscriber wraps sub so that every delivered event gets a span.
func (t *Tracer) WrapSubscriber(sub inventory.Subscriber) *Subscriber {
	return &Subscriber{next: sub, tracer: t}
}

// Name returns the wrapped subscriber's name.
func (s *Subscriber) Name() string {
	return s.next.Name()
}

// Handle delivers event to the wrapped subscriber.
func (s *Subscriber) Handle(ctx context.Context, event inventory.Event) error {
	ctx, span := s.tracer.StartSpan(ctx, fmt.Sprintf("subscriber.%s.handle", s.next.Name()),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	attrs := []attribute.KeyValue{
		s.tracer.service(),
		attribute.String("inventory.subscriber", s.next.Name()),
		attribute.String("inventory.event.type", event.Type),
		attribute.String("inventory.event.id", event.ID),
		attribute.String("inventory.product_id", event.ProductID),
		attribute.Int64("inventory.event.sequence", event.Version),
		attribute.Int64("inventory.event.global_position", int64(event.GlobalPosition)),
	}
	if event.Metadata.CorrelationID != "" {
		attrs = append(attrs, attribute.String("inventory.correlation_id", event.Metadata.CorrelationID))
	}
	span.SetAttributes(attrs...)

	err := s.next.Handle(ctx, event)
	finish(span, err)
	return err
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError records err on the current span.
func SetError(ctx context.Context, err error) {
	finish(trace.SpanFromContext(ctx), err)
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
