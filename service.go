package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/matsushun1/inventory/adapters"
)

// Service wires the write side and the read side of the inventory around
// one event store: command bus, product handler, dispatcher, product
// projection and query handler.
type Service struct {
	Store      *EventStore
	Bus        *CommandBus
	Handler    *ProductHandler
	Dispatcher *Dispatcher
	Projection *ProductProjection
	Queries    *QueryHandler
	Rebuilder  *ProjectionRebuilder

	logger Logger
}

type serviceConfig struct {
	logger           Logger
	storeOpts        []Option
	handlerOpts      []HandlerOption
	dispatcherOpts   []DispatcherOption
	middleware       []Middleware
	idempotency      IdempotencyStore
	idempotencyTTL   time.Duration
	checkpoints      adapters.CheckpointAdapter
	subscribers      []Subscriber
	metrics          MetricsCollector
	correlationIDGen func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

// WithServiceLogger sets the logger shared by every component.
func WithServiceLogger(l Logger) ServiceOption {
	return func(c *serviceConfig) {
		c.logger = l
	}
}

// WithStoreOptions passes options to the EventStore.
func WithStoreOptions(opts ...Option) ServiceOption {
	return func(c *serviceConfig) {
		c.storeOpts = append(c.storeOpts, opts...)
	}
}

// WithHandlerOptions passes options to the ProductHandler.
func WithHandlerOptions(opts ...HandlerOption) ServiceOption {
	return func(c *serviceConfig) {
		c.handlerOpts = append(c.handlerOpts, opts...)
	}
}

// WithDispatcherOptions passes options to the Dispatcher.
func WithDispatcherOptions(opts ...DispatcherOption) ServiceOption {
	return func(c *serviceConfig) {
		c.dispatcherOpts = append(c.dispatcherOpts, opts...)
	}
}

// WithCommandMiddleware adds middleware between the built-in chain and the
// handler.
func WithCommandMiddleware(m ...Middleware) ServiceOption {
	return func(c *serviceConfig) {
		c.middleware = append(c.middleware, m...)
	}
}

// WithIdempotencyStore enables idempotency keys.
func WithIdempotencyStore(s IdempotencyStore) ServiceOption {
	return func(c *serviceConfig) {
		c.idempotency = s
	}
}

// WithIdempotencyTTL sets how long command outcomes are remembered.
func WithIdempotencyTTL(ttl time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		c.idempotencyTTL = ttl
	}
}

// WithCheckpoints sets where dispatcher positions are kept. By default the
// event store adapter is used when it can keep them.
func WithCheckpoints(cp adapters.CheckpointAdapter) ServiceOption {
	return func(c *serviceConfig) {
		c.checkpoints = cp
	}
}

// WithSubscribers registers extra dispatcher subscribers, such as publishers.
func WithSubscribers(subs ...Subscriber) ServiceOption {
	return func(c *serviceConfig) {
		c.subscribers = append(c.subscribers, subs...)
	}
}

// WithCommandMetrics records every command with collector.
func WithCommandMetrics(collector MetricsCollector) ServiceOption {
	return func(c *serviceConfig) {
		c.metrics = collector
	}
}

// NewService builds a Service over an event store adapter and a product
// read model.
func NewService(adapter adapters.EventStoreAdapter, products adapters.ProductStore, opts ...ServiceOption) (*Service, error) {
	cfg := &serviceConfig{
		logger:           &noopLogger{},
		correlationIDGen: uuid.NewString,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.checkpoints == nil {
		cfg.checkpoints = findCheckpoints(adapter)
	}

	store := NewEventStore(adapter, append([]Option{WithLogger(cfg.logger)}, cfg.storeOpts...)...)

	dispatcher := NewDispatcher(store, cfg.checkpoints,
		append([]DispatcherOption{WithDispatcherLogger(cfg.logger)}, cfg.dispatcherOpts...)...)

	projection := NewProductProjection(products, WithProjectionLogger(cfg.logger))
	if err := dispatcher.Subscribe(projection); err != nil {
		return nil, err
	}
	for _, sub := range cfg.subscribers {
		if err := dispatcher.Subscribe(sub); err != nil {
			return nil, err
		}
	}

	handler := NewProductHandler(store,
		append([]HandlerOption{WithNotifier(dispatcher), WithHandlerLogger(cfg.logger)}, cfg.handlerOpts...)...)

	bus := NewCommandBus()
	bus.Use(
		RecoveryMiddleware(),
		CorrelationIDMiddleware(cfg.correlationIDGen),
		NewLoggingMiddleware(cfg.logger).Middleware(),
	)
	if cfg.metrics != nil {
		bus.Use(MetricsMiddleware(cfg.metrics))
	}
	bus.Use(ValidationMiddleware())
	if cfg.idempotency != nil {
		bus.Use(IdempotencyMiddleware(IdempotencyConfig{
			Store:  cfg.idempotency,
			TTL:    cfg.idempotencyTTL,
			Logger: cfg.logger,
		}))
	}
	bus.Use(cfg.middleware...)
	handler.Register(bus)

	return &Service{
		Store:      store,
		Bus:        bus,
		Handler:    handler,
		Dispatcher: dispatcher,
		Projection: projection,
		Queries:    NewQueryHandler(products),
		Rebuilder:  NewProjectionRebuilder(store, cfg.checkpoints, WithRebuilderLogger(cfg.logger)),
		logger:     cfg.logger,
	}, nil
}

// Start starts event dispatch.
func (s *Service) Start(ctx context.Context) error {
	return s.Dispatcher.Start(ctx)
}

// Submit runs a command.
func (s *Service) Submit(ctx context.Context, cmd Command) (CommandResult, error) {
	return s.Bus.Submit(ctx, cmd)
}

// SubmitRaw decodes and runs a command from its type and JSON payload.
func (s *Service) SubmitRaw(ctx context.Context, commandType, productID string, payload []byte) (CommandResult, error) {
	return s.Bus.SubmitRaw(ctx, commandType, productID, payload)
}

// GetProduct returns a product from the read model.
func (s *Service) GetProduct(ctx context.Context, productID string) (*ProductView, error) {
	return s.Queries.GetProduct(ctx, productID)
}

// ListProducts returns every product in the read model.
func (s *Service) ListProducts(ctx context.Context) ([]*ProductView, error) {
	return s.Queries.ListProducts(ctx)
}

// WaitForProjection blocks until every subscriber has caught up with the
// events committed before the call.
func (s *Service) WaitForProjection(ctx context.Context) error {
	pos, err := s.Store.GetLastPosition(ctx)
	if err != nil {
		return err
	}
	s.Dispatcher.Notify()
	return s.Dispatcher.WaitForPosition(ctx, pos)
}

// RebuildProjection stops dispatch, replays the product projection and
// restarts dispatch when it was running.
func (s *Service) RebuildProjection(ctx context.Context, progress ProgressCallback) (RebuildProgress, error) {
	wasRunning := s.Dispatcher.IsRunning()
	if wasRunning {
		if err := s.Dispatcher.Stop(ctx); err != nil {
			return RebuildProgress{}, err
		}
	}

	result, err := s.Rebuilder.Rebuild(ctx, s.Projection, progress)
	if err == nil {
		err = s.Dispatcher.SetPosition(ctx, ProductsProjectionName, result.CurrentPosition)
	}

	if wasRunning {
		if startErr := s.Dispatcher.Start(ctx); startErr != nil {
			err = errors.Join(err, startErr)
		}
	}
	return result, err
}

// Close stops dispatch and releases the store.
func (s *Service) Close(ctx context.Context) error {
	_ = s.Bus.Close()
	stopErr := s.Dispatcher.Stop(ctx)
	return errors.Join(stopErr, s.Store.Close())
}

// findCheckpoints returns the first CheckpointAdapter found by unwrapping
// decorators such as the metrics and tracing store wrappers.
func findCheckpoints(adapter adapters.EventStoreAdapter) adapters.CheckpointAdapter {
	for adapter != nil {
		if cp, ok := adapter.(adapters.CheckpointAdapter); ok {
			return cp
		}
		w, ok := adapter.(interface{ Unwrap() adapters.EventStoreAdapter })
		if !ok {
			return nil
		}
		adapter = w.Unwrap()
	}
	return nil
}
