package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/matsushun1/inventory"
	"github.com/matsushun1/inventory/adapters"
	"github.com/matsushun1/inventory/adapters/memory"
	mysqladapter "github.com/matsushun1/inventory/adapters/mysql"
	"github.com/matsushun1/inventory/adapters/postgres"
	redisadapter "github.com/matsushun1/inventory/adapters/redis"
	"github.com/matsushun1/inventory/cli/config"
	"github.com/matsushun1/inventory/middleware/metrics"
	"github.com/matsushun1/inventory/middleware/tracing"
	"github.com/matsushun1/inventory/publisher"
	"github.com/matsushun1/inventory/publisher/kafka"
	natspub "github.com/matsushun1/inventory/publisher/nats"
	snspub "github.com/matsushun1/inventory/publisher/sns"
	"github.com/matsushun1/inventory/publisher/webhook"
	"github.com/matsushun1/inventory/serializer/msgpack"
	"github.com/matsushun1/inventory/serializer/protobuf"
)

// connectTimeout bounds the first ping of every backend.
const connectTimeout = 5 * time.Second

// App is the inventory service and every backend around it, built from
// one Config.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Service  *inventory.Service
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Tracer   *tracing.Tracer
	Relay    *publisher.Relay

	base        adapters.EventStoreAdapter
	products    adapters.ProductStore
	idempotency adapters.IdempotencyStore
	redis       goredis.UniversalClient
	closers     []func(context.Context) error
}

// NewApp opens every backend named by cfg and wires the service over them.
// Logs go to logOut. On error everything already opened is closed.
func NewApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (_ *App, err error) {
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	app := &App{
		Config: cfg,
		Logger: NewLogger(cfg.Log, logOut),
	}
	defer func() {
		if err != nil {
			_ = app.closeBackends(context.Background())
			if app.base != nil && app.Service == nil {
				_ = app.base.Close()
			}
		}
	}()

	serializer, err := newSerializer(cfg.Database.Serializer)
	if err != nil {
		return nil, err
	}

	if app.base, err = openEventStore(ctx, cfg.Database); err != nil {
		return nil, err
	}
	if app.products, err = app.openReadModel(ctx); err != nil {
		return nil, err
	}
	if app.idempotency, err = app.openIdempotency(ctx); err != nil {
		return nil, err
	}

	adapter := app.base
	storeOpts := []inventory.Option{inventory.WithSerializer(serializer)}
	handlerOpts := []inventory.HandlerOption{
		inventory.WithLockTimeout(cfg.Command.LockTimeout),
		inventory.WithOperationTimeout(cfg.Command.OperationTimeout),
		inventory.WithConflictRetries(cfg.Command.ConflictRetries, 20*time.Millisecond),
	}
	dispatcherOpts := []inventory.DispatcherOption{
		inventory.WithBatchSize(cfg.Dispatcher.BatchSize),
		inventory.WithPollInterval(cfg.Dispatcher.PollInterval),
		inventory.WithDeliveryRetries(cfg.Dispatcher.MaxRetries, 100*time.Millisecond, 5*time.Second),
	}
	serviceOpts := []inventory.ServiceOption{inventory.WithServiceLogger(app.Logger)}

	// A memory read model starts empty, so its checkpoint must too.
	if _, ok := app.products.(*memory.ProductStore); ok && cfg.Database.Driver != "memory" {
		serviceOpts = append(serviceOpts, inventory.WithCheckpoints(memory.NewAdapter()))
	}

	if cfg.Metrics.Enabled {
		app.Metrics = metrics.New(metrics.WithMetricsServiceName(cfg.Project.Name))
		app.Registry = prometheus.NewRegistry()
		app.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if err := app.Metrics.Register(app.Registry); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		adapter = app.Metrics.WrapEventStore(adapter)
		dispatcherOpts = append(dispatcherOpts, inventory.WithDispatcherMetrics(app.Metrics))
		serviceOpts = append(serviceOpts, inventory.WithCommandMetrics(app.Metrics))
	}

	if cfg.Tracing.Exporter != "" && cfg.Tracing.Exporter != tracing.ExporterNone {
		tp, shutdown, err := tracing.NewProvider(ctx, tracing.ProviderConfig{
			Exporter:       cfg.Tracing.Exporter,
			Endpoint:       cfg.Tracing.Endpoint,
			ServiceName:    cfg.Project.Name,
			ServiceVersion: Version,
			Writer:         logOut,
			Global:         true,
		})
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, shutdown)
		app.Tracer = tracing.NewTracer(tracing.WithTracerProvider(tp), tracing.WithServiceName(cfg.Project.Name))
		adapter = app.Tracer.WrapEventStore(adapter)
		serviceOpts = append(serviceOpts, inventory.WithCommandMiddleware(tracing.CommandMiddleware(app.Tracer)))
	}

	if cfg.Command.StoreRetries > 0 {
		retry := inventory.DefaultRetryConfig()
		retry.MaxAttempts = cfg.Command.StoreRetries + 1
		retry.ShouldRetry = func(err error) bool { return errors.Is(err, inventory.ErrStoreUnavailable) }
		serviceOpts = append(serviceOpts, inventory.WithCommandMiddleware(inventory.RetryMiddleware(retry)))
	}

	if app.idempotency != nil {
		serviceOpts = append(serviceOpts,
			inventory.WithIdempotencyStore(app.idempotency),
			inventory.WithIdempotencyTTL(cfg.Idempotency.TTL))
	}

	pubs, err := app.openPublishers(ctx)
	if err != nil {
		return nil, err
	}
	if len(pubs) > 0 {
		app.Relay = publisher.NewRelay("relay", pubs,
			publisher.WithTopic(cfg.Publishers.Topic),
			publisher.WithRelayLogger(app.Logger))
		app.closers = append(app.closers, func(context.Context) error { return app.Relay.Close() })

		var sub inventory.Subscriber = app.Relay
		if app.Tracer != nil {
			sub = app.Tracer.WrapSubscriber(app.Relay)
		}
		serviceOpts = append(serviceOpts, inventory.WithSubscribers(sub))
	}

	serviceOpts = append(serviceOpts,
		inventory.WithStoreOptions(storeOpts...),
		inventory.WithHandlerOptions(handlerOpts...),
		inventory.WithDispatcherOptions(dispatcherOpts...),
	)

	app.Service, err = inventory.NewService(adapter, app.products, serviceOpts...)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Migrate creates the tables of every SQL backend. It is idempotent.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.Service.Store.Initialize(ctx); err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	if m, ok := a.products.(interface{ Initialize(context.Context) error }); ok {
		if err := m.Initialize(ctx); err != nil {
			return fmt.Errorf("read model: %w", err)
		}
	}
	if m, ok := a.idempotency.(interface{ Initialize(context.Context) error }); ok {
		if err := m.Initialize(ctx); err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
	}
	return nil
}

// Health pings the event store and the read model.
func (a *App) Health(ctx context.Context) error {
	if err := a.Service.Store.Ping(ctx); err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	if hc, ok := a.products.(adapters.HealthChecker); ok {
		if err := hc.Ping(ctx); err != nil {
			return fmt.Errorf("read model: %w", err)
		}
	}
	return nil
}

// RecordLag updates the subscriber lag gauges. A no-op without metrics.
func (a *App) RecordLag(ctx context.Context) error {
	if a.Metrics == nil {
		return nil
	}
	head, err := a.Service.Store.GetLastPosition(ctx)
	if err != nil {
		return err
	}
	statuses := a.Service.Dispatcher.Statuses()
	values := make([]inventory.SubscriberStatus, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, *s)
	}
	a.Metrics.RecordSubscriberLag(head, values)
	return nil
}

// Close stops the service and releases every backend.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Service != nil {
		err = a.Service.Close(ctx)
	}
	return errors.Join(err, a.closeBackends(ctx))
}

func (a *App) closeBackends(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, func(context.Context) error { return fn() })
}

// NewLogger builds the slog logger described by cfg.
func NewLogger(cfg config.LogConfig, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newSerializer(name string) (inventory.Serializer, error) {
	switch name {
	case "", "json":
		return inventory.NewJSONSerializer(), nil
	case "msgpack":
		return msgpack.NewSerializer(msgpack.WithJSONTags()), nil
	case "protobuf":
		return protobuf.NewSerializer(), nil
	default:
		return nil, fmt.Errorf("unsupported serializer: %s", name)
	}
}

func openEventStore(ctx context.Context, cfg config.DatabaseConfig) (adapters.EventStoreAdapter, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewAdapter(), nil

	case "postgres":
		opts := []postgres.Option{postgres.WithSchema(cfg.Schema)}
		if cfg.MaxConnections > 0 {
			opts = append(opts, postgres.WithMaxConnections(cfg.MaxConnections))
		}
		adapter, err := postgres.NewAdapter(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres adapter: %w", err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := adapter.Ping(pingCtx); err != nil {
			_ = adapter.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return adapter, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func (a *App) openReadModel(ctx context.Context) (adapters.ProductStore, error) {
	cfg := a.Config.ReadModel
	switch cfg.Driver {
	case "", "memory":
		return memory.NewProductStore(), nil

	case "postgres":
		var opts []postgres.ProductStoreOption
		if cfg.Table != "" {
			opts = append(opts, postgres.WithProductTable(cfg.Table))
		}
		if pg, ok := a.base.(*postgres.PostgresAdapter); ok && (cfg.URL == "" || cfg.URL == a.Config.Database.URL) {
			return postgres.NewProductStoreFromAdapter(pg, opts...), nil
		}
		db, err := a.openSQL(ctx, "pgx", firstNonEmpty(cfg.URL, a.Config.Database.URL))
		if err != nil {
			return nil, fmt.Errorf("read model: %w", err)
		}
		opts = append([]postgres.ProductStoreOption{postgres.WithProductSchema(a.Config.Database.Schema)}, opts...)
		return postgres.NewProductStore(db, opts...), nil

	case "redis":
		client, err := a.redisClient(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		var opts []redisadapter.Option
		if cfg.Table != "" {
			opts = append(opts, redisadapter.WithPrefix(cfg.Table))
		}
		return redisadapter.NewProductStore(client, opts...), nil

	case "mysql":
		var opts []mysqladapter.Option
		if cfg.Table != "" {
			opts = append(opts, mysqladapter.WithTable(cfg.Table))
		}
		store, err := mysqladapter.Open(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		a.onClose(store.Close)
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("failed to connect to mysql: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported read model driver: %s", cfg.Driver)
	}
}

func (a *App) openIdempotency(ctx context.Context) (adapters.IdempotencyStore, error) {
	cfg := a.Config.Idempotency
	switch cfg.Driver {
	case "", "none":
		return nil, nil

	case "memory":
		store := memory.NewIdempotencyStore(memory.WithMaxAge(cfg.TTL))
		a.onClose(store.Close)
		return store, nil

	case "postgres":
		if pg, ok := a.base.(*postgres.PostgresAdapter); ok && (cfg.URL == "" || cfg.URL == a.Config.Database.URL) {
			return postgres.NewIdempotencyStoreFromAdapter(pg), nil
		}
		db, err := a.openSQL(ctx, "pgx", firstNonEmpty(cfg.URL, a.Config.Database.URL))
		if err != nil {
			return nil, fmt.Errorf("idempotency store: %w", err)
		}
		return postgres.NewIdempotencyStore(db, postgres.WithIdempotencySchema(a.Config.Database.Schema)), nil

	case "redis":
		client, err := a.redisClient(ctx, firstNonEmpty(cfg.URL, a.Config.ReadModel.URL))
		if err != nil {
			return nil, err
		}
		return redisadapter.NewIdempotencyStore(client), nil

	default:
		return nil, fmt.Errorf("unsupported idempotency driver: %s", cfg.Driver)
	}
}

// redisClient returns the shared client, dialing it on first use.
// addr is either host:port or a redis:// URL.
func (a *App) redisClient(ctx context.Context, addr string) (goredis.UniversalClient, error) {
	if a.redis != nil {
		return a.redis, nil
	}

	opts := &goredis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := goredis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	}
	client := goredis.NewClient(opts)
	a.onClose(client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	a.redis = client
	return client, nil
}

func (a *App) openSQL(ctx context.Context, driver, url string) (*sql.DB, error) {
	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, err
	}
	a.onClose(db.Close)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, err
	}
	return db, nil
}

func (a *App) openPublishers(ctx context.Context) ([]publisher.Publisher, error) {
	cfg := a.Config.Publishers
	var pubs []publisher.Publisher

	if len(cfg.Kafka.Brokers) > 0 {
		pubs = append(pubs, kafka.New(kafka.WithBrokers(cfg.Kafka.Brokers...)))
	}

	if cfg.SNS.TopicARN != "" {
		opts := []snspub.Option{snspub.WithSNSClient(snspub.NewClient(cfg.SNS.Region, cfg.SNS.Endpoint))}
		if cfg.SNS.FIFO {
			opts = append(opts, snspub.WithFIFO())
		}
		pubs = append(pubs, snspub.New(cfg.SNS.TopicARN, opts...))
	}

	if cfg.NATS.URL != "" {
		p, err := natspub.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, errors.Join(err, closeAll(pubs))
		}
		pubs = append(pubs, p)
		if err := p.EnsureStream(ctx, cfg.NATS.Stream, cfg.Topic); err != nil {
			return nil, errors.Join(err, closeAll(pubs))
		}
	}

	if cfg.Webhook.URL != "" {
		var opts []webhook.Option
		if cfg.Webhook.Timeout > 0 {
			opts = append(opts, webhook.WithTimeout(cfg.Webhook.Timeout))
		}
		pubs = append(pubs, webhook.New(cfg.Webhook.URL, opts...))
	}

	for _, p := range pubs {
		a.Logger.Info("Event relay enabled", "publisher", p.Name(), "topic", cfg.Topic)
	}
	return pubs, nil
}

func closeAll(pubs []publisher.Publisher) error {
	var errs []error
	for _, p := range pubs {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
