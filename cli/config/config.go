// Package config provides configuration management for the inventory CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the inventory configuration.
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	Project     ProjectConfig     `yaml:"project"`
	Database    DatabaseConfig    `yaml:"database"`
	ReadModel   ReadModelConfig   `yaml:"readmodel"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Command     CommandConfig     `yaml:"command"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Publishers  PublishersConfig  `yaml:"publishers"`
}

// ProjectConfig contains project-level settings
type ProjectConfig struct {
	Name string `yaml:"name" env:"INVENTORY_PROJECT_NAME"`
}

// DatabaseConfig selects the event store.
type DatabaseConfig struct {
	// Driver is memory or postgres
	Driver string `yaml:"driver" env:"INVENTORY_DATABASE_DRIVER"`

	// URL is the connection string, required for postgres
	URL string `yaml:"url,omitempty" env:"INVENTORY_DATABASE_URL"`

	// Schema holds the event store tables
	Schema string `yaml:"schema" env:"INVENTORY_DATABASE_SCHEMA"`

	// Serializer is json, msgpack or protobuf. Postgres stores JSONB, so it needs json.
	Serializer string `yaml:"serializer" env:"INVENTORY_DATABASE_SERIALIZER"`

	MaxConnections int `yaml:"max_connections" env:"INVENTORY_DATABASE_MAX_CONNECTIONS"`
}

// ReadModelConfig selects where the product projection is kept.
type ReadModelConfig struct {
	// Driver is memory, postgres, redis or mysql
	Driver string `yaml:"driver" env:"INVENTORY_READMODEL_DRIVER"`

	// URL is a postgres URL, a redis address or a mysql DSN.
	// Empty with postgres reuses database.url.
	URL string `yaml:"url,omitempty" env:"INVENTORY_READMODEL_URL"`

	// Table is the postgres/mysql table or the redis key prefix.
	Table string `yaml:"table,omitempty" env:"INVENTORY_READMODEL_TABLE"`
}

// IdempotencyConfig selects where idempotency keys are remembered.
type IdempotencyConfig struct {
	// Driver is none, memory, postgres or redis
	Driver string        `yaml:"driver" env:"INVENTORY_IDEMPOTENCY_DRIVER"`
	URL    string        `yaml:"url,omitempty" env:"INVENTORY_IDEMPOTENCY_URL"`
	TTL    time.Duration `yaml:"ttl" env:"INVENTORY_IDEMPOTENCY_TTL"`
}

// CommandConfig tunes command handling.
type CommandConfig struct {
	LockTimeout      time.Duration `yaml:"lock_timeout" env:"INVENTORY_COMMAND_LOCK_TIMEOUT"`
	OperationTimeout time.Duration `yaml:"operation_timeout" env:"INVENTORY_COMMAND_OPERATION_TIMEOUT"`
	ConflictRetries  int           `yaml:"conflict_retries" env:"INVENTORY_COMMAND_CONFLICT_RETRIES"`
	StoreRetries     int           `yaml:"store_retries" env:"INVENTORY_COMMAND_STORE_RETRIES"`
}

// DispatcherConfig tunes event delivery.
type DispatcherConfig struct {
	BatchSize    int           `yaml:"batch_size" env:"INVENTORY_DISPATCHER_BATCH_SIZE"`
	PollInterval time.Duration `yaml:"poll_interval" env:"INVENTORY_DISPATCHER_POLL_INTERVAL"`
	MaxRetries   int           `yaml:"max_retries" env:"INVENTORY_DISPATCHER_MAX_RETRIES"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"INVENTORY_HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"INVENTORY_HTTP_SHUTDOWN_TIMEOUT"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level" env:"INVENTORY_LOG_LEVEL"`

	// Format is text or json
	Format string `yaml:"format" env:"INVENTORY_LOG_FORMAT"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Exporter is none, stdout or otlp
	Exporter string `yaml:"exporter" env:"INVENTORY_TRACING_EXPORTER"`
	Endpoint string `yaml:"endpoint,omitempty" env:"INVENTORY_TRACING_ENDPOINT"`
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"INVENTORY_METRICS_ENABLED"`
}

// PublishersConfig enables event relays. An empty section is disabled.
type PublishersConfig struct {
	Topic   string        `yaml:"topic" env:"INVENTORY_PUBLISHERS_TOPIC"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	SNS     SNSConfig     `yaml:"sns"`
	NATS    NATSConfig    `yaml:"nats"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// KafkaConfig configures the Kafka relay.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty" env:"INVENTORY_KAFKA_BROKERS" envSeparator:","`
}

// SNSConfig configures the SNS relay.
type SNSConfig struct {
	TopicARN string `yaml:"topic_arn,omitempty" env:"INVENTORY_SNS_TOPIC_ARN"`
	Region   string `yaml:"region,omitempty" env:"INVENTORY_SNS_REGION"`
	Endpoint string `yaml:"endpoint,omitempty" env:"INVENTORY_SNS_ENDPOINT"`
	FIFO     bool   `yaml:"fifo,omitempty" env:"INVENTORY_SNS_FIFO"`
}

// NATSConfig configures the NATS JetStream relay.
type NATSConfig struct {
	URL    string `yaml:"url,omitempty" env:"INVENTORY_NATS_URL"`
	Stream string `yaml:"stream,omitempty" env:"INVENTORY_NATS_STREAM"`
}

// WebhookConfig configures the webhook relay.
type WebhookConfig struct {
	URL     string        `yaml:"url,omitempty" env:"INVENTORY_WEBHOOK_URL"`
	Timeout time.Duration `yaml:"timeout,omitempty" env:"INVENTORY_WEBHOOK_TIMEOUT"`
}

// Enabled reports whether any relay is configured.
func (p PublishersConfig) Enabled() bool {
	return len(p.Kafka.Brokers) > 0 || p.SNS.TopicARN != "" || p.NATS.URL != "" || p.Webhook.URL != ""
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Project: ProjectConfig{
			Name: "inventory",
		},
		Database: DatabaseConfig{
			Driver:         "memory",
			Schema:         "inventory",
			Serializer:     "json",
			MaxConnections: 25,
		},
		ReadModel: ReadModelConfig{
			Driver: "memory",
		},
		Idempotency: IdempotencyConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
		},
		Command: CommandConfig{
			LockTimeout:      5 * time.Second,
			OperationTimeout: 10 * time.Second,
			ConflictRetries:  3,
			StoreRetries:     2,
		},
		Dispatcher: DispatcherConfig{
			BatchSize:    100,
			PollInterval: 500 * time.Millisecond,
			MaxRetries:   5,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Publishers: PublishersConfig{
			Topic: "inventory.products",
		},
	}
}

// ConfigFileName is the default config file name
const ConfigFileName = "inventory.yaml"

// Load loads configuration from the specified directory
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from a specific file path. ${VAR} references
// are expanded and fields missing from the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from INVENTORY_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Save saves the configuration to the specified directory
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile saves the configuration to a specific file path
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// Resolve finds the config for dir, falling back to defaults when there is
// none, and applies environment overrides.
func Resolve(dir string) (string, *Config, error) {
	root, cfg, err := FindConfig(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", nil, err
		}
		root, cfg = dir, DefaultConfig()
	}
	if err := cfg.ApplyEnv(); err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate validates the configuration
func (c *Config) Validate() []string {
	var errors []string

	if c.Project.Name == "" {
		errors = append(errors, "project.name is required")
	}

	switch {
	case c.Database.Driver == "":
		errors = append(errors, "database.driver is required")
	case !oneOf(c.Database.Driver, "memory", "postgres"):
		errors = append(errors, "database.driver must be 'postgres' or 'memory'")
	case c.Database.Driver == "postgres" && c.Database.URL == "":
		errors = append(errors, "database.url is required for postgres driver")
	}

	if !oneOf(c.Database.Serializer, "", "json", "msgpack", "protobuf") {
		errors = append(errors, "database.serializer must be 'json', 'msgpack' or 'protobuf'")
	} else if c.Database.Driver == "postgres" && !oneOf(c.Database.Serializer, "", "json") {
		errors = append(errors, "database.serializer must be 'json' for postgres driver")
	}

	switch {
	case !oneOf(c.ReadModel.Driver, "memory", "postgres", "redis", "mysql"):
		errors = append(errors, "readmodel.driver must be 'memory', 'postgres', 'redis' or 'mysql'")
	case c.ReadModel.Driver == "postgres" && c.ReadModel.URL == "" && c.Database.URL == "":
		errors = append(errors, "readmodel.url or database.url is required for postgres read model")
	case oneOf(c.ReadModel.Driver, "redis", "mysql") && c.ReadModel.URL == "":
		errors = append(errors, fmt.Sprintf("readmodel.url is required for %s read model", c.ReadModel.Driver))
	}

	switch {
	case !oneOf(c.Idempotency.Driver, "", "none", "memory", "postgres", "redis"):
		errors = append(errors, "idempotency.driver must be 'none', 'memory', 'postgres' or 'redis'")
	case c.Idempotency.Driver == "postgres" && c.Idempotency.URL == "" && c.Database.URL == "":
		errors = append(errors, "idempotency.url or database.url is required for postgres idempotency")
	case c.Idempotency.Driver == "redis" && c.Idempotency.URL == "" && c.ReadModel.Driver != "redis":
		errors = append(errors, "idempotency.url is required for redis idempotency")
	}

	if c.Command.LockTimeout <= 0 {
		errors = append(errors, "command.lock_timeout must be positive")
	}
	if c.Command.ConflictRetries < 0 || c.Command.StoreRetries < 0 {
		errors = append(errors, "command retries must not be negative")
	}
	if c.Dispatcher.BatchSize <= 0 {
		errors = append(errors, "dispatcher.batch_size must be positive")
	}
	if c.Dispatcher.PollInterval <= 0 {
		errors = append(errors, "dispatcher.poll_interval must be positive")
	}

	if !oneOf(strings.ToLower(c.Log.Level), "debug", "info", "warn", "error") {
		errors = append(errors, "log.level must be 'debug', 'info', 'warn' or 'error'")
	}
	if !oneOf(c.Log.Format, "text", "json") {
		errors = append(errors, "log.format must be 'text' or 'json'")
	}

	switch {
	case !oneOf(c.Tracing.Exporter, "", "none", "stdout", "otlp"):
		errors = append(errors, "tracing.exporter must be 'none', 'stdout' or 'otlp'")
	case c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "":
		errors = append(errors, "tracing.endpoint is required for otlp exporter")
	}

	if c.Publishers.SNS.TopicARN != "" && c.Publishers.SNS.Region == "" {
		errors = append(errors, "publishers.sns.region is required with a topic ARN")
	}

	return errors
}

// GenerateYAML generates YAML content with comments
func GenerateYAML(cfg *Config) string {
	url := cfg.Database.URL
	if url == "" {
		url = "${INVENTORY_DATABASE_URL}"
	}
	readURL := cfg.ReadModel.URL
	if readURL == "" && oneOf(cfg.ReadModel.Driver, "redis", "mysql") {
		readURL = "${INVENTORY_READMODEL_URL}"
	}
	return `# Inventory Configuration File
# Every value can be overridden with an INVENTORY_* environment variable.

version: "1"

project:
  name: "` + cfg.Project.Name + `"

# Event store
database:
  # Driver: postgres or memory
  driver: "` + cfg.Database.Driver + `"

  # Connection URL (required for postgres)
  url: "` + url + `"

  # Schema holding events, streams and checkpoints
  schema: "` + cfg.Database.Schema + `"

  # Event payload codec: json, msgpack or protobuf (postgres needs json)
  serializer: "` + cfg.Database.Serializer + `"

# Product read model: memory, postgres, redis or mysql
readmodel:
  driver: "` + cfg.ReadModel.Driver + `"

  # Redis address or mysql DSN. Empty with postgres reuses database.url.
  url: "` + readURL + `"

# Idempotency keys: none, memory, postgres or redis
idempotency:
  driver: "` + cfg.Idempotency.Driver + `"
  ttl: ` + cfg.Idempotency.TTL.String() + `

command:
  lock_timeout: ` + cfg.Command.LockTimeout.String() + `
  operation_timeout: ` + cfg.Command.OperationTimeout.String() + `
  conflict_retries: ` + fmt.Sprint(cfg.Command.ConflictRetries) + `
  store_retries: ` + fmt.Sprint(cfg.Command.StoreRetries) + `

dispatcher:
  batch_size: ` + fmt.Sprint(cfg.Dispatcher.BatchSize) + `
  poll_interval: ` + cfg.Dispatcher.PollInterval.String() + `
  max_retries: ` + fmt.Sprint(cfg.Dispatcher.MaxRetries) + `

http:
  addr: "` + cfg.HTTP.Addr + `"

log:
  level: "` + cfg.Log.Level + `"
  format: "` + cfg.Log.Format + `"

# Tracing exporter: none, stdout or otlp
tracing:
  exporter: "` + cfg.Tracing.Exporter + `"

metrics:
  enabled: ` + fmt.Sprint(cfg.Metrics.Enabled) + `

# Event relays, disabled while empty
publishers:
  topic: "` + cfg.Publishers.Topic + `"
  # kafka:
  #   brokers: ["localhost:9092"]
  # sns:
  #   topic_arn: "arn:aws:sns:us-east-1:123456789012:inventory"
  #   region: "us-east-1"
  # nats:
  #   url: "nats://localhost:4222"
  # webhook:
  #   url: "https://example.com/hooks/inventory"
`
}
