// Package config loads txbound configuration from defaults, an optional
// file and TXBOUND_* environment variables, in increasing precedence.
package config

import (
	"time"
)

const (
	DatabaseTypePostgres = "postgres"
	DatabaseTypeMySQL    = "mysql"

	// SourcePool draws sessions from the shared pool; SourceOpener opens a
	// new database handle per acquisition.
	SourcePool   = "pool"
	SourceOpener = "opener"

	EventBusTypeNone     = "none"
	EventBusTypeRabbitMQ = "rabbitmq"
)

// Config is the root configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Transaction   TransactionConfig   `mapstructure:"transaction" yaml:"transaction"`
	EventBus      EventBusConfig      `mapstructure:"eventbus" yaml:"eventbus"`
	Outbox        OutboxConfig        `mapstructure:"outbox" yaml:"outbox"`
	Management    ManagementConfig    `mapstructure:"management" yaml:"management"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// DatabaseConfig configures the connection pool transactions draw from.
type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"` // postgres, mysql
	// Driver selects the postgres driver: "postgres" (lib/pq) or "pgx".
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	Source          string        `mapstructure:"source" yaml:"source"` // pool, opener
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
}

// TransactionConfig holds the defaults applied to declarative boundaries.
type TransactionConfig struct {
	Isolation string `mapstructure:"isolation" yaml:"isolation"`
	ReadOnly  bool   `mapstructure:"read_only" yaml:"read_only"`
}

type EventBusConfig struct {
	Type     string `mapstructure:"type" yaml:"type"` // none, rabbitmq
	URL      string `mapstructure:"url" yaml:"url"`
	Exchange string `mapstructure:"exchange" yaml:"exchange"`
}

// OutboxConfig tunes the relay that publishes committed outbox entries.
type OutboxConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// ManagementConfig configures the HTTP listener of the serve command.
type ManagementConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type ObservabilityConfig struct {
	LogLevel         string  `mapstructure:"log_level" yaml:"log_level"`
	LogFormat        string  `mapstructure:"log_format" yaml:"log_format"`
	MetricsNamespace string  `mapstructure:"metrics_namespace" yaml:"metrics_namespace"`
	TracingEnabled   bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingEndpoint  string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
	TracingSample    float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "txbound",
			Environment: "development",
		},
		Database: DatabaseConfig{
			Type:            DatabaseTypePostgres,
			Driver:          "postgres",
			Source:          SourcePool,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
			AcquireTimeout:  5 * time.Second,
		},
		Transaction: TransactionConfig{
			Isolation: "read_committed",
		},
		EventBus: EventBusConfig{
			Type:     EventBusTypeNone,
			Exchange: "txbound.events",
		},
		Outbox: OutboxConfig{
			PollInterval:   time.Second,
			BatchSize:      100,
			MaxAttempts:    10,
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Minute,
		},
		Management: ManagementConfig{
			Addr:            ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:         "info",
			LogFormat:        "json",
			MetricsNamespace: "txbound",
			TracingSample:    1,
		},
	}
}
