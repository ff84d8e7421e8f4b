package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/nimburion/txbound/pkg/txbound"
)

// DefaultEnvPrefix prefixes every environment variable.
const DefaultEnvPrefix = "TXBOUND"

// ViperLoader loads Config with precedence ENV > file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a loader. configFile may be empty.
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load reads, merges and validates the configuration.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	bindings := map[string]string{
		"service.name":        "SERVICE_NAME",
		"service.environment": "SERVICE_ENVIRONMENT",

		"database.type":               "DB_TYPE",
		"database.driver":             "DB_DRIVER",
		"database.source":             "DB_SOURCE",
		"database.url":                "DB_URL",
		"database.max_open_conns":     "DB_MAX_OPEN_CONNS",
		"database.max_idle_conns":     "DB_MAX_IDLE_CONNS",
		"database.conn_max_lifetime":  "DB_CONN_MAX_LIFETIME",
		"database.conn_max_idle_time": "DB_CONN_MAX_IDLE_TIME",
		"database.acquire_timeout":    "DB_ACQUIRE_TIMEOUT",

		"transaction.isolation": "TX_ISOLATION",
		"transaction.read_only": "TX_READ_ONLY",

		"eventbus.type":     "EVENTBUS_TYPE",
		"eventbus.url":      "EVENTBUS_URL",
		"eventbus.exchange": "EVENTBUS_EXCHANGE",

		"outbox.poll_interval":   "OUTBOX_POLL_INTERVAL",
		"outbox.batch_size":      "OUTBOX_BATCH_SIZE",
		"outbox.max_attempts":    "OUTBOX_MAX_ATTEMPTS",
		"outbox.initial_backoff": "OUTBOX_INITIAL_BACKOFF",
		"outbox.max_backoff":     "OUTBOX_MAX_BACKOFF",

		"management.addr":             "MGMT_ADDR",
		"management.shutdown_timeout": "MGMT_SHUTDOWN_TIMEOUT",

		"observability.log_level":           "LOG_LEVEL",
		"observability.log_format":          "LOG_FORMAT",
		"observability.metrics_namespace":   "METRICS_NAMESPACE",
		"observability.tracing_enabled":     "TRACING_ENABLED",
		"observability.tracing_endpoint":    "TRACING_ENDPOINT",
		"observability.tracing_sample_rate": "TRACING_SAMPLE_RATE",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, l.prefixedEnv(env))
	}
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("database.type", cfg.Database.Type)
	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.source", cfg.Database.Source)
	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", cfg.Database.ConnMaxIdleTime)
	v.SetDefault("database.acquire_timeout", cfg.Database.AcquireTimeout)

	v.SetDefault("transaction.isolation", cfg.Transaction.Isolation)
	v.SetDefault("transaction.read_only", cfg.Transaction.ReadOnly)

	v.SetDefault("eventbus.type", cfg.EventBus.Type)
	v.SetDefault("eventbus.url", cfg.EventBus.URL)
	v.SetDefault("eventbus.exchange", cfg.EventBus.Exchange)

	v.SetDefault("outbox.poll_interval", cfg.Outbox.PollInterval)
	v.SetDefault("outbox.batch_size", cfg.Outbox.BatchSize)
	v.SetDefault("outbox.max_attempts", cfg.Outbox.MaxAttempts)
	v.SetDefault("outbox.initial_backoff", cfg.Outbox.InitialBackoff)
	v.SetDefault("outbox.max_backoff", cfg.Outbox.MaxBackoff)

	v.SetDefault("management.addr", cfg.Management.Addr)
	v.SetDefault("management.shutdown_timeout", cfg.Management.ShutdownTimeout)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.metrics_namespace", cfg.Observability.MetricsNamespace)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSample)
}

// Validate reports every problem found in cfg at once.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	switch strings.ToLower(cfg.Database.Type) {
	case DatabaseTypePostgres, "postgresql":
		if d := cfg.Database.Driver; d != "" && d != "postgres" && d != "pgx" {
			errs = append(errs, fmt.Errorf("invalid database.driver: %s (must be postgres or pgx)", d))
		}
	case DatabaseTypeMySQL:
	default:
		errs = append(errs, fmt.Errorf("invalid database.type: %s (must be postgres or mysql)", cfg.Database.Type))
	}
	switch strings.ToLower(cfg.Database.Source) {
	case "", SourcePool, SourceOpener:
	default:
		errs = append(errs, fmt.Errorf("invalid database.source: %s (must be pool or opener)", cfg.Database.Source))
	}
	if cfg.Database.MaxOpenConns < 0 || cfg.Database.MaxIdleConns < 0 {
		errs = append(errs, errors.New("database pool sizes must not be negative"))
	}
	if cfg.Database.MaxOpenConns > 0 && cfg.Database.MaxIdleConns > cfg.Database.MaxOpenConns {
		errs = append(errs, errors.New("database.max_idle_conns must not exceed database.max_open_conns"))
	}

	if _, err := txbound.ParseIsolation(cfg.Transaction.Isolation); err != nil {
		errs = append(errs, fmt.Errorf("invalid transaction.isolation: %w", err))
	}

	switch strings.ToLower(cfg.EventBus.Type) {
	case "", EventBusTypeNone:
	case EventBusTypeRabbitMQ:
		if cfg.EventBus.URL == "" {
			errs = append(errs, errors.New("eventbus.url is required for RabbitMQ"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid eventbus.type: %s (must be none or rabbitmq)", cfg.EventBus.Type))
	}

	if cfg.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox.max_attempts must be positive"))
	}
	if cfg.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("outbox.poll_interval must be positive"))
	}

	if cfg.Observability.TracingEnabled && cfg.Observability.TracingEndpoint == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if r := cfg.Observability.TracingSample; r < 0 || r > 1 {
		errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// TxOptions returns the transaction options configured for boundaries.
func (c *Config) TxOptions(name string) (txbound.Options, error) {
	isolation, err := txbound.ParseIsolation(c.Transaction.Isolation)
	if err != nil {
		return txbound.Options{}, err
	}
	return txbound.Options{Name: name, Isolation: isolation, ReadOnly: c.Transaction.ReadOnly}, nil
}

// Redacted returns a copy of c with passwords removed from connection URLs.
func (c *Config) Redacted() *Config {
	out := *c
	out.Database.URL = redactURL(c.Database.URL)
	out.EventBus.URL = redactURL(c.EventBus.URL)
	return &out
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
