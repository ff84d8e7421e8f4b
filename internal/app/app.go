// Package app assembles the service from configuration: database adapter,
// transaction manager, member domain, outbox, health and observability.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/txbound/internal/member"
	"github.com/nimburion/txbound/pkg/config"
	"github.com/nimburion/txbound/pkg/eventbus"
	"github.com/nimburion/txbound/pkg/eventbus/rabbitmq"
	"github.com/nimburion/txbound/pkg/health"
	"github.com/nimburion/txbound/pkg/migrate"
	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/observability/metrics"
	"github.com/nimburion/txbound/pkg/observability/tracing"
	"github.com/nimburion/txbound/pkg/store"
	"github.com/nimburion/txbound/pkg/txbound"
	"github.com/nimburion/txbound/pkg/version"
)

// App holds the wired components. Close releases them.
type App struct {
	Config    *config.Config
	Logger    logger.Logger
	Adapter   store.SQLAdapter
	Source    txbound.Source
	Manager   *txbound.Manager
	Members   *member.Store
	Transfers *member.TransferService
	Outbox    *eventbus.SQLOutboxStore
	Metrics   *metrics.Registry
	TxMetrics *metrics.TxMetrics
	Health    *health.Registry

	tracer *tracing.TracerProvider
}

// New opens the database and builds every component on top of it.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	return build(ctx, cfg, log, store.NewSQLAdapter)
}

type adapterFactory func(config.DatabaseConfig, logger.Logger) (store.SQLAdapter, error)

func build(ctx context.Context, cfg *config.Config, log logger.Logger, open adapterFactory) (*App, error) {
	txOpts, err := cfg.TxOptions("member.transfer")
	if err != nil {
		return nil, err
	}

	tracer, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSample,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}

	reg := metrics.NewRegistry()
	txMetrics, err := metrics.NewTxMetrics(reg, cfg.Observability.MetricsNamespace)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("register transaction metrics: %w", err)
	}

	adapter, err := open(cfg.Database, log)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}

	var base txbound.Source = adapter.Source()
	if strings.EqualFold(cfg.Database.Source, config.SourceOpener) {
		base = adapter.OpenerSource()
	}
	src := txbound.Instrument(base, txMetrics)
	manager := txbound.NewManager(src, txbound.WithLogger(log), txbound.WithMetrics(txMetrics))
	repo := member.NewRepository(adapter.Dialect())
	outbox := eventbus.NewSQLOutboxStore(src, adapter.Dialect())

	healthRegistry := health.NewRegistry()
	healthRegistry.Register(health.NewSourceChecker("database", src, cfg.Database.AcquireTimeout))
	healthRegistry.Register(health.NewPoolChecker("database_pool", adapter.DB()))

	log.Info("application wired",
		"database", adapter.System(),
		"source", cfg.Database.Source,
		"isolation", cfg.Transaction.Isolation,
		"version", version.Current(cfg.Service.Name).String())

	return &App{
		Config:  cfg,
		Logger:  log,
		Adapter: adapter,
		Source:  src,
		Manager: manager,
		Members: member.NewStore(src, repo),
		Transfers: member.NewTransferService(manager, repo,
			member.WithOutbox(outbox),
			member.WithTransferLogger(log),
			member.WithTransferMetrics(txMetrics),
			member.WithTxOptions(txOpts),
		),
		Outbox:    outbox,
		Metrics:   reg,
		TxMetrics: txMetrics,
		Health:    healthRegistry,
		tracer:    tracer,
	}, nil
}

// Migrator returns the schema migrator for the configured database.
func (a *App) Migrator() (*migrate.SQLManager, error) {
	files, dir, err := member.Migrations(a.Adapter.System())
	if err != nil {
		return nil, err
	}
	return migrate.NewSQLManager(a.Manager, a.Adapter.Dialect(), files, dir, a.Logger)
}

// NewProducer connects to the configured broker. It fails when no broker
// is configured.
func (a *App) NewProducer() (*rabbitmq.Producer, error) {
	if a.Config.EventBus.Type != config.EventBusTypeRabbitMQ {
		return nil, fmt.Errorf("event bus type %q cannot publish; set eventbus.type=rabbitmq", a.Config.EventBus.Type)
	}
	producer, err := rabbitmq.NewProducer(rabbitmq.Config{
		URL:      a.Config.EventBus.URL,
		Exchange: a.Config.EventBus.Exchange,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Health.Register(health.NewAdapterChecker("eventbus", producer, 5*time.Second))
	return producer, nil
}

// NewRelay builds the outbox relay publishing through producer.
func (a *App) NewRelay(producer eventbus.Producer) (*eventbus.OutboxRelay, error) {
	m, err := eventbus.NewOutboxMetrics(a.Metrics, a.Config.Observability.MetricsNamespace)
	if err != nil {
		return nil, err
	}
	oc := a.Config.Outbox
	return eventbus.NewOutboxRelay(a.Outbox, producer, rabbitmq.System, a.Logger, m, eventbus.OutboxRelayConfig{
		PollInterval:   oc.PollInterval,
		BatchSize:      oc.BatchSize,
		MaxAttempts:    oc.MaxAttempts,
		InitialBackoff: oc.InitialBackoff,
		MaxBackoff:     oc.MaxBackoff,
	})
}

// Close closes the database and flushes traces.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Adapter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
