// Package postgres opens PostgreSQL through lib/pq or the pgx stdlib driver
// and exposes the pool as a transaction connection source.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/lib/pq"              // registers "postgres"

	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/txbound"
)

const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	// Driver is DriverPQ (default) or DriverPGX.
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AcquireTimeout  time.Duration
}

// Adapter owns the *sql.DB pool.
type Adapter struct {
	db     *sql.DB
	source *txbound.PoolSource
	logger logger.Logger
	config Config
}

// NewAdapter opens and pings the database.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	driver := cfg.Driver
	switch driver {
	case "":
		driver = DriverPQ
	case DriverPQ, DriverPGX:
	default:
		return nil, fmt.Errorf("unsupported postgres driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := NewFromDB(db, cfg, log)
	log.Info("PostgreSQL connection established",
		"driver", driver,
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
	)
	return a, nil
}

// NewFromDB wraps an already opened pool and applies the pool settings.
func NewFromDB(db *sql.DB, cfg Config, log logger.Logger) *Adapter {
	if log == nil {
		log = logger.NewNop()
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &Adapter{
		db:     db,
		source: txbound.NewPoolSource(db, log.With("db.system", "postgresql"), txbound.WithAcquireTimeout(cfg.AcquireTimeout)),
		logger: log,
		config: cfg,
	}
}

func (a *Adapter) DB() *sql.DB { return a.db }

func (a *Adapter) Source() *txbound.PoolSource { return a.source }

// OpenerSource returns a Source that opens a new handle on the configured
// URL for every acquisition instead of borrowing from the pool.
func (a *Adapter) OpenerSource() *txbound.OpenerSource {
	driver := a.config.Driver
	if driver == "" {
		driver = DriverPQ
	}
	return txbound.NewOpenerSource(driver, a.config.URL, a.logger.With("db.system", "postgresql"))
}

func (a *Adapter) Dialect() sq.PlaceholderFormat { return sq.Dollar }

func (a *Adapter) System() string { return "postgresql" }

// Ping verifies the database connection is alive
func (a *Adapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// HealthCheck pings with a two second budget.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		a.logger.Error("PostgreSQL health check failed", "error", err)
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.logger.Info("closing PostgreSQL connection")
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close postgres connection: %w", err)
	}
	return nil
}
