// Package mysql opens MySQL through go-sql-driver/mysql and exposes the pool
// as a transaction connection source.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	driver "github.com/go-sql-driver/mysql"

	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/txbound"
)

// Config holds MySQL connection configuration
type Config struct {
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
	// openDSN is the normalized DSN per-call opener sources dial.
	openDSN string
}

// NewAdapter parses the DSN, opens and pings the database.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	dsn, err := driver.ParseDSN(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	// Column scanning into time.Time needs parsed timestamps.
	dsn.ParseTime = true
	// migrations are multi-statement scripts
	dsn.MultiStatements = true

	connector, err := driver.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}
	db := sql.OpenDB(connector)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := NewFromDB(db, cfg, log)
	a.openDSN = dsn.FormatDSN()
	log.Info("MySQL connection established",
		"addr", dsn.Addr,
		"database", dsn.DBName,
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
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
		db:      db,
		source:  txbound.NewPoolSource(db, log.With("db.system", "mysql"), txbound.WithAcquireTimeout(cfg.AcquireTimeout)),
		logger:  log,
		config:  cfg,
		openDSN: cfg.URL,
	}
}

func (a *Adapter) DB() *sql.DB { return a.db }

func (a *Adapter) Source() *txbound.PoolSource { return a.source }

// OpenerSource returns a Source that dials a new handle for every
// acquisition instead of borrowing from the pool.
func (a *Adapter) OpenerSource() *txbound.OpenerSource {
	return txbound.NewOpenerSource("mysql", a.openDSN, a.logger.With("db.system", "mysql"))
}

func (a *Adapter) Dialect() sq.PlaceholderFormat { return sq.Question }

func (a *Adapter) System() string { return "mysql" }

func (a *Adapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// HealthCheck pings with a two second budget.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		a.logger.Error("MySQL health check failed", "error", err)
		return fmt.Errorf("mysql health check failed: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.logger.Info("closing MySQL connection")
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close MySQL connection", "error", err)
		return fmt.Errorf("failed to close mysql connection: %w", err)
	}
	a.logger.Info("MySQL connection closed successfully")
	return nil
}
