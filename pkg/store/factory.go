package store

import (
	"fmt"
	"strings"

	"github.com/nimburion/txbound/pkg/config"
	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/store/mysql"
	"github.com/nimburion/txbound/pkg/store/postgres"
)

// NewSQLAdapter opens the database described by cfg.
func NewSQLAdapter(cfg config.DatabaseConfig, log logger.Logger) (SQLAdapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "postgres", "postgresql":
		return postgres.NewAdapter(postgres.Config{
			Driver:          cfg.Driver,
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			AcquireTimeout:  cfg.AcquireTimeout,
		}, log)
	case "mysql":
		return mysql.NewAdapter(mysql.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			AcquireTimeout:  cfg.AcquireTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}
