// Package store selects and opens the SQL database adapter that supplies
// transaction connections.
package store

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/nimburion/txbound/pkg/txbound"
)

// SQLAdapter is an open database exposing its pool as a connection Source.
type SQLAdapter interface {
	DB() *sql.DB
	Source() *txbound.PoolSource
	// OpenerSource opens a dedicated handle per acquisition.
	OpenerSource() *txbound.OpenerSource
	// Dialect is the placeholder format statements must be built with.
	Dialect() sq.PlaceholderFormat
	// System names the database for logs and spans, e.g. "postgresql".
	System() string
	HealthCheck(ctx context.Context) error
	Close() error
}
