package txbound

import (
	"context"
	"database/sql"
)

// Querier is the statement surface shared by *sql.DB, *sql.Tx, *sql.Conn
// and every Conn.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn is a single database session. While auto-commit is disabled every
// statement belongs to the same transaction until Commit or Rollback.
//
// A Conn is owned by one party at a time and is not safe for concurrent use.
type Conn interface {
	Querier

	// ID identifies the session. Lookup returns a handle with the same ID
	// that was bound.
	ID() string

	AutoCommit() bool

	// DisableAutoCommit opens a transaction with the given isolation and
	// access mode. It fails if a transaction is already active.
	DisableAutoCommit(ctx context.Context, opts Options) error

	// EnableAutoCommit returns the session to auto-commit mode. An active
	// transaction is rolled back first.
	EnableAutoCommit(ctx context.Context) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Source hands out connections and takes them back.
type Source interface {
	Acquire(ctx context.Context) (Conn, error)
	// Release returns conn to the source. It never fails from the caller's
	// point of view; problems are logged by the implementation.
	Release(conn Conn)
}
