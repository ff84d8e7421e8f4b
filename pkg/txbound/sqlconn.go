package txbound

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// SQLConn is a Conn over a dedicated *sql.Conn. Disabling auto-commit begins
// a *sql.Tx on the session and every statement is routed through it. Once
// the transaction ends, statements fail with sql.ErrTxDone until auto-commit
// is re-enabled or a new transaction is started.
type SQLConn struct {
	id         string
	conn       *sql.Conn
	owner      *sql.DB
	tx         *sql.Tx
	active     bool
	autoCommit bool
	closed     bool
}

// NewSQLConn wraps an already acquired session.
func NewSQLConn(conn *sql.Conn) *SQLConn {
	return &SQLConn{
		id:         uuid.NewString(),
		conn:       conn,
		autoCommit: true,
	}
}

func (c *SQLConn) ID() string { return c.id }

func (c *SQLConn) AutoCommit() bool { return c.autoCommit }

func (c *SQLConn) querier() Querier {
	if c.autoCommit {
		return c.conn
	}
	return c.tx
}

func (c *SQLConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.querier().ExecContext(ctx, query, args...)
}

func (c *SQLConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.querier().QueryContext(ctx, query, args...)
}

func (c *SQLConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.querier().QueryRowContext(ctx, query, args...)
}

func (c *SQLConn) DisableAutoCommit(ctx context.Context, opts Options) error {
	if c.active {
		return ErrTxActive
	}
	// database/sql rolls a tx back when its context ends; the transaction
	// must instead live until Commit or Rollback.
	tx, err := c.conn.BeginTx(context.WithoutCancel(ctx), opts.txOptions())
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	c.tx = tx
	c.active = true
	c.autoCommit = false
	return nil
}

func (c *SQLConn) EnableAutoCommit(ctx context.Context) error {
	if c.autoCommit {
		return nil
	}
	var err error
	if c.active {
		c.active = false
		if rerr := c.tx.Rollback(); rerr != nil {
			err = fmt.Errorf("rollback open transaction: %w", rerr)
		}
	}
	c.tx = nil
	c.autoCommit = true
	return err
}

func (c *SQLConn) Commit(ctx context.Context) error {
	if c.autoCommit {
		return ErrAutoCommit
	}
	if !c.active {
		return sql.ErrTxDone
	}
	c.active = false
	return c.tx.Commit()
}

func (c *SQLConn) Rollback(ctx context.Context) error {
	if c.autoCommit {
		return ErrAutoCommit
	}
	if !c.active {
		return sql.ErrTxDone
	}
	c.active = false
	return c.tx.Rollback()
}

// close returns the session to its pool, closing the owning *sql.DB for
// connections opened per call.
func (c *SQLConn) close() error {
	if c.closed {
		return sql.ErrConnDone
	}
	c.closed = true
	err := c.conn.Close()
	if c.owner != nil {
		if cerr := c.owner.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
