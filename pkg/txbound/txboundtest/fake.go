// Package txboundtest provides an in-memory Source whose connections record
// statements instead of executing them. Statements issued in auto-commit
// mode are committed at once; statements issued inside a transaction become
// visible only on Commit.
package txboundtest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nimburion/txbound/pkg/txbound"
)

// ErrQueryUnsupported is returned by QueryContext.
var ErrQueryUnsupported = errors.New("txboundtest: queries are not supported")

// Source is a recording txbound.Source. The Fail* fields inject errors.
type Source struct {
	FailAcquire  error
	FailDisable  error
	FailCommit   error
	FailRollback error

	mu             sync.Mutex
	next           int64
	acquired       int
	released       int
	releasedManual int
	open           map[string]*Conn
	committed      []string
}

// NewSource creates an empty recording source.
func NewSource() *Source {
	return &Source{open: make(map[string]*Conn)}
}

func (s *Source) Acquire(ctx context.Context) (txbound.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailAcquire != nil {
		return nil, s.FailAcquire
	}
	id := fmt.Sprintf("conn-%d", atomic.AddInt64(&s.next, 1))
	c := &Conn{id: id, src: s, autoCommit: true}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired++
	s.open[id] = c
	return c, nil
}

func (s *Source) Release(conn txbound.Conn) {
	c, ok := conn.(*Conn)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	if !c.autoCommit {
		s.releasedManual++
	}
	delete(s.open, c.id)
}

// Acquired is the number of successful acquisitions.
func (s *Source) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

// Released is the number of releases.
func (s *Source) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Outstanding is the number of connections acquired but not yet released.
func (s *Source) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// ReleasedInManualMode counts connections handed back with auto-commit off.
func (s *Source) ReleasedInManualMode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releasedManual
}

// Committed returns every statement made durable so far, in commit order.
func (s *Source) Committed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.committed...)
}

func (s *Source) commit(stmts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, stmts...)
}

// Conn is a recording txbound.Conn.
type Conn struct {
	id         string
	src        *Source
	autoCommit bool
	active     bool
	pending    []string
	commits    int
	rollbacks  int
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) AutoCommit() bool { return c.autoCommit }

// Commits is the number of successful commits on this connection.
func (c *Conn) Commits() int { return c.commits }

// Rollbacks is the number of rollbacks on this connection.
func (c *Conn) Rollbacks() int { return c.rollbacks }

func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stmt := query
	if len(args) > 0 {
		stmt = fmt.Sprintf("%s %v", query, args)
	}
	switch {
	case c.autoCommit:
		c.src.commit(stmt)
	case c.active:
		c.pending = append(c.pending, stmt)
	default:
		return nil, sql.ErrTxDone
	}
	return result(1), nil
}

func (c *Conn) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, ErrQueryUnsupported
}

// QueryRowContext is not supported and returns nil.
func (c *Conn) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

func (c *Conn) DisableAutoCommit(_ context.Context, _ txbound.Options) error {
	if c.src.FailDisable != nil {
		return c.src.FailDisable
	}
	if c.active {
		return txbound.ErrTxActive
	}
	c.autoCommit = false
	c.active = true
	c.pending = nil
	return nil
}

func (c *Conn) EnableAutoCommit(context.Context) error {
	if c.active {
		c.active = false
		c.pending = nil
		c.rollbacks++
	}
	c.autoCommit = true
	return nil
}

func (c *Conn) Commit(context.Context) error {
	if c.autoCommit {
		return txbound.ErrAutoCommit
	}
	if !c.active {
		return sql.ErrTxDone
	}
	c.active = false
	if c.src.FailCommit != nil {
		c.pending = nil
		return c.src.FailCommit
	}
	c.src.commit(c.pending...)
	c.pending = nil
	c.commits++
	return nil
}

func (c *Conn) Rollback(context.Context) error {
	if c.autoCommit {
		return txbound.ErrAutoCommit
	}
	if !c.active {
		return sql.ErrTxDone
	}
	c.active = false
	c.pending = nil
	c.rollbacks++
	return c.src.FailRollback
}

type result int64

func (r result) LastInsertId() (int64, error) { return 0, errors.New("txboundtest: no insert id") }
func (r result) RowsAffected() (int64, error) { return int64(r), nil }
