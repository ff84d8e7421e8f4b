package txbound

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nimburion/txbound/pkg/observability/logger"
)

// PoolSource hands out dedicated sessions from a *sql.DB pool.
type PoolSource struct {
	db             *sql.DB
	logger         logger.Logger
	acquireTimeout time.Duration
}

// PoolOption configures a PoolSource.
type PoolOption func(*PoolSource)

// WithAcquireTimeout bounds how long Acquire waits for a free connection
// when the caller's context has no deadline.
func WithAcquireTimeout(d time.Duration) PoolOption {
	return func(s *PoolSource) { s.acquireTimeout = d }
}

// NewPoolSource creates a Source backed by db. A nil logger discards output.
func NewPoolSource(db *sql.DB, log logger.Logger, opts ...PoolOption) *PoolSource {
	if log == nil {
		log = logger.NewNop()
	}
	s := &PoolSource{db: db, logger: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PoolSource) Acquire(ctx context.Context) (Conn, error) {
	if _, ok := ctx.Deadline(); !ok && s.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.acquireTimeout)
		defer cancel()
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return NewSQLConn(conn), nil
}

func (s *PoolSource) Release(conn Conn) {
	releaseSQLConn(s.logger, conn)
}

// OpenerSource opens a brand new database handle for every Acquire and
// closes it on Release. It suits tools and tests that must not share a pool.
type OpenerSource struct {
	driver string
	dsn    string
	logger logger.Logger
}

// NewOpenerSource creates a Source that opens driver/dsn on each call.
func NewOpenerSource(driver, dsn string, log logger.Logger) *OpenerSource {
	if log == nil {
		log = logger.NewNop()
	}
	return &OpenerSource{driver: driver, dsn: dsn, logger: log}
}

func (s *OpenerSource) Acquire(ctx context.Context) (Conn, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.driver, err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c := NewSQLConn(conn)
	c.owner = db
	return c, nil
}

func (s *OpenerSource) Release(conn Conn) {
	releaseSQLConn(s.logger, conn)
}

func releaseSQLConn(log logger.Logger, conn Conn) {
	if conn == nil {
		return
	}
	sc, ok := conn.(*SQLConn)
	if !ok {
		log.Error("release of foreign connection ignored", "conn_id", conn.ID())
		return
	}
	if !sc.AutoCommit() {
		log.Warn("connection released in manual-commit mode, restoring auto-commit", "conn_id", sc.ID())
		if err := sc.EnableAutoCommit(context.Background()); err != nil {
			log.Error("failed to restore auto-commit on release", "conn_id", sc.ID(), "error", err)
		}
	}
	if err := sc.close(); err != nil {
		log.Error("failed to release connection", "conn_id", sc.ID(), "error", err)
	}
}
