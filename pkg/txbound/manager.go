package txbound

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/observability/tracing"
)

// Manager begins, commits and rolls back transactions on connections drawn
// from a Source.
type Manager struct {
	source  Source
	logger  logger.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithLogger(l logger.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(r MetricsRecorder) ManagerOption {
	return func(m *Manager) { m.metrics = r }
}

// WithClock overrides time.Now for duration measurements.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager drawing connections from src.
func NewManager(src Source, opts ...ManagerOption) *Manager {
	m := &Manager{
		source:  src,
		logger:  logger.NewNop(),
		metrics: nopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Source returns the connection source transactions are drawn from.
func (m *Manager) Source() Source { return m.source }

// Begin starts a transaction, or joins the one already bound to ctx. The
// returned context carries the bound connection and must be used for every
// call that should take part in the transaction.
//
// When nothing can be acquired Begin returns an *AcquisitionError and ctx is
// left without a binding.
func (m *Manager) Begin(ctx context.Context, opts Options) (context.Context, *Tx, error) {
	if conn, ok := Lookup(ctx); ok {
		parent, _ := Current(ctx)
		tx := &Tx{conn: conn, opts: opts, parent: parent}
		if parent != nil {
			tx.id = parent.id
		}
		m.metrics.TransactionJoined()
		m.logger.WithContext(ctx).Debug("joining active transaction", "name", opts.Name, "conn_id", conn.ID())
		return ctx, tx, nil
	}

	started := m.now()
	conn, err := m.source.Acquire(ctx)
	if err != nil {
		m.logger.WithContext(ctx).Error("failed to acquire connection", "name", opts.Name, "error", err)
		return ctx, nil, &AcquisitionError{Err: err}
	}
	if err := conn.DisableAutoCommit(ctx, opts); err != nil {
		m.source.Release(conn)
		m.logger.WithContext(ctx).Error("failed to disable auto-commit", "name", opts.Name, "conn_id", conn.ID(), "error", err)
		return ctx, nil, &AcquisitionError{Err: err}
	}

	tx := &Tx{
		id:          uuid.NewString(),
		conn:        conn,
		originating: true,
		opts:        opts,
		started:     started,
	}
	spanCtx, span := tracing.StartTransactionSpan(ctx, opts.Name, opts.Isolation, opts.ReadOnly)
	tx.span = span

	txCtx, err := bind(spanCtx, conn, tx)
	if err != nil {
		_ = conn.Rollback(ctx)
		m.restoreAndRelease(ctx, tx)
		tracing.EndTransactionSpan(span, string(OutcomeRolledBack), err)
		return ctx, nil, err
	}
	txCtx = logger.ContextWithTxID(txCtx, tx.id)

	m.logger.WithContext(txCtx).Debug("transaction started",
		"name", opts.Name,
		"conn_id", conn.ID(),
		"isolation", opts.Isolation.String(),
		"read_only", opts.ReadOnly,
	)
	return txCtx, tx, nil
}

// Commit commits an originating transaction and then unbinds, restores
// auto-commit and releases its connection. It is a no-op for participants.
// A failed commit still releases the connection and returns a *CommitError.
func (m *Manager) Commit(ctx context.Context, tx *Tx) error {
	if tx == nil {
		return errors.New("txbound: commit of nil transaction")
	}
	if !tx.originating {
		return nil
	}
	afterCommit, afterCompletion, err := tx.finish()
	if err != nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	outcome := OutcomeCommitted
	commitErr := tx.conn.Commit(ctx)
	if commitErr != nil {
		outcome = OutcomeUnknown
		m.logger.WithContext(ctx).Error("transaction commit failed", "name", tx.opts.Name, "error", commitErr)
	} else {
		m.logger.WithContext(ctx).Debug("transaction committed", "name", tx.opts.Name)
	}

	m.complete(ctx, tx, outcome, commitErr)

	if commitErr != nil {
		runCompletion(ctx, afterCompletion, outcome)
		return &CommitError{TxID: tx.id, Err: commitErr}
	}
	for _, fn := range afterCommit {
		fn(ctx)
	}
	runCompletion(ctx, afterCompletion, outcome)
	return nil
}

// Rollback rolls back an originating transaction and then unbinds, restores
// auto-commit and releases its connection. It is a no-op for participants.
func (m *Manager) Rollback(ctx context.Context, tx *Tx) error {
	if tx == nil {
		return errors.New("txbound: rollback of nil transaction")
	}
	if !tx.originating {
		return nil
	}
	_, afterCompletion, err := tx.finish()
	if err != nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	rollbackErr := tx.conn.Rollback(ctx)
	if rollbackErr != nil {
		m.logger.WithContext(ctx).Error("transaction rollback failed", "name", tx.opts.Name, "error", rollbackErr)
	} else {
		m.logger.WithContext(ctx).Debug("transaction rolled back", "name", tx.opts.Name)
	}

	m.complete(ctx, tx, OutcomeRolledBack, rollbackErr)
	runCompletion(ctx, afterCompletion, OutcomeRolledBack)

	if rollbackErr != nil {
		return &RollbackError{TxID: tx.id, Err: rollbackErr}
	}
	return nil
}

// complete unbinds, restores auto-commit and releases, in that order. The
// slot is cleared directly so the binding goes away even when ctx is not the
// context Begin returned.
func (m *Manager) complete(ctx context.Context, tx *Tx, outcome Outcome, err error) {
	if tx.slot == nil || !tx.slot.clear() {
		m.logger.WithContext(ctx).Warn("transaction was no longer bound", "conn_id", tx.conn.ID())
	}
	m.restoreAndRelease(ctx, tx)

	m.metrics.TransactionFinished(string(outcome), m.now().Sub(tx.started))
	if tx.span != nil {
		tracing.EndTransactionSpan(tx.span, string(outcome), err)
	}
}

func (m *Manager) restoreAndRelease(ctx context.Context, tx *Tx) {
	if err := tx.conn.EnableAutoCommit(ctx); err != nil {
		m.logger.WithContext(ctx).Error("failed to restore auto-commit", "conn_id", tx.conn.ID(), "error", err)
	}
	m.source.Release(tx.conn)
}

func runCompletion(ctx context.Context, hooks []func(context.Context, Outcome), outcome Outcome) {
	for _, fn := range hooks {
		fn(ctx, outcome)
	}
}

// WithTransaction runs fn in a transaction with default options. See
// Boundary.Run for the commit and rollback rules.
func (m *Manager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return NewBoundary(m).Run(ctx, fn)
}

// WithConnection runs fn with the connection bound to ctx, or with a
// connection acquired from src for the duration of the call. A bound
// connection is left untouched; an acquired one is released exactly once.
func WithConnection(ctx context.Context, src Source, fn func(ctx context.Context, conn Conn) error) error {
	if conn, ok := Lookup(ctx); ok {
		return fn(ctx, conn)
	}
	conn, err := src.Acquire(ctx)
	if err != nil {
		return &AcquisitionError{Err: err}
	}
	defer src.Release(conn)
	if err := fn(ctx, conn); err != nil {
		return err
	}
	return nil
}
