package member

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/txbound/pkg/eventbus"
	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/observability/metrics"
	"github.com/nimburion/txbound/pkg/repository"
	"github.com/nimburion/txbound/pkg/txbound"
)

// TransferCompletedTopic is the outbox topic of TransferCompleted events.
const TransferCompletedTopic = "member.transfer.completed"

// Mode selects how a transfer demarcates its transaction.
type Mode string

const (
	// ModeExplicit threads a hand-managed connection through every call.
	ModeExplicit Mode = "explicit"
	// ModeManaged uses Manager.Begin, Commit and Rollback.
	ModeManaged Mode = "managed"
	// ModeDeclarative wraps the business logic in a Boundary.
	ModeDeclarative Mode = "declarative"
)

// ParseMode parses a transfer mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeExplicit, ModeManaged, ModeDeclarative:
		return m, nil
	case "":
		return ModeDeclarative, nil
	default:
		return "", fmt.Errorf("unknown transfer mode %q (explicit, managed, declarative)", s)
	}
}

// TransferCompleted is the event written to the outbox by a successful
// transfer.
type TransferCompleted struct {
	TxID   string    `json:"tx_id,omitempty"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Amount int64     `json:"amount"`
	At     time.Time `json:"at"`
}

// OutboxAppender writes an outbox entry on the transfer's executor.
// *eventbus.SQLOutboxStore satisfies it.
type OutboxAppender interface {
	InsertOn(ctx context.Context, ex repository.SQLExecutor, entry *eventbus.OutboxEntry) error
}

// TransferRecorder counts finished transfers by outcome.
type TransferRecorder interface {
	TransferFinished(outcome string)
}

type nopTransferRecorder struct{}

func (nopTransferRecorder) TransferFinished(string) {}

// TransferOption configures a TransferService.
type TransferOption func(*TransferService)

// WithOutbox records a TransferCompleted event in the same transaction.
func WithOutbox(o OutboxAppender) TransferOption {
	return func(s *TransferService) { s.outbox = o }
}

func WithTransferLogger(l logger.Logger) TransferOption {
	return func(s *TransferService) { s.logger = l }
}

func WithTransferMetrics(r TransferRecorder) TransferOption {
	return func(s *TransferService) { s.metrics = r }
}

// WithTxOptions sets the isolation and read-only flags of transfers.
func WithTxOptions(opts txbound.Options) TransferOption {
	return func(s *TransferService) { s.opts = opts }
}

// TransferService moves money between members. The three entry points
// share one business function and differ only in transaction demarcation.
type TransferService struct {
	manager  *txbound.Manager
	repo     *Repository
	outbox   OutboxAppender
	logger   logger.Logger
	metrics  TransferRecorder
	opts     txbound.Options
	boundary *txbound.Boundary
}

func NewTransferService(m *txbound.Manager, repo *Repository, opts ...TransferOption) *TransferService {
	s := &TransferService{
		manager: m,
		repo:    repo,
		logger:  logger.NewNop(),
		metrics: nopTransferRecorder{},
		opts:    txbound.Options{Name: "member.transfer"},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.opts.Name == "" {
		s.opts.Name = "member.transfer"
	}
	s.boundary = txbound.NewBoundary(m, txbound.WithOptions(s.opts))
	return s
}

// Transfer runs a transfer in the given mode.
func (s *TransferService) Transfer(ctx context.Context, mode Mode, from, to string, amount int64) error {
	switch mode {
	case ModeExplicit:
		return s.ExplicitTransfer(ctx, from, to, amount)
	case ModeManaged:
		return s.ManagedTransfer(ctx, from, to, amount)
	case ModeDeclarative, "":
		return s.DeclarativeTransfer(ctx, from, to, amount)
	default:
		return fmt.Errorf("unknown transfer mode %q", mode)
	}
}

// ExplicitTransfer acquires a connection, switches it to manual commit and
// passes it to every repository call. The registry is not used.
func (s *TransferService) ExplicitTransfer(ctx context.Context, from, to string, amount int64) (err error) {
	defer s.record(ctx, true, &err)
	defer markPanic(&err)

	src := s.manager.Source()
	conn, err := src.Acquire(ctx)
	if err != nil {
		return &txbound.AcquisitionError{Err: err}
	}
	defer s.release(ctx, src, conn)

	if err := conn.DisableAutoCommit(ctx, s.opts); err != nil {
		return &txbound.AcquisitionError{Err: err}
	}
	s.logger.WithContext(ctx).Debug("transfer state", "state", "TxBegun", "mode", ModeExplicit, "conn_id", conn.ID())

	finalCtx := context.WithoutCancel(ctx)
	if err := s.transfer(ctx, conn, from, to, amount); err != nil {
		if rbErr := conn.Rollback(finalCtx); rbErr != nil {
			return errors.Join(err, &txbound.RollbackError{TxID: conn.ID(), Err: rbErr})
		}
		return err
	}
	if err := conn.Commit(finalCtx); err != nil {
		return &txbound.CommitError{TxID: conn.ID(), Err: err}
	}
	return nil
}

func (s *TransferService) release(ctx context.Context, src txbound.Source, conn txbound.Conn) {
	if err := conn.EnableAutoCommit(context.WithoutCancel(ctx)); err != nil {
		s.logger.WithContext(ctx).Error("failed to restore auto-commit", "conn_id", conn.ID(), "error", err)
	}
	src.Release(conn)
}

// ManagedTransfer begins a transaction through the manager and finalizes
// it by hand. Inside an enclosing transaction it participates and leaves
// finalization to the owner.
func (s *TransferService) ManagedTransfer(ctx context.Context, from, to string, amount int64) (err error) {
	_, joined := txbound.Lookup(ctx)
	defer s.record(ctx, !joined, &err)
	defer markPanic(&err)

	txCtx, tx, err := s.manager.Begin(ctx, s.opts)
	if err != nil {
		return err
	}
	s.logger.WithContext(txCtx).Debug("transfer state", "state", "TxBegun", "mode", ModeManaged, "originating", tx.Originating())
	defer func() {
		if r := recover(); r != nil {
			if rbErr := s.manager.Rollback(txCtx, tx); rbErr != nil {
				s.logger.WithContext(txCtx).Error("rollback after panic failed", "error", rbErr)
			}
			panic(r)
		}
	}()

	if err := s.transfer(txCtx, tx.Conn(), from, to, amount); err != nil {
		if rbErr := s.manager.Rollback(txCtx, tx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return s.manager.Commit(txCtx, tx)
}

// DeclarativeTransfer runs the business logic inside a Boundary. The
// repository calls find the connection through the context.
func (s *TransferService) DeclarativeTransfer(ctx context.Context, from, to string, amount int64) (err error) {
	_, joined := txbound.Lookup(ctx)
	defer s.record(ctx, !joined, &err)
	defer markPanic(&err)

	return s.boundary.Run(ctx, func(ctx context.Context) error {
		s.logger.WithContext(ctx).Debug("transfer state", "state", "TxBegun", "mode", ModeDeclarative)
		return repository.Run(ctx, s.manager.Source(), func(ctx context.Context, ex repository.SQLExecutor) error {
			return s.transfer(ctx, ex, from, to, amount)
		})
	})
}

// transfer is the business logic. It debits from, validates the
// destination and credits to, all on ex.
func (s *TransferService) transfer(ctx context.Context, ex repository.SQLExecutor, from, to string, amount int64) error {
	log := s.logger.WithContext(ctx).With("from", from, "to", to, "amount", amount)

	fromMember, err := s.repo.FindByID(ctx, ex, from)
	if err != nil {
		return err
	}
	toMember, err := s.repo.FindByID(ctx, ex, to)
	if err != nil {
		return err
	}
	if err := validateAmount(fromMember, amount); err != nil {
		return err
	}

	if err := s.repo.Update(ctx, ex, from, fromMember.Money-amount); err != nil {
		return err
	}
	log.Debug("transfer state", "state", "Step1Done")

	if err := validateDestination(toMember); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, ex, to, toMember.Money+amount); err != nil {
		return err
	}
	log.Debug("transfer state", "state", "Step2Done")

	if s.outbox == nil {
		return nil
	}
	event := TransferCompleted{
		TxID:   logger.TxID(ctx),
		From:   from,
		To:     to,
		Amount: amount,
		At:     time.Now().UTC(),
	}
	msg, err := eventbus.NewJSONMessage(from, event)
	if err != nil {
		return err
	}
	if event.TxID != "" {
		msg.Headers = map[string]string{"tx_id": event.TxID}
	}
	return s.outbox.InsertOn(ctx, ex, eventbus.NewOutboxEntry(TransferCompletedTopic, msg))
}

// markPanic turns a panic into a failed outcome for record and re-panics.
func markPanic(errp *error) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("transfer panicked: %v", r)
		panic(r)
	}
}

func (s *TransferService) record(ctx context.Context, originating bool, errp *error) {
	if !originating {
		return
	}
	err := *errp
	outcome := metrics.OutcomeCommitted
	var commitErr *txbound.CommitError
	switch {
	case errors.As(err, &commitErr):
		outcome = metrics.OutcomeUnknown
	case err != nil:
		outcome = metrics.OutcomeRolledBack
	}
	s.metrics.TransferFinished(outcome)

	log := s.logger.WithContext(ctx)
	if err != nil {
		log.Warn("transfer failed", "outcome", outcome, "error", err)
		return
	}
	log.Info("transfer committed")
}
