package member

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimburion/txbound/pkg/eventbus"
	"github.com/nimburion/txbound/pkg/observability/metrics"
	"github.com/nimburion/txbound/pkg/repository"
	"github.com/nimburion/txbound/pkg/txbound"
	"github.com/nimburion/txbound/pkg/txbound/txboundtest"
)

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) TransferFinished(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

// connCounter counts acquisitions and releases reported by txbound.Instrument.
type connCounter struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (c *connCounter) ConnectionAcquired()      { c.mu.Lock(); c.acquired++; c.mu.Unlock() }
func (c *connCounter) ConnectionAcquireFailed() {}
func (c *connCounter) ConnectionReleased()      { c.mu.Lock(); c.released++; c.mu.Unlock() }
func (c *connCounter) TransactionJoined()       {}
func (c *connCounter) TransactionFinished(string, time.Duration) {}

type fixture struct {
	mock     sqlmock.Sqlmock
	manager  *txbound.Manager
	repo     *Repository
	store    *Store
	counter  *connCounter
	outcomes *outcomeRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	counter := &connCounter{}
	src := txbound.Instrument(txbound.NewPoolSource(db, nil), counter)
	repo := NewRepository(sq.Dollar)
	return &fixture{
		mock:     mock,
		manager:  txbound.NewManager(src),
		repo:     repo,
		store:    NewStore(src, repo),
		counter:  counter,
		outcomes: &outcomeRecorder{},
	}
}

func (f *fixture) service(opts ...TransferOption) *TransferService {
	opts = append([]TransferOption{WithTransferMetrics(f.outcomes)}, opts...)
	return NewTransferService(f.manager, f.repo, opts...)
}

func (f *fixture) expectFind(id string, money int64) {
	f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT member_id, money FROM member WHERE member_id = $1`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"member_id", "money"}).AddRow(id, money))
}

func (f *fixture) expectUpdate(id string, money int64) {
	f.mock.ExpectExec(regexp.QuoteMeta(`UPDATE member SET money = $1 WHERE member_id = $2`)).
		WithArgs(money, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

var modes = []Mode{ModeExplicit, ModeManaged, ModeDeclarative}

// Moving 2000 between two members holding 10000 each leaves 8000 and 12000.
func TestTransfer_Commits(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			f.mock.ExpectBegin()
			f.expectFind("A", 10000)
			f.expectFind("B", 10000)
			f.expectUpdate("A", 8000)
			f.expectUpdate("B", 12000)
			f.mock.ExpectCommit()

			err := f.service().Transfer(context.Background(), mode, "A", "B", 2000)

			require.NoError(t, err)
			assert.NoError(t, f.mock.ExpectationsWereMet())
			assert.Equal(t, []string{metrics.OutcomeCommitted}, f.outcomes.outcomes)
			assert.Equal(t, 1, f.counter.acquired)
			assert.Equal(t, 1, f.counter.released)
		})
	}
}

// The destination "ex" fails validation after the debit; the debit is
// rolled back.
func TestTransfer_InvalidDestinationRollsBack(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			f.mock.ExpectBegin()
			f.expectFind("A", 10000)
			f.expectFind(InvalidMemberID, 10000)
			f.expectUpdate("A", 8000)
			f.mock.ExpectRollback()

			err := f.service().Transfer(context.Background(), mode, "A", InvalidMemberID, 2000)

			var verr *txbound.DomainValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "member_id", verr.Field)
			assert.NoError(t, f.mock.ExpectationsWereMet())
			assert.Equal(t, []string{metrics.OutcomeRolledBack}, f.outcomes.outcomes)
			assert.Equal(t, f.counter.acquired, f.counter.released)
		})
	}
}

func TestTransfer_RepositoryFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.expectFind("A", 10000)
	f.expectFind("B", 10000)
	f.expectUpdate("A", 8000)
	f.mock.ExpectExec(regexp.QuoteMeta(`UPDATE member SET money = $1 WHERE member_id = $2`)).
		WithArgs(int64(12000), "B").
		WillReturnError(errors.New("connection reset"))
	f.mock.ExpectRollback()

	err := f.service().DeclarativeTransfer(context.Background(), "A", "B", 2000)

	var repoErr *txbound.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTransfer_UnknownMemberRollsBack(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT member_id, money FROM member WHERE member_id = $1`)).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"member_id", "money"}))
	f.mock.ExpectRollback()

	err := f.service().ManagedTransfer(context.Background(), "nobody", "B", 10)

	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTransfer_AmountValidation(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		field  string
	}{
		{name: "zero", amount: 0, field: "amount"},
		{name: "negative", amount: -5, field: "amount"},
		{name: "insufficient", amount: 20000, field: "money"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.mock.ExpectBegin()
			f.expectFind("A", 10000)
			f.expectFind("B", 10000)
			f.mock.ExpectRollback()

			err := f.service().DeclarativeTransfer(context.Background(), "A", "B", tt.amount)

			var verr *txbound.DomainValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.NoError(t, f.mock.ExpectationsWereMet())
		})
	}
}

func TestTransfer_CommitFailureIsUnknownOutcome(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.expectFind("A", 10000)
	f.expectFind("B", 10000)
	f.expectUpdate("A", 8000)
	f.expectUpdate("B", 12000)
	f.mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := f.service().ManagedTransfer(context.Background(), "A", "B", 2000)

	var cerr *txbound.CommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{metrics.OutcomeUnknown}, f.outcomes.outcomes)
	assert.Equal(t, 1, f.counter.released)
}

func TestTransfer_WritesOutboxEntryInSameTransaction(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.expectFind("A", 10000)
	f.expectFind("B", 10000)
	f.expectUpdate("A", 8000)
	f.expectUpdate("B", 12000)
	f.mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO outbox`)).
		WithArgs(sqlmock.AnyArg(), TransferCompletedTopic, sqlmock.AnyArg(), "A", sqlmock.AnyArg(), sqlmock.AnyArg(),
			"application/json", sqlmock.AnyArg(), sqlmock.AnyArg(), false, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	outbox := eventbus.NewSQLOutboxStore(f.manager.Source(), sq.Dollar)
	err := f.service(WithOutbox(outbox)).DeclarativeTransfer(context.Background(), "A", "B", 2000)

	require.NoError(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
	assert.Equal(t, 1, f.counter.acquired)
}

// When no connection can be acquired nothing is bound and no repository
// call runs.
func TestTransfer_AcquisitionFailure(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			src := txboundtest.NewSource()
			src.FailAcquire = errors.New("pool exhausted")
			rec := &outcomeRecorder{}
			svc := NewTransferService(txbound.NewManager(src), NewRepository(sq.Dollar), WithTransferMetrics(rec))

			err := svc.Transfer(context.Background(), mode, "A", "B", 2000)

			var aerr *txbound.AcquisitionError
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, 0, src.Acquired())
			assert.Empty(t, src.Committed())
			assert.Equal(t, []string{metrics.OutcomeRolledBack}, rec.outcomes)
		})
	}
}

func TestTransfer_ParticipatesInEnclosingTransaction(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.expectFind("A", 10000)
	f.expectFind("B", 10000)
	f.expectUpdate("A", 8000)
	f.expectUpdate("B", 12000)
	f.expectFind("B", 12000)
	f.expectFind("C", 0)
	f.expectUpdate("B", 11000)
	f.expectUpdate("C", 1000)
	f.mock.ExpectCommit()

	svc := f.service()
	err := f.manager.WithTransaction(context.Background(), func(ctx context.Context) error {
		if err := svc.ManagedTransfer(ctx, "A", "B", 2000); err != nil {
			return err
		}
		return svc.DeclarativeTransfer(ctx, "B", "C", 1000)
	})

	require.NoError(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
	assert.Empty(t, f.outcomes.outcomes, "participating transfers must not report an outcome")
	assert.Equal(t, 1, f.counter.acquired)
}

func TestTransfer_CancelledContextStillReleases(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.expectFind("A", 10000)
	f.expectFind(InvalidMemberID, 0)
	f.expectUpdate("A", 8000)
	f.mock.ExpectRollback()

	ctx, cancel := context.WithCancel(context.Background())
	svc := f.service()
	err := svc.boundary.Run(ctx, func(ctx context.Context) error {
		err := repository.Run(ctx, f.manager.Source(), func(ctx context.Context, ex repository.SQLExecutor) error {
			return svc.transfer(ctx, ex, "A", InvalidMemberID, 2000)
		})
		cancel()
		return err
	})

	require.Error(t, err)
	assert.Equal(t, 1, f.counter.released)
}

type panickingOutbox struct{}

func (panickingOutbox) InsertOn(context.Context, repository.SQLExecutor, *eventbus.OutboxEntry) error {
	panic("outbox unavailable")
}

func TestTransfer_PanicRollsBackAndReleases(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			f.mock.ExpectBegin()
			f.expectFind("A", 10000)
			f.expectFind("B", 10000)
			f.expectUpdate("A", 8000)
			f.expectUpdate("B", 12000)
			f.mock.ExpectRollback()

			ctx := context.Background()
			svc := f.service(WithOutbox(panickingOutbox{}))
			assert.PanicsWithValue(t, "outbox unavailable", func() {
				_ = svc.Transfer(ctx, mode, "A", "B", 2000)
			})

			assert.NoError(t, f.mock.ExpectationsWereMet())
			assert.Equal(t, 1, f.counter.acquired)
			assert.Equal(t, 1, f.counter.released)
			assert.Equal(t, []string{metrics.OutcomeRolledBack}, f.outcomes.outcomes)
			_, bound := txbound.Lookup(ctx)
			assert.False(t, bound)
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"explicit":    ModeExplicit,
		"managed":     ModeManaged,
		"declarative": ModeDeclarative,
		"":            ModeDeclarative,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("implicit")
	assert.Error(t, err)
}
