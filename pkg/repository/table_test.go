package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/nimburion/txbound/pkg/store/sqlerr"
	"github.com/nimburion/txbound/pkg/txbound"
)

type account struct {
	ID      string `db:"id"`
	Balance int64  `db:"balance"`
	scratch int
}

func newAccountTable() *Table[account, string] {
	return NewTable[account, string]("account", "id", []string{"id", "balance"},
		NewTagMapper[account, string]("ID"), sq.Dollar)
}

func newMock(t *testing.T) (*txbound.PoolSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return txbound.NewPoolSource(db, nil), mock
}

func TestTable_Insert(t *testing.T) {
	src, mock := newMock(t)
	table := newAccountTable()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO account (balance,id) VALUES ($1,$2)")).
		WithArgs(int64(10000), "A").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := Run(context.Background(), src, func(ctx context.Context, ex SQLExecutor) error {
		return table.Insert(ctx, ex, &account{ID: "A", Balance: 10000})
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTable_InsertDuplicateKey(t *testing.T) {
	src, mock := newMock(t)
	table := newAccountTable()

	mock.ExpectExec("INSERT INTO account").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := Run(context.Background(), src, func(ctx context.Context, ex SQLExecutor) error {
		return table.Insert(ctx, ex, &account{ID: "A", Balance: 10000})
	})

	var repoErr *txbound.RepositoryError
	if !errors.As(err, &repoErr) {
		t.Fatalf("Insert() error = %v, want *RepositoryError", err)
	}
	if !errors.Is(err, sqlerr.ErrDuplicateKey) {
		t.Errorf("Insert() error = %v, want ErrDuplicateKey", err)
	}
}

func TestTable_FindByID(t *testing.T) {
	src, mock := newMock(t)
	table := newAccountTable()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, balance FROM account WHERE id = $1")).
		WithArgs("A").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).AddRow("A", int64(10000)))

	got, err := Query(context.Background(), src, func(ctx context.Context, ex SQLExecutor) (*account, error) {
		return table.FindByID(ctx, ex, "A")
	})
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.ID != "A" || got.Balance != 10000 {
		t.Errorf("FindByID() = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTable_FindByIDNotFound(t *testing.T) {
	src, mock := newMock(t)
	table := newAccountTable()

	mock.ExpectQuery("SELECT id, balance FROM account").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}))

	_, err := Query(context.Background(), src, func(ctx context.Context, ex SQLExecutor) (*account, error) {
		return table.FindByID(ctx, ex, "missing")
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByID() error = %v, want ErrNotFound", err)
	}
}

func TestTable_Find(t *testing.T) {
	src, mock := newMock(t)
	table := newAccountTable()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, balance FROM account WHERE balance > $1 ORDER BY id LIMIT 2 OFFSET 2")).
		WithArgs(int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).AddRow("C", int64(5)).AddRow("D", int64(7)))

	got, err := Query(context.Background(), src, func(ctx context.Context, ex SQLExecutor) ([]account, error) {
		return table.Find(ctx, ex, sq.Gt{"balance": int64(0)}, Pagination{Page: 2, PageSize: 2})
	})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "C" || got[1].Balance != 7 {
		t.Errorf("Find() = %+v", got)
	}
}

func TestTable_UpdateAndDelete(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "row updated", affected: 1},
		{name: "missing row", affected: 0, wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, mock := newMock(t)
			table := newAccountTable()

			mock.ExpectExec(regexp.QuoteMeta("UPDATE account SET balance = $1 WHERE id = $2")).
				WithArgs(int64(8000), "A").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			mock.ExpectExec(regexp.QuoteMeta("DELETE FROM account WHERE id = $1")).
				WithArgs("A").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := Run(context.Background(), src, func(ctx context.Context, ex SQLExecutor) error {
				updateErr := table.Update(ctx, ex, &account{ID: "A", Balance: 8000})
				deleteErr := table.Delete(ctx, ex, "A")
				return errors.Join(updateErr, deleteErr)
			})

			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestTagMapper(t *testing.T) {
	m := NewTagMapper[account, string]("ID")
	row, err := m.ToRow(&account{ID: "A", Balance: 3, scratch: 9})
	if err != nil {
		t.Fatal(err)
	}
	if len(row) != 2 || row["id"] != "A" || row["balance"] != int64(3) {
		t.Errorf("ToRow() = %v", row)
	}
	if got := m.GetID(&account{ID: "B"}); got != "B" {
		t.Errorf("GetID() = %q", got)
	}
}
