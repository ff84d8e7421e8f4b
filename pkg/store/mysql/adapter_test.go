package mysql

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	sq "github.com/Masterminds/squirrel"

	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/txbound"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

func TestNewAdapter_Validation(t *testing.T) {
	if _, err := NewAdapter(Config{}, &mockLogger{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
	if _, err := NewAdapter(Config{URL: "not a dsn"}, &mockLogger{}); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestAdapter_Dialect(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	a := NewFromDB(db, Config{MaxOpenConns: 3}, &mockLogger{})
	if a.Dialect() != sq.Question {
		t.Error("mysql adapter must use question mark placeholders")
	}
	if a.DB().Stats().MaxOpenConnections != 3 {
		t.Error("pool settings not applied")
	}
}

func TestAdapter_CommitThroughSource(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE member SET money = \\? WHERE member_id = \\?").
		WithArgs(8000, "A").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := NewFromDB(db, Config{}, &mockLogger{})
	m := txbound.NewManager(a.Source())

	err = m.WithTransaction(context.Background(), func(ctx context.Context) error {
		conn, _ := txbound.Lookup(ctx)
		_, err := conn.ExecContext(ctx, "UPDATE member SET money = ? WHERE member_id = ?", 8000, "A")
		return err
	})
	if err != nil {
		t.Fatalf("WithTransaction() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAdapter_ClosePreventsSubsequentOperations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectClose()

	a := NewFromDB(db, Config{}, &mockLogger{})
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := a.Source().Acquire(context.Background()); err == nil {
		t.Error("Acquire() after Close should fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
