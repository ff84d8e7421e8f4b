package app

import (
	"context"
	"errors"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimburion/txbound/internal/member"
	"github.com/nimburion/txbound/pkg/config"
	"github.com/nimburion/txbound/pkg/health"
	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/store"
	"github.com/nimburion/txbound/pkg/store/postgres"
)

func newTestApp(t *testing.T) (*App, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	a, err := build(context.Background(), cfg, logger.NewNop(), func(dc config.DatabaseConfig, log logger.Logger) (store.SQLAdapter, error) {
		return postgres.NewFromDB(db, postgres.Config{MaxOpenConns: dc.MaxOpenConns, MaxIdleConns: dc.MaxIdleConns}, log), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a, mock
}

func TestBuild_TransferWritesOutboxAndCountsMetrics(t *testing.T) {
	a, mock := newTestApp(t)

	mock.ExpectBegin()
	for _, row := range []struct {
		id    string
		money int64
	}{{"A", 10000}, {"B", 10000}} {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT member_id, money FROM member WHERE member_id = $1`)).
			WithArgs(row.id).
			WillReturnRows(sqlmock.NewRows([]string{"member_id", "money"}).AddRow(row.id, row.money))
	}
	mock.ExpectExec(`UPDATE member`).WithArgs(int64(8000), "A").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE member`).WithArgs(int64(12000), "B").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, a.Transfers.Transfer(context.Background(), member.ModeDeclarative, "A", "B", 2000))
	assert.NoError(t, mock.ExpectationsWereMet())

	rec := httptest.NewRecorder()
	a.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `txbound_transfers_total{outcome="committed"} 1`)
	assert.Contains(t, body, `txbound_connections_in_use 0`)
}

func TestBuild_HealthChecksDatabase(t *testing.T) {
	a, mock := newTestApp(t)
	mock.ExpectExec(regexp.QuoteMeta(`SELECT 1`)).WillReturnResult(sqlmock.NewResult(0, 0))

	result := a.Health.Check(context.Background())

	assert.Equal(t, health.StatusHealthy, result.Status)
	names := make([]string, 0, len(result.Checks))
	for _, c := range result.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"database", "database_pool"}, names)
}

func TestBuild_RejectsBadIsolation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transaction.Isolation = "chaos"
	_, err := build(context.Background(), cfg, logger.NewNop(), func(config.DatabaseConfig, logger.Logger) (store.SQLAdapter, error) {
		t.Fatal("database must not be opened")
		return nil, nil
	})
	require.Error(t, err)
}

func TestBuild_DatabaseOpenFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := build(context.Background(), cfg, logger.NewNop(), func(config.DatabaseConfig, logger.Logger) (store.SQLAdapter, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open database")
}

func TestApp_MigratorAndProducer(t *testing.T) {
	a, _ := newTestApp(t)

	m, err := a.Migrator()
	require.NoError(t, err)
	assert.NotEmpty(t, m.Migrations())

	_, err = a.NewProducer()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "eventbus.type"))
}

func TestBuild_OpenerSourceOpensHandlePerCall(t *testing.T) {
	const dsn = "app_opener_source"
	db, mock, err := sqlmock.NewWithDSN(dsn)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Database.Source = config.SourceOpener
	a, err := build(context.Background(), cfg, logger.NewNop(), func(dc config.DatabaseConfig, log logger.Logger) (store.SQLAdapter, error) {
		return postgres.NewFromDB(db, postgres.Config{Driver: "sqlmock", URL: dsn}, log), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT member_id, money FROM member WHERE member_id = $1`)).
			WithArgs("A").
			WillReturnRows(sqlmock.NewRows([]string{"member_id", "money"}).AddRow("A", 10000))
		mock.ExpectClose()
	}

	for i := 0; i < 2; i++ {
		m, err := a.Members.FindByID(context.Background(), "A")
		require.NoError(t, err)
		assert.Equal(t, int64(10000), m.Money)
	}
	assert.NoError(t, mock.ExpectationsWereMet())

	rec := httptest.NewRecorder()
	a.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `txbound_connections_in_use 0`)
}
