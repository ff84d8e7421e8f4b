package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/testutil"
	"github.com/nimburion/txbound/pkg/txbound"
)

func TestAdapter_Integration(t *testing.T) {
	dsn := testutil.StartPostgres(t)
	ctx := context.Background()

	for _, driver := range []string{DriverPQ, DriverPGX} {
		t.Run(driver, func(t *testing.T) {
			a, err := NewAdapter(Config{
				Driver:          driver,
				URL:             dsn,
				MaxOpenConns:    4,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
				AcquireTimeout:  5 * time.Second,
			}, logger.NewNop())
			if err != nil {
				t.Fatalf("NewAdapter() error = %v", err)
			}
			defer a.Close()

			table := "it_" + driver
			if _, err := a.DB().ExecContext(ctx, "CREATE TABLE "+table+" (id SERIAL PRIMARY KEY, value TEXT)"); err != nil {
				t.Fatal(err)
			}
			defer a.DB().ExecContext(ctx, "DROP TABLE "+table)

			m := txbound.NewManager(a.Source())
			insert := func(ctx context.Context, v string) error {
				conn, ok := txbound.Lookup(ctx)
				if !ok {
					return errors.New("no bound connection")
				}
				_, err := conn.ExecContext(ctx, "INSERT INTO "+table+" (value) VALUES ($1)", v)
				return err
			}

			if err := m.WithTransaction(ctx, func(ctx context.Context) error {
				if err := insert(ctx, "kept-1"); err != nil {
					return err
				}
				return insert(ctx, "kept-2")
			}); err != nil {
				t.Fatalf("committing transaction failed: %v", err)
			}

			err = m.WithTransaction(ctx, func(ctx context.Context) error {
				if err := insert(ctx, "dropped"); err != nil {
					return err
				}
				return &txbound.DomainValidationError{Field: "value", Value: "dropped", Reason: "rejected"}
			})
			if err == nil {
				t.Fatal("expected rollback error")
			}

			var count int
			if err := a.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
				t.Fatal(err)
			}
			if count != 2 {
				t.Errorf("rows = %d, want 2", count)
			}
			if got := a.DB().Stats().InUse; got != 0 {
				t.Errorf("connections in use = %d", got)
			}
			if err := a.HealthCheck(ctx); err != nil {
				t.Errorf("HealthCheck() error = %v", err)
			}
		})
	}
}
