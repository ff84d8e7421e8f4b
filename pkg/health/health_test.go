package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nimburion/txbound/pkg/txbound"
	"github.com/nimburion/txbound/pkg/txbound/txboundtest"
)

type checkableFunc func(ctx context.Context) error

func (f checkableFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type staticStats sql.DBStats

func (s staticStats) Stats() sql.DBStats { return sql.DBStats(s) }

// leakySource hands out connections already in manual-commit mode.
type leakySource struct{ *txboundtest.Source }

func (s leakySource) Acquire(ctx context.Context) (txbound.Conn, error) {
	conn, err := s.Source.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, conn.DisableAutoCommit(ctx, txbound.Options{})
}

func TestRegistry_Aggregates(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		want     Status
	}{
		{
			name:     "all healthy",
			checkers: []Checker{NewAdapterChecker("broker", checkableFunc(func(context.Context) error { return nil }), 0)},
			want:     StatusHealthy,
		},
		{
			name: "degraded pool",
			checkers: []Checker{
				NewAdapterChecker("broker", checkableFunc(func(context.Context) error { return nil }), 0),
				NewPoolChecker("pool", staticStats{MaxOpenConnections: 2, InUse: 2, WaitCount: 3}),
			},
			want: StatusDegraded,
		},
		{
			name: "unhealthy wins",
			checkers: []Checker{
				NewPoolChecker("pool", staticStats{MaxOpenConnections: 2, InUse: 2, WaitCount: 3}),
				NewAdapterChecker("broker", checkableFunc(func(context.Context) error { return errors.New("down") }), 0),
			},
			want: StatusUnhealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, c := range tt.checkers {
				r.Register(c)
			}
			result := r.Check(context.Background())
			if result.Status != tt.want {
				t.Errorf("status = %s, want %s", result.Status, tt.want)
			}
			if len(result.Checks) != len(tt.checkers) {
				t.Errorf("got %d results", len(result.Checks))
			}
		})
	}
}

func TestRegistry_CheckOneAndUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(NewSourceChecker("database", txboundtest.NewSource(), 0))

	if res, err := r.CheckOne(context.Background(), "database"); err != nil || res.Status != StatusHealthy {
		t.Fatalf("CheckOne() = %+v, %v", res, err)
	}
	r.Unregister("database")
	if _, err := r.CheckOne(context.Background(), "database"); err == nil {
		t.Fatal("expected error for unregistered check")
	}
}

func TestSourceChecker(t *testing.T) {
	t.Run("healthy releases its connection", func(t *testing.T) {
		src := txboundtest.NewSource()
		res := NewSourceChecker("database", src, time.Second).Check(context.Background())
		if res.Status != StatusHealthy {
			t.Fatalf("status = %s (%s)", res.Status, res.Error)
		}
		if src.Acquired() != 1 || src.Released() != 1 {
			t.Errorf("acquired=%d released=%d", src.Acquired(), src.Released())
		}
	})

	t.Run("acquire failure", func(t *testing.T) {
		src := txboundtest.NewSource()
		src.FailAcquire = errors.New("pool closed")
		res := NewSourceChecker("database", src, time.Second).Check(context.Background())
		if res.Status != StatusUnhealthy || res.Error == "" {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("manual-commit connection", func(t *testing.T) {
		src := leakySource{txboundtest.NewSource()}
		res := NewSourceChecker("database", src, time.Second).Check(context.Background())
		if res.Status != StatusUnhealthy {
			t.Fatalf("status = %s, want unhealthy", res.Status)
		}
		if src.Released() != 1 {
			t.Errorf("connection not released")
		}
	})
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(NewAdapterChecker("broker", checkableFunc(func(context.Context) error { return errors.New("down") }), 0))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d", rec.Code)
	}
	var body AggregatedResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != StatusUnhealthy || len(body.Checks) != 1 {
		t.Errorf("body = %+v", body)
	}
}
