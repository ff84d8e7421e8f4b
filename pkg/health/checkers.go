package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nimburion/txbound/pkg/txbound"
)

// Checkable is a component that can report its own health.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker checks any Checkable under a timeout.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.adapter.HealthCheck(checkCtx); err != nil {
		return CheckResult{
			Name:      c.name,
			Status:    StatusUnhealthy,
			Error:     err.Error(),
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

func (c *AdapterChecker) Name() string { return c.name }

// SourceChecker acquires a connection from a txbound.Source, runs a probe
// statement and releases it. A connection handed out in manual-commit mode
// is reported as unhealthy.
type SourceChecker struct {
	name    string
	source  txbound.Source
	probe   string
	timeout time.Duration
}

func NewSourceChecker(name string, src txbound.Source, timeout time.Duration) *SourceChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &SourceChecker{name: name, source: src, probe: "SELECT 1", timeout: timeout}
}

func (c *SourceChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := CheckResult{Name: c.name, Status: StatusHealthy, Message: "OK"}
	conn, err := c.source.Acquire(checkCtx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = (&txbound.AcquisitionError{Err: err}).Error()
	} else {
		if !conn.AutoCommit() {
			result.Status = StatusUnhealthy
			result.Error = fmt.Sprintf("connection %s handed out in manual-commit mode", conn.ID())
		} else if _, err := conn.ExecContext(checkCtx, c.probe); err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
		}
		c.source.Release(conn)
	}
	if result.Status != StatusHealthy {
		result.Message = ""
	}
	result.Timestamp = time.Now()
	result.Duration = time.Since(start)
	return result
}

func (c *SourceChecker) Name() string { return c.name }

// StatsProvider exposes pool statistics; *sql.DB satisfies it.
type StatsProvider interface {
	Stats() sql.DBStats
}

// PoolChecker reports a degraded pool when every open connection is in
// use and callers have started waiting.
type PoolChecker struct {
	name string
	db   StatsProvider
}

func NewPoolChecker(name string, db StatsProvider) *PoolChecker {
	return &PoolChecker{name: name, db: db}
}

func (c *PoolChecker) Check(context.Context) CheckResult {
	stats := c.db.Stats()
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"open":          stats.OpenConnections,
			"in_use":        stats.InUse,
			"idle":          stats.Idle,
			"wait_count":    stats.WaitCount,
			"max_open":      stats.MaxOpenConnections,
			"wait_duration": stats.WaitDuration.String(),
		},
	}
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections && stats.WaitCount > 0 {
		result.Status = StatusDegraded
		result.Message = "connection pool exhausted"
	}
	return result
}

func (c *PoolChecker) Name() string { return c.name }
