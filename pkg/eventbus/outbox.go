package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/observability/metrics"
	"github.com/nimburion/txbound/pkg/observability/tracing"
	"github.com/nimburion/txbound/pkg/resilience"
)

const (
	DefaultOutboxPollInterval   = time.Second
	DefaultOutboxBatchSize      = 100
	DefaultOutboxMaxAttempts    = 10
	DefaultOutboxCleanupEvery   = time.Minute
	DefaultOutboxCleanupRetain  = 7 * 24 * time.Hour
	DefaultOutboxInitialBackoff = time.Second
	DefaultOutboxMaxBackoff     = 5 * time.Minute
	DefaultBreakerThreshold     = 5
	DefaultBreakerCooldown      = 30 * time.Second
)

// OutboxEntry is a message waiting to be relayed to the broker.
type OutboxEntry struct {
	ID          string
	Topic       string
	Message     *Message
	CreatedAt   time.Time
	AvailableAt time.Time
	Published   bool
	PublishedAt *time.Time
	RetryCount  int
	LastError   string
}

// NewOutboxEntry wraps msg in an entry that is immediately available.
func NewOutboxEntry(topic string, msg *Message) *OutboxEntry {
	now := time.Now().UTC()
	return &OutboxEntry{
		ID:          uuid.NewString(),
		Topic:       topic,
		Message:     msg,
		CreatedAt:   now,
		AvailableAt: now,
	}
}

// Validate checks that an outbox entry is complete.
func (e *OutboxEntry) Validate() error {
	if e == nil {
		return errors.New("outbox entry is nil")
	}
	if e.ID == "" {
		return errors.New("outbox entry id is required")
	}
	if e.Topic == "" {
		return errors.New("outbox entry topic is required")
	}
	if e.Message == nil {
		return errors.New("outbox entry message is required")
	}
	if len(e.Message.Value) == 0 {
		return errors.New("outbox entry message value is required")
	}
	return nil
}

// OutboxWriter inserts entries. Implementations write on the connection
// bound to ctx so the entry shares the fate of the surrounding transaction.
type OutboxWriter interface {
	Insert(ctx context.Context, entry *OutboxEntry) error
}

// OutboxStore is the persistence contract used by the relay.
type OutboxStore interface {
	OutboxWriter
	// FetchPending returns unpublished entries that are due and have been
	// attempted fewer than maxAttempts times, oldest first.
	FetchPending(ctx context.Context, limit, maxAttempts int, now time.Time) ([]*OutboxEntry, error)
	MarkPublished(ctx context.Context, id string, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, reason string) error
	CleanupPublishedBefore(ctx context.Context, before time.Time) (int64, error)
	PendingCount(ctx context.Context, now time.Time) (int, error)
	OldestPendingAgeSeconds(ctx context.Context, now time.Time) (float64, error)
}

// TransactionalExecutor runs fn inside a transaction that commits only
// when fn succeeds. *txbound.Manager satisfies it.
type TransactionalExecutor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ExecuteTransactionalOutbox applies businessFn and inserts entry in one
// transaction.
func ExecuteTransactionalOutbox(
	ctx context.Context,
	executor TransactionalExecutor,
	writer OutboxWriter,
	entry *OutboxEntry,
	businessFn func(ctx context.Context) error,
) error {
	if executor == nil {
		return errors.New("transaction executor is required")
	}
	if writer == nil {
		return errors.New("outbox writer is required")
	}
	if businessFn == nil {
		return errors.New("business function is required")
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	return executor.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := businessFn(txCtx); err != nil {
			return err
		}
		return writer.Insert(txCtx, entry)
	})
}

// OutboxMetrics publishes outbox health and throughput metrics.
type OutboxMetrics struct {
	pendingSizeGauge      prometheus.Gauge
	oldestEventAgeGauge   prometheus.Gauge
	publishedTotalCounter prometheus.Counter
	failedTotalCounter    prometheus.Counter
	exhaustedTotalCounter prometheus.Counter
}

// NewOutboxMetrics registers outbox metrics in reg.
func NewOutboxMetrics(reg *metrics.Registry, namespace string) (*OutboxMetrics, error) {
	if reg == nil {
		return nil, errors.New("registry is nil")
	}
	if namespace == "" {
		namespace = "txbound"
	}

	m := &OutboxMetrics{
		pendingSizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pending_size",
			Help:      "Current number of pending outbox entries.",
		}),
		oldestEventAgeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "oldest_event_age_seconds",
			Help:      "Age in seconds of the oldest pending outbox entry.",
		}),
		publishedTotalCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Total number of outbox entries successfully published.",
		}),
		failedTotalCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "failed_total",
			Help:      "Total number of outbox publish failures.",
		}),
		exhaustedTotalCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "exhausted_total",
			Help:      "Total number of outbox entries that ran out of publish attempts.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.pendingSizeGauge, m.oldestEventAgeGauge, m.publishedTotalCounter,
		m.failedTotalCounter, m.exhaustedTotalCounter,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register outbox metric failed: %w", err)
		}
	}
	return m, nil
}

// Snapshot updates pending-size and oldest-age gauges from store state.
func (m *OutboxMetrics) Snapshot(ctx context.Context, store OutboxStore, now time.Time) {
	if m == nil || store == nil {
		return
	}
	if pending, err := store.PendingCount(ctx, now); err == nil {
		m.pendingSizeGauge.Set(float64(pending))
	}
	if oldestAge, err := store.OldestPendingAgeSeconds(ctx, now); err == nil {
		m.oldestEventAgeGauge.Set(oldestAge)
	}
}

func (m *OutboxMetrics) incPublished() {
	if m != nil {
		m.publishedTotalCounter.Inc()
	}
}

func (m *OutboxMetrics) incFailed(exhausted bool) {
	if m == nil {
		return
	}
	m.failedTotalCounter.Inc()
	if exhausted {
		m.exhaustedTotalCounter.Inc()
	}
}

// OutboxRelayConfig controls polling and retry behavior.
type OutboxRelayConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxAttempts      int
	CleanupEvery     time.Duration
	CleanupRetention time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// BreakerThreshold consecutive publish failures pause publishing for
	// BreakerCooldown. Paused entries keep their retry count.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c *OutboxRelayConfig) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultOutboxPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultOutboxBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultOutboxMaxAttempts
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = DefaultOutboxCleanupEvery
	}
	if c.CleanupRetention <= 0 {
		c.CleanupRetention = DefaultOutboxCleanupRetain
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultOutboxInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultOutboxMaxBackoff
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
}

// OutboxRelay publishes committed outbox entries. Delivery is at least
// once: a crash between publish and MarkPublished republishes the entry.
type OutboxRelay struct {
	store    OutboxStore
	producer Producer
	system   string
	logger   logger.Logger
	metrics  *OutboxMetrics
	config   OutboxRelayConfig
	breaker  *resilience.CircuitBreaker

	mu      sync.Mutex
	running bool
}

// NewOutboxRelay creates a relay. system names the broker in spans.
func NewOutboxRelay(store OutboxStore, producer Producer, system string, log logger.Logger, m *OutboxMetrics, config OutboxRelayConfig) (*OutboxRelay, error) {
	if store == nil {
		return nil, errors.New("outbox store is required")
	}
	if producer == nil {
		return nil, errors.New("outbox producer is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	config.normalize()

	return &OutboxRelay{
		store:    store,
		producer: producer,
		system:   system,
		logger:   log,
		metrics:  m,
		config:   config,
		breaker:  resilience.NewCircuitBreaker(config.BreakerThreshold, config.BreakerCooldown),
	}, nil
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("outbox relay already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	pollTicker := time.NewTicker(r.config.PollInterval)
	defer pollTicker.Stop()
	cleanupTicker := time.NewTicker(r.config.CleanupEvery)
	defer cleanupTicker.Stop()

	if _, err := r.Tick(ctx, time.Now().UTC()); err != nil {
		r.logger.Error("outbox tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-pollTicker.C:
			if _, err := r.Tick(ctx, now.UTC()); err != nil {
				r.logger.Error("outbox tick failed", "error", err)
			}
		case now := <-cleanupTicker.C:
			if err := r.cleanup(ctx, now.UTC()); err != nil {
				r.logger.Error("outbox cleanup failed", "error", err)
			}
		}
	}
}

// Tick publishes one batch of due entries and reports how many were published.
func (r *OutboxRelay) Tick(ctx context.Context, now time.Time) (int, error) {
	entries, err := r.store.FetchPending(ctx, r.config.BatchSize, r.config.MaxAttempts, now)
	if err != nil {
		return 0, fmt.Errorf("fetch pending outbox entries failed: %w", err)
	}

	published := 0
	for _, entry := range entries {
		if err := r.publishEntry(ctx, entry, now); err != nil {
			if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
				r.logger.Warn("outbox publishing paused, broker circuit open", "remaining", len(entries)-published)
				break
			}
			r.logger.Warn("outbox entry publish failed",
				"entry_id", entry.ID,
				"topic", entry.Topic,
				"retry_count", entry.RetryCount,
				"error", err,
			)
			continue
		}
		published++
	}

	r.metrics.Snapshot(ctx, r.store, now)
	return published, nil
}

func (r *OutboxRelay) publishEntry(ctx context.Context, entry *OutboxEntry, now time.Time) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid outbox entry: %w", err)
	}

	pubCtx, span := tracing.StartPublishSpan(ctx, r.system, entry.Topic, entry.Message.ID)
	err := r.breaker.Execute(pubCtx, func(ctx context.Context) error {
		return r.producer.Publish(ctx, entry.Topic, entry.Message)
	})
	if err != nil {
		tracing.RecordError(span, err)
	} else {
		tracing.RecordSuccess(span)
	}
	span.End()

	if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return err
	}
	if err != nil {
		retryCount := entry.RetryCount + 1
		nextAttempt := now.Add(exponentialBackoff(retryCount, r.config.InitialBackoff, r.config.MaxBackoff))
		if markErr := r.store.MarkFailed(ctx, entry.ID, retryCount, nextAttempt, err.Error()); markErr != nil {
			return fmt.Errorf("mark failed error after publish error (%v): %w", err, markErr)
		}
		exhausted := retryCount >= r.config.MaxAttempts
		if exhausted {
			r.logger.Error("outbox entry exhausted publish attempts",
				"entry_id", entry.ID, "topic", entry.Topic, "attempts", retryCount)
		}
		r.metrics.incFailed(exhausted)
		return err
	}

	if err := r.store.MarkPublished(ctx, entry.ID, now); err != nil {
		return fmt.Errorf("mark published failed: %w", err)
	}
	r.metrics.incPublished()
	return nil
}

func (r *OutboxRelay) cleanup(ctx context.Context, now time.Time) error {
	n, err := r.store.CleanupPublishedBefore(ctx, now.Add(-r.config.CleanupRetention))
	if err != nil {
		return fmt.Errorf("cleanup published entries failed: %w", err)
	}
	if n > 0 {
		r.logger.Debug("outbox cleanup", "deleted", n)
	}
	return nil
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}
