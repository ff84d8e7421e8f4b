package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Transaction outcomes used as label values.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeUnknown    = "unknown"
)

// TxMetrics collects transaction and connection lifecycle metrics.
type TxMetrics struct {
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	participatingTotal  prometheus.Counter
	acquiredTotal       prometheus.Counter
	acquireFailedTotal  prometheus.Counter
	releasedTotal       prometheus.Counter
	connectionsInUse    prometheus.Gauge
	transfersTotal      *prometheus.CounterVec
}

// NewTxMetrics builds the collectors and registers them on reg.
func NewTxMetrics(reg *Registry, namespace string) (*TxMetrics, error) {
	m := &TxMetrics{
		transactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Originating transactions finished, by outcome",
		}, []string{"outcome"}),
		transactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Time between begin and finalization of originating transactions",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		participatingTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_participating_total",
			Help:      "Begins that joined an already active transaction",
		}),
		acquiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_acquired_total",
			Help:      "Connections acquired from the source",
		}),
		acquireFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_acquire_failed_total",
			Help:      "Failed connection acquisitions",
		}),
		releasedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_released_total",
			Help:      "Connections released to the source",
		}),
		connectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_in_use",
			Help:      "Connections currently held outside the source",
		}),
		transfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Account transfers, by outcome",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.transactionsTotal,
		m.transactionDuration,
		m.participatingTotal,
		m.acquiredTotal,
		m.acquireFailedTotal,
		m.releasedTotal,
		m.connectionsInUse,
		m.transfersTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *TxMetrics) ConnectionAcquired() {
	m.acquiredTotal.Inc()
	m.connectionsInUse.Inc()
}

func (m *TxMetrics) ConnectionAcquireFailed() {
	m.acquireFailedTotal.Inc()
}

func (m *TxMetrics) ConnectionReleased() {
	m.releasedTotal.Inc()
	m.connectionsInUse.Dec()
}

func (m *TxMetrics) TransactionJoined() {
	m.participatingTotal.Inc()
}

func (m *TxMetrics) TransactionFinished(outcome string, elapsed time.Duration) {
	m.transactionsTotal.WithLabelValues(outcome).Inc()
	m.transactionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// TransferFinished counts a business transfer by outcome.
func (m *TxMetrics) TransferFinished(outcome string) {
	m.transfersTotal.WithLabelValues(outcome).Inc()
}
