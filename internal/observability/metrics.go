package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bankroll engine.
type Metrics struct {
	// --- Engine operations ---
	OpsApplied    *prometheus.CounterVec
	OpsRejected   *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
	AuditSequence prometheus.Gauge

	// --- Funds & pool ---
	PoolReserve        prometheus.Gauge
	PoolTotalShares    prometheus.Gauge
	TotalBalances      prometheus.Gauge
	PendingWithdrawals prometheus.Gauge
	BetVolume          *prometheus.CounterVec
	BetPayouts         *prometheus.CounterVec
	BetRefunds         prometheus.Counter

	// --- External transfers ---
	TransferOutcomes *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec

	// --- Reconciliation ---
	ReconcileRuns     *prometheus.CounterVec
	ReconcileResidual prometheus.Gauge
	SweptTotal        prometheus.Counter

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEntriesWritten prometheus.Counter
	PersistRowsWritten    *prometheus.CounterVec
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.005, 0.01,
	}

	transferBuckets := []float64{
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankroll_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankroll_ops_rejected_total",
			Help: "Operations rejected (validation, conflict, insolvency)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bankroll_op_duration_seconds",
			Help:    "Time spent in the engine's locked sections per operation",
			Buckets: opBuckets,
		}, []string{"op"}),

		AuditSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bankroll_audit_sequence",
			Help: "Next audit log sequence number",
		}),

		PoolReserve: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bankroll_pool_reserve",
			Help: "Pool reserve in base units",
		}),

		PoolTotalShares: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bankroll_pool_total_shares",
			Help: "Total liquidity share supply (approximate for large values)",
		}),

		TotalBalances: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bankroll_total_balances",
			Help: "Sum of all player internal balances",
		}),

		PendingWithdrawals: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bankroll_pending_withdrawals",
			Help: "Number of unresolved pending withdrawal records",
		}),

		BetVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankroll_bet_volume_total",
			Help: "Total wagered amount in base units",
		}, []string{"game"}),

		BetPayouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankroll_bet_payouts_total",
			Help: "Total paid out in base units",
		}, []string{"game"}),

		BetRefunds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bankroll_bet_refunds_total",
			Help: "Bets refunded because the pool could not cover the payout",
		}),

		TransferOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankroll_transfer_outcomes_total",
			Help: "External token transfer outcomes (ok/rejected/ambiguous)",
		}, []string{"direction", "outcome"}),

		TransferDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bankroll_transfer_duration_seconds",
			Help:    "External token transfer round-trip latency",
			Buckets: transferBuckets,
		}, []string{"direction"}),

		ReconcileRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankroll_reconcile_runs_total",
			Help: "Reconciliation sweeps by outcome (clean/swept/deficit/error)",
		}, []string{"outcome"}),

		ReconcileResidual: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bankroll_reconcile_residual",
			Help: "External balance minus internal claims at last reconciliation",
		}),

		SweptTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bankroll_swept_total",
			Help: "Total floating funds swept in base units",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bankroll_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bankroll_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bankroll_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bankroll_publish_drops_total",
			Help: "Audit entries dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bankroll_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		PersistEntriesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bankroll_persist_entries_written_total",
			Help: "Audit entries written to Postgres",
		}),

		PersistRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankroll_persist_rows_written_total",
			Help: "State rows upserted to Postgres",
		}, []string{"table"}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bankroll_persist_batch_size",
			Help:    "Updates per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bankroll_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankroll_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bankroll_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bankroll_persist_last_sequence",
			Help: "Last persisted audit sequence",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bankroll_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bankroll_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"route"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
