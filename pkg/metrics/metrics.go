package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bridge"

var (
	ChainHead = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chain_head",
		Help:      "Latest block height reported by the RPC endpoint.",
	})

	ScanCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scan_cursor",
		Help:      "Last block whose deposit events are durably processed.",
	})

	// result: applied / duplicate / skipped
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_total",
		Help:      "Deposit events handled by the credit processor.",
	}, []string{"result"})

	// result: signed / failed / not_pending / insufficient / sign_error
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawals_total",
		Help:      "Withdrawal requests handled by the withdrawal processor.",
	}, []string{"result"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Duration of one synchronizer tick.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms ~ 80s
	})

	// stage: deposits / withdrawals / leader / panic
	TickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tick_errors_total",
		Help:      "Errors caught at the tick boundary.",
	}, []string{"stage"})

	TicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_skipped_total",
		Help:      "Ticks skipped because one was already running or this instance is not leader.",
	}, []string{"reason"})

	ReorgDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reorg_detected_total",
		Help:      "Times the hash of the committed cursor block no longer matched the chain.",
	})

	DbPoolOpen  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_open", Help: "Current open DB connections"})
	DbPoolIdle  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_idle"})
	DbPoolInuse = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_inuse"})
)

// ObserveDBStats 把连接池状态写进 gauge，每个 tick 调一次
func ObserveDBStats(s sql.DBStats) {
	DbPoolOpen.Set(float64(s.OpenConnections))
	DbPoolIdle.Set(float64(s.Idle))
	DbPoolInuse.Set(float64(s.InUse))
}
