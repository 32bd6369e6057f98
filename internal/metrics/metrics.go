// Package metrics provides Prometheus instrumentation for the settlement core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "p2psettle"

var (
	// HTTPRequestsTotal counts ops HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// TradesCreatedTotal counts trades accepted by the state machine.
	TradesCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_created_total",
		Help:      "Total trades created by initial status.",
	}, []string{"status"})

	// TradeTransitionsTotal counts committed status transitions.
	TradeTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trade_transitions_total",
		Help:      "Committed trade status transitions by from and to status.",
	}, []string{"from", "to"})

	// TradeTransitionRejectsTotal counts transitions refused by the guard.
	TradeTransitionRejectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trade_transition_rejects_total",
		Help:      "Transitions rejected because the trade no longer satisfied the precondition.",
	}, []string{"to", "reason"})

	// TradeLifetime observes time from creation to a terminal status.
	TradeLifetime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trade_lifetime_seconds",
		Help:      "Time from trade creation to completion or cancellation.",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 86400, 259200},
	}, []string{"status"})

	// SettlementPublishTotal counts settlement events by operation and result.
	SettlementPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "publish_total",
		Help:      "Settlement events handed to the bus by operation type and result.",
	}, []string{"operation", "result"})

	// SweepRunsTotal counts sweep cycles by sweep name and result.
	SweepRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "runs_total",
		Help:      "Sweep cycles by sweep and result (ok, error, lease_held, panic).",
	}, []string{"sweep", "result"})

	// SweepItemsTotal counts records a sweep touched by outcome.
	SweepItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "items_total",
		Help:      "Trades visited by sweeps by outcome (transitioned, skipped, failed).",
	}, []string{"sweep", "outcome"})

	// SweepDuration observes how long one sweep cycle took.
	SweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "duration_seconds",
		Help:      "Duration of one sweep cycle.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sweep"})

	// ConfirmationsTotal counts inbound confirmation events by type and result.
	ConfirmationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "confirmation",
		Name:      "events_total",
		Help:      "Inbound confirmation events by type and result.",
	}, []string{"type", "result"})

	// BreakerTransitionsTotal counts circuit breaker state changes.
	BreakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		TradesCreatedTotal,
		TradeTransitionsTotal,
		TradeTransitionRejectsTotal,
		TradeLifetime,
		SettlementPublishTotal,
		SweepRunsTotal,
		SweepItemsTotal,
		SweepDuration,
		ConfirmationsTotal,
		BreakerTransitionsTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that counts requests.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
