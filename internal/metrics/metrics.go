// Package metrics exposes doorman's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for doorman.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec

	clientConnections   *prometheus.CounterVec
	rateLimitedConns    *prometheus.CounterVec
	prepStatementsTotal prometheus.Counter
	cancelRequestsTotal prometheus.Counter
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "doorman_connections_active",
				Help: "Number of active backend connections per pool",
			},
			[]string{"database", "user"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "doorman_connections_idle",
				Help: "Number of idle backend connections per pool",
			},
			[]string{"database", "user"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "doorman_connections_total",
				Help: "Total number of backend connections per pool",
			},
			[]string{"database", "user"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "doorman_connections_waiting",
				Help: "Number of sessions waiting for a backend connection per pool",
			},
			[]string{"database", "user"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_pool_exhausted_total",
				Help: "Total number of failed backend acquires (wait timeout, dial failure or closed pool)",
			},
			[]string{"pool"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "doorman_health_check_duration_seconds",
				Help:    "Duration of backend liveness probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"database", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_health_check_errors_total",
				Help: "Backend liveness probe errors by type",
			},
			[]string{"database", "error_type"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_transactions_total",
				Help: "Total completed transactions observed at ReadyForQuery",
			},
			[]string{"database", "user"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "doorman_transaction_duration_seconds",
				Help:    "Duration from backend acquire to the next ReadyForQuery",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"database", "user"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "doorman_acquire_duration_seconds",
				Help:    "Time spent waiting for pool.Group.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"database", "user"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_session_pins_total",
				Help: "Session pin events in transaction-mode pooling, by reason",
			},
			[]string{"database", "reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_backend_resets_total",
				Help: "Backend reset-query results on checkin",
			},
			[]string{"database", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_dirty_disconnects_total",
				Help: "Client disconnects that left a backend connection in an unreset state",
			},
			[]string{"database"},
		),

		clientConnections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_client_connections_total",
				Help: "Accepted client connections by result",
			},
			[]string{"result"},
		),
		rateLimitedConns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_rate_limited_connections_total",
				Help: "Client connections rejected by the per-address rate limiter",
			},
			[]string{"addr"},
		),
		prepStatementsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "doorman_prepared_statements_total",
				Help: "Distinct prepared statement query texts canonicalized",
			},
		),
		cancelRequestsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "doorman_cancel_requests_total",
				Help: "CancelRequest messages handled",
			},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.clientConnections,
		c.rateLimitedConns,
		c.prepStatementsTotal,
		c.cancelRequestsTotal,
	)

	return c
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(pool string) {
	c.poolExhausted.WithLabelValues(pool).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from a pool's live stats.
func (c *Collector) UpdatePoolStats(database, user string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(database, user).Set(float64(active))
	c.connectionsIdle.WithLabelValues(database, user).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(database, user).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(database, user).Set(float64(waiting))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(database string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(database, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(database, errorType string) {
	c.healthCheckErrors.WithLabelValues(database, errorType).Inc()
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(database, user string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(database, user).Inc()
	c.transactionDuration.WithLabelValues(database, user).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(database, user string, d time.Duration) {
	c.acquireDuration.WithLabelValues(database, user).Observe(d.Seconds())
}

// SessionPinned increments the session pin counter with the given reason.
func (c *Collector) SessionPinned(database, reason string) {
	c.sessionPinsTotal.WithLabelValues(database, reason).Inc()
}

// BackendReset records a reset-query result (success or failure).
func (c *Collector) BackendReset(database string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(database, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter.
func (c *Collector) DirtyDisconnect(database string) {
	c.dirtyDisconnects.WithLabelValues(database).Inc()
}

// ClientConnectionAccepted increments the accepted client connection counter.
func (c *Collector) ClientConnectionAccepted() {
	c.clientConnections.WithLabelValues("accepted").Inc()
}

// ClientConnectionRejected increments the rejected client connection counter.
func (c *Collector) ClientConnectionRejected() {
	c.clientConnections.WithLabelValues("rejected").Inc()
}

// RateLimited increments the rate-limited connection counter for addr.
func (c *Collector) RateLimited(addr string) {
	c.rateLimitedConns.WithLabelValues(addr).Inc()
}

// PreparedStatementCreated increments the canonicalized prepared statement counter.
func (c *Collector) PreparedStatementCreated() {
	c.prepStatementsTotal.Inc()
}

// CancelRequestHandled increments the cancel request counter.
func (c *Collector) CancelRequestHandled() {
	c.cancelRequestsTotal.Inc()
}

// RemovePool removes all per-pool metrics for a (database, user) pair, called
// when a config reload drops that pool entirely.
func (c *Collector) RemovePool(database, user string) {
	c.connectionsActive.DeleteLabelValues(database, user)
	c.connectionsIdle.DeleteLabelValues(database, user)
	c.connectionsTotal.DeleteLabelValues(database, user)
	c.connectionsWaiting.DeleteLabelValues(database, user)
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"database": database})
	c.transactionsTotal.DeleteLabelValues(database, user)
	c.transactionDuration.DeleteLabelValues(database, user)
	c.acquireDuration.DeleteLabelValues(database, user)
	c.sessionPinsTotal.DeletePartialMatch(prometheus.Labels{"database": database})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"database": database})
	c.dirtyDisconnects.DeleteLabelValues(database)
}
