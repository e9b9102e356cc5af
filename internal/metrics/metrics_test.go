package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsIsReplaceNotIncrement(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("db1", "alice", 3, 5, 8, 1)
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("db1", "alice")); v != 3 {
		t.Errorf("expected active=3, got %v", v)
	}

	c.UpdatePoolStats("db1", "alice", 2, 4, 6, 0)
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("db1", "alice")); v != 2 {
		t.Errorf("expected active=2 after update, got %v", v)
	}
	if v := getGaugeValue(c.connectionsIdle.WithLabelValues("db1", "alice")); v != 4 {
		t.Errorf("expected idle=4, got %v", v)
	}
	if v := getGaugeValue(c.connectionsTotal.WithLabelValues("db1", "alice")); v != 6 {
		t.Errorf("expected total=6, got %v", v)
	}
	if v := getGaugeValue(c.connectionsWaiting.WithLabelValues("db1", "alice")); v != 0 {
		t.Errorf("expected waiting=0, got %v", v)
	}
}

func TestMultiplePools(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("db1", "alice", 1, 0, 1, 0)
	c.UpdatePoolStats("db2", "bob", 2, 1, 3, 0)

	v1 := getGaugeValue(c.connectionsActive.WithLabelValues("db1", "alice"))
	v2 := getGaugeValue(c.connectionsActive.WithLabelValues("db2", "bob"))
	if v1 != 1 {
		t.Errorf("expected db1/alice active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected db2/bob active=2, got %v", v2)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("db1/alice")
	c.PoolExhausted("db1/alice")
	c.PoolExhausted("db1/alice")

	if v := getCounterValue(c.poolExhausted.WithLabelValues("db1/alice")); v != 3 {
		t.Errorf("expected exhausted=3, got %v", v)
	}
}

func TestHealthCheckCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.HealthCheckCompleted("db1", 10*time.Millisecond, true)
	c.HealthCheckCompleted("db1", 20*time.Millisecond, false)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "doorman_health_check_duration_seconds" {
			found = true
			var total uint64
			for _, m := range f.GetMetric() {
				total += m.GetHistogram().GetSampleCount()
			}
			if total != 2 {
				t.Errorf("expected 2 samples across statuses, got %d", total)
			}
		}
	}
	if !found {
		t.Error("health check duration metric not found")
	}
}

func TestTransactionCompleted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.TransactionCompleted("db1", "alice", 50*time.Millisecond)
	c.TransactionCompleted("db1", "alice", 100*time.Millisecond)

	if v := getCounterValue(c.transactionsTotal.WithLabelValues("db1", "alice")); v != 2 {
		t.Errorf("expected transactionsTotal=2, got %v", v)
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("db1", "alice", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "doorman_acquire_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 acquire sample, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("acquire duration metric not found")
	}
}

func TestSessionPinned(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SessionPinned("db1", "LISTEN")
	c.SessionPinned("db1", "LISTEN")
	c.SessionPinned("db1", "named prepared statement")

	if v := getCounterValue(c.sessionPinsTotal.WithLabelValues("db1", "LISTEN")); v != 2 {
		t.Errorf("expected LISTEN pins=2, got %v", v)
	}
	if v := getCounterValue(c.sessionPinsTotal.WithLabelValues("db1", "named prepared statement")); v != 1 {
		t.Errorf("expected prepared-statement pins=1, got %v", v)
	}
}

func TestBackendReset(t *testing.T) {
	c, _ := newTestCollector(t)

	c.BackendReset("db1", true)
	c.BackendReset("db1", true)
	c.BackendReset("db1", false)

	if v := getCounterValue(c.backendResetsTotal.WithLabelValues("db1", "success")); v != 2 {
		t.Errorf("expected reset success=2, got %v", v)
	}
	if v := getCounterValue(c.backendResetsTotal.WithLabelValues("db1", "failure")); v != 1 {
		t.Errorf("expected reset failure=1, got %v", v)
	}
}

func TestDirtyDisconnect(t *testing.T) {
	c, _ := newTestCollector(t)

	c.DirtyDisconnect("db1")
	c.DirtyDisconnect("db1")

	if v := getCounterValue(c.dirtyDisconnects.WithLabelValues("db1")); v != 2 {
		t.Errorf("expected dirty disconnects=2, got %v", v)
	}
}

func TestClientConnectionCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ClientConnectionAccepted()
	c.ClientConnectionAccepted()
	c.ClientConnectionRejected()

	if v := getCounterValue(c.clientConnections.WithLabelValues("accepted")); v != 2 {
		t.Errorf("expected accepted=2, got %v", v)
	}
	if v := getCounterValue(c.clientConnections.WithLabelValues("rejected")); v != 1 {
		t.Errorf("expected rejected=1, got %v", v)
	}
}

func TestRateLimited(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RateLimited("203.0.113.5")
	c.RateLimited("203.0.113.5")

	if v := getCounterValue(c.rateLimitedConns.WithLabelValues("203.0.113.5")); v != 2 {
		t.Errorf("expected rate-limited=2, got %v", v)
	}
}

func TestPreparedStatementAndCancelCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PreparedStatementCreated()
	c.PreparedStatementCreated()
	c.CancelRequestHandled()

	if v := getCounterValue(c.prepStatementsTotal); v != 2 {
		t.Errorf("expected prepared statements=2, got %v", v)
	}
	if v := getCounterValue(c.cancelRequestsTotal); v != 1 {
		t.Errorf("expected cancel requests=1, got %v", v)
	}
}

func TestRemovePool(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("db1", "alice", 1, 2, 3, 0)
	c.TransactionCompleted("db1", "alice", time.Millisecond)
	c.DirtyDisconnect("db1")

	c.RemovePool("db1", "alice")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "database" && l.GetValue() == "db1" {
					t.Errorf("metric %s still has db1 label after RemovePool", f.GetName())
				}
			}
		}
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("db1", "alice", 1, 0, 1, 0)
	c2.UpdatePoolStats("db1", "alice", 2, 0, 2, 0)

	v1 := getGaugeValue(c1.connectionsActive.WithLabelValues("db1", "alice"))
	v2 := getGaugeValue(c2.connectionsActive.WithLabelValues("db1", "alice"))

	if v1 != 1 {
		t.Errorf("c1 expected active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected active=2, got %v", v2)
	}
}
