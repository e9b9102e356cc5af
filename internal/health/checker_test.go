package health

import (
	"testing"
	"time"

	"github.com/pgdoorman/doorman/internal/pool"
)

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusUnknown:   "unknown",
		StatusHealthy:   "healthy",
		StatusUnhealthy: "unhealthy",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}

func newTestChecker() *Checker {
	return NewChecker(nil, nil, time.Second, 2, time.Second)
}

func TestIsHealthyDefaultsTrueForUnknownPool(t *testing.T) {
	c := newTestChecker()
	id := pool.Identifier{Database: "app", User: "appuser"}
	if !c.IsHealthy(id) {
		t.Error("a pool never probed should be treated as healthy")
	}
}

func TestUpdateStatusFlipsAfterThreshold(t *testing.T) {
	c := newTestChecker()
	id := pool.Identifier{Database: "app", User: "appuser"}

	c.updateStatus(id, false, "probe failed")
	if !c.IsHealthy(id) {
		t.Error("one failure should not yet flip status below threshold 2")
	}

	c.updateStatus(id, false, "probe failed again")
	if c.IsHealthy(id) {
		t.Error("two consecutive failures should flip status to unhealthy at threshold 2")
	}

	c.updateStatus(id, true, "")
	if !c.IsHealthy(id) {
		t.Error("a single success should clear the unhealthy status")
	}

	got := c.GetStatus(id)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d after success, want 0", got.ConsecutiveFailures)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q after success, want empty", got.LastError)
	}
}

func TestAllStatusSnapshot(t *testing.T) {
	c := newTestChecker()
	a := pool.Identifier{Database: "a", User: "u"}
	b := pool.Identifier{Database: "b", User: "u"}
	c.updateStatus(a, true, "")
	c.updateStatus(b, false, "down")

	snap := c.AllStatus()
	if len(snap) != 2 {
		t.Fatalf("len(AllStatus()) = %d, want 2", len(snap))
	}
	if snap[a].Status != StatusHealthy {
		t.Errorf("pool a status = %v, want healthy", snap[a].Status)
	}
}
