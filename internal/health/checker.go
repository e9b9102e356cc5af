// Package health periodically probes every configured pool's backend and
// tracks a consecutive-failure-gated healthy/unhealthy status used by the
// proxy to fail fast instead of queuing clients against a dead database.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pgdoorman/doorman/internal/metrics"
	"github.com/pgdoorman/doorman/internal/pool"
)

// Status is a pool's current health classification.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// PoolHealth holds the latest health information for one pool.
type PoolHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker runs periodic liveness probes against every pool the Manager knows
// about, using a real backend checkout so the probe exercises the same
// connect-and-query path a client would.
type Checker struct {
	mu    sync.RWMutex
	pools map[pool.Identifier]*PoolHealth

	poolMgr *pool.Manager
	metrics *metrics.Collector

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a Checker with the given probe cadence, failure
// threshold (consecutive failures before a pool flips to unhealthy) and
// per-probe timeout.
func NewChecker(pm *pool.Manager, m *metrics.Collector, interval time.Duration, failureThreshold int, connectionTimeout time.Duration) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if connectionTimeout <= 0 {
		connectionTimeout = 5 * time.Second
	}
	return &Checker{
		pools:             make(map[pool.Identifier]*PoolHealth),
		poolMgr:           pm,
		metrics:           m,
		interval:          interval,
		failureThreshold:  failureThreshold,
		connectionTimeout: connectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking in the background.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	log.Printf("[health] checker started (interval=%s threshold=%d)", c.interval, c.failureThreshold)
}

// Stop halts the checker and waits for the in-flight round to finish. Safe to
// call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	log.Printf("[health] checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	ids := make([]pool.Identifier, 0)
	for id := range c.poolMgr.AllStats() {
		ids = append(ids, id)
	}

	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, id := range ids {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			start := time.Now()
			healthy, errMsg := c.pingPool(id)
			elapsed := time.Since(start)

			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(id.Database, elapsed, healthy)
				if !healthy {
					c.metrics.HealthCheckError(id.Database, "probe_failed")
				}
			}
			c.updateStatus(id, healthy, errMsg)
		}()
	}
	wg.Wait()
}

// pingPool checks out a backend connection from id's pool and runs the
// configured check query against it, returning the connection afterward. A
// failed acquire or a failed probe both count as unhealthy.
func (c *Checker) pingPool(id pool.Identifier) (bool, string) {
	group, ok := c.poolMgr.Get(id)
	if !ok {
		return false, "pool not found"
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	ck, err := group.Acquire(ctx, 0)
	if err != nil {
		return false, "acquire failed: " + err.Error()
	}

	checkQuery := group.Settings().CheckQuery
	if checkQuery == "" {
		checkQuery = ";"
	}
	if err := ck.Conn.Ping(checkQuery); err != nil {
		group.Release(ck, true)
		return false, "probe failed: " + err.Error()
	}
	group.Release(ck, false)
	return true, ""
}

func (c *Checker) getOrCreate(id pool.Identifier) *PoolHealth {
	ph, ok := c.pools[id]
	if !ok {
		ph = &PoolHealth{Status: StatusUnknown}
		c.pools[id] = ph
	}
	return ph
}

func (c *Checker) updateStatus(id pool.Identifier, healthy bool, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ph := c.getOrCreate(id)
	ph.LastCheck = time.Now()

	if healthy {
		ph.ConsecutiveFailures = 0
		ph.Status = StatusHealthy
		ph.LastError = ""
		return
	}

	ph.ConsecutiveFailures++
	ph.LastError = errMsg
	if ph.ConsecutiveFailures >= c.failureThreshold {
		if ph.Status != StatusUnhealthy {
			log.Printf("[health] pool %s marked unhealthy after %d consecutive failures: %s", id, ph.ConsecutiveFailures, errMsg)
		}
		ph.Status = StatusUnhealthy
	}
}

// IsHealthy reports whether id's pool is currently considered healthy.
// Unknown pools (never probed) are treated as healthy so a brand-new pool
// isn't rejected before its first check runs.
func (c *Checker) IsHealthy(id pool.Identifier) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ph, ok := c.pools[id]
	if !ok {
		return true
	}
	return ph.Status != StatusUnhealthy
}

// GetStatus returns the current health record for id.
func (c *Checker) GetStatus(id pool.Identifier) PoolHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ph, ok := c.pools[id]; ok {
		return *ph
	}
	return PoolHealth{Status: StatusUnknown}
}

// AllStatus returns a snapshot of every pool's health record.
func (c *Checker) AllStatus() map[pool.Identifier]PoolHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[pool.Identifier]PoolHealth, len(c.pools))
	for id, ph := range c.pools {
		out[id] = *ph
	}
	return out
}
