package pool

import (
	"context"
	"time"

	"github.com/pgdoorman/doorman/internal/server"
)

// Group is the set of virtual shards backing one Identifier. Splitting a
// pool's max-connection budget across several independently-locked shards
// keeps a single hot pool from serializing every Acquire/Return through one
// mutex; a client picks its shard via the virtual_pool_id formula in
// NextVirtualPoolID rather than plain round-robin.
type Group struct {
	id         Identifier
	settings   Settings
	shards     []*shard
	configHash uint64
}

// NewGroup builds a Group of settings.VirtualPoolCount shards, each sized to
// roughly MaxConns/VirtualPoolCount (remainder distributed to the first
// shards) so the configured pool-wide cap is preserved.
func NewGroup(id Identifier, settings Settings) *Group {
	n := settings.VirtualPoolCount
	if n < 1 {
		n = 1
	}
	g := &Group{id: id, settings: settings, shards: make([]*shard, n)}

	base := settings.MaxConns / n
	remainder := settings.MaxConns % n
	minBase := settings.MinConns / n
	minRemainder := settings.MinConns % n

	for i := 0; i < n; i++ {
		shardSettings := settings
		shardSettings.MaxConns = base
		shardSettings.MinConns = minBase
		if i < remainder {
			shardSettings.MaxConns++
		}
		if i < minRemainder {
			shardSettings.MinConns++
		}
		if shardSettings.MaxConns < 1 {
			shardSettings.MaxConns = 1
		}
		g.shards[i] = newShard(shardSettings)
	}
	return g
}

// Acquire picks the shard virtualPoolID maps to and acquires a connection
// from it. A session stays pinned to the shard it acquired from for the
// lifetime of that checkout (the caller holds the *server.Conn, not a shard
// reference, so Release must be told which shard to return to — see
// Checkout).
func (g *Group) Acquire(ctx context.Context, virtualPoolID int) (*Checkout, error) {
	n := len(g.shards)
	idx := ((virtualPoolID % n) + n) % n
	sh := g.shards[idx]
	c, err := sh.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Checkout{Conn: c, shard: sh}, nil
}

// VirtualPoolCount reports how many shards this group was split into, so
// callers can compute a virtual_pool_id with the right modulus.
func (g *Group) VirtualPoolCount() int {
	return len(g.shards)
}

// NextVirtualPoolID computes a session's next shard index: a per-client
// acquire counter plus the number of seconds since the client's session
// began, modulo the shard count. Combining a monotonic counter with wall
// clock time spreads both bursty reconnects and long-lived sessions evenly
// across shards without requiring any cross-session coordination.
func NextVirtualPoolID(acquireCount uint64, sessionStart time.Time, shardCount int) int {
	if shardCount < 1 {
		return 0
	}
	elapsed := uint64(time.Since(sessionStart) / time.Second)
	return int((acquireCount + elapsed) % uint64(shardCount))
}

// Checkout is a borrowed backend connection tagged with the shard it must be
// returned to.
type Checkout struct {
	Conn  *server.Conn
	shard *shard
}

// Release returns the checked-out connection to its origin shard.
func (g *Group) Release(ck *Checkout, dirty bool) {
	ck.shard.release(ck.Conn, dirty)
}

// Stats aggregates all shard statistics for this pool.
func (g *Group) Stats() Stats {
	total := Stats{Database: g.id.Database, User: g.id.User, PoolMode: string(g.settings.PoolMode)}
	for _, sh := range g.shards {
		s := sh.stats()
		total.Active += s.Active
		total.Idle += s.Idle
		total.Total += s.Total
		total.Waiting += s.Waiting
		total.MaxConns += s.MaxConns
		total.MinConns += s.MinConns
		total.Exhausted += s.Exhausted
	}
	return total
}

func (g *Group) reapIdle(idleTimeout time.Duration) {
	for _, sh := range g.shards {
		sh.reapIdle(idleTimeout)
	}
}

func (g *Group) close() {
	for _, sh := range g.shards {
		sh.close()
	}
}

// Settings returns the group's resolved configuration.
func (g *Group) Settings() Settings { return g.settings }
