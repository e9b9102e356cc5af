package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgdoorman/doorman/internal/config"
	"github.com/pgdoorman/doorman/internal/wire"
)

// snapshot is an immutable view of the whole pool set. Manager swaps in a new
// snapshot on every Reload, so lookups never block behind a config reload and
// never observe a partially-rebuilt map — an atomic.Value load/clone/replace
// pattern.
type snapshot struct {
	groups map[Identifier]*Group
}

// Manager owns every pool Group and reconciles them against configuration
// reloads.
type Manager struct {
	cur          atomic.Value // holds *snapshot
	mu           sync.Mutex   // serializes Reload/Close against each other
	reapInterval time.Duration
	reapStop     chan struct{}

	// budget is shared by every backend connection in every pool: the
	// in-flight memory cap is process-wide, not per-pool, since what it
	// guards against is total concurrent buffered reads regardless of which
	// client or database they belong to.
	budget *wire.MemoryBudget
}

// NewManager builds the initial pool set from cfg.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		reapInterval: 30 * time.Second,
		reapStop:     make(chan struct{}),
		budget:       wire.NewMemoryBudget(cfg.MaxMemoryUsageBytes),
	}
	m.cur.Store(&snapshot{groups: buildGroups(cfg, nil, m.budget)})
	go m.reapLoop()
	return m
}

func buildGroups(cfg *config.Config, prev map[Identifier]*Group, budget *wire.MemoryBudget) map[Identifier]*Group {
	groups := make(map[Identifier]*Group)
	hashes := cfg.ConfigHash()

	for dbName, db := range cfg.Databases {
		for userName, u := range cfg.Users {
			id := Identifier{Database: dbName, User: userName}
			key := dbName + "/" + userName

			newHash := hashes[key]
			if prev != nil {
				if existing, ok := prev[id]; ok && existing.configHash == newHash {
					// Keep the running Group by identity if its configuration
					// fingerprint is unchanged, so in-flight checkouts and
					// warmed connections survive the reload untouched.
					groups[id] = existing
					continue
				}
			}

			settings := resolveSettings(db, u, cfg.Defaults, cfg.PoolerCheckQuery, cfg.StreamingThreshold, budget)
			g := NewGroup(id, settings)
			g.configHash = newHash
			groups[id] = g
		}
	}
	return groups
}

func resolveSettings(db config.DatabaseConfig, u config.UserConfig, d config.Defaults, checkQuery string, streamingThreshold int, budget *wire.MemoryBudget) Settings {
	poolMode := d.PoolMode
	if u.PoolMode != nil {
		poolMode = *u.PoolMode
	} else if db.PoolMode != nil {
		poolMode = *db.PoolMode
	}

	maxConns := d.PoolSize
	if u.PoolSize != nil {
		maxConns = *u.PoolSize
	} else if db.PoolSize != nil {
		maxConns = *db.PoolSize
	}

	minConns := d.MinPoolSize
	if u.MinPoolSize != nil {
		minConns = *u.MinPoolSize
	}

	vpc := d.VirtualPoolCount
	if u.VirtualPoolCount != nil {
		vpc = *u.VirtualPoolCount
	}

	lifetime := d.ServerLifetime
	if u.ServerLifetime != nil {
		lifetime = *u.ServerLifetime
	}

	serverUser := u.ServerUsername
	if serverUser == "" {
		serverUser = u.Username
	}
	serverPassword := u.ServerPassword
	if serverPassword == "" {
		serverPassword = u.Credential.PlainPass
	}

	return Settings{
		Host:             db.Host,
		Port:             db.Port,
		Database:         db.DBName,
		User:             u.Username,
		ServerUser:       serverUser,
		ServerPassword:   serverPassword,
		PoolMode:         poolMode,
		MaxConns:         maxConns,
		MinConns:         minConns,
		VirtualPoolCount: vpc,
		IdleTimeout:      d.IdleTimeout,
		ServerLifetime:   lifetime,
		ConnectTimeout:   d.ConnectTimeout,
		AcquireTimeout:   d.QueryWaitTimeout,
		CheckQuery:       checkQuery,

		MemoryBudget:          budget,
		StreamingThreshold:    streamingThreshold,
		FlushTimeout:          10 * time.Second,
		CleanupConnections:    d.CleanupConnections,
		SyncServerParameters:  d.SyncServerParameters,
		PreparedStatementSize: 256,
	}
}

func (m *Manager) load() *snapshot {
	return m.cur.Load().(*snapshot)
}

// Get returns the Group for id, or false if no such pool is configured.
func (m *Manager) Get(id Identifier) (*Group, bool) {
	g, ok := m.load().groups[id]
	return g, ok
}

// Reload rebuilds the pool set from a newly loaded Config, preserving any
// Group whose configuration fingerprint is unchanged and draining+replacing
// any Group that was removed or reconfigured.
func (m *Manager) Reload(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.load()
	next := buildGroups(cfg, old.groups, m.budget)
	m.cur.Store(&snapshot{groups: next})

	for id, g := range old.groups {
		if ng, stillPresent := next[id]; !stillPresent || ng != g {
			g.close()
		}
	}
}

// AllStats returns a snapshot of every pool's aggregated statistics.
func (m *Manager) AllStats() map[Identifier]Stats {
	snap := m.load()
	out := make(map[Identifier]Stats, len(snap.groups))
	for id, g := range snap.groups {
		out[id] = g.Stats()
	}
	return out
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := m.load()
			for _, g := range snap.groups {
				g.reapIdle(g.settings.IdleTimeout)
			}
		case <-m.reapStop:
			return
		}
	}
}

// Close drains and closes every pool.
func (m *Manager) Close() error {
	close(m.reapStop)
	snap := m.load()
	for _, g := range snap.groups {
		g.close()
	}
	return nil
}

// IdentifierFromStartup resolves the (database, user) a connecting client
// asked for into the Identifier a pool is registered under. Returns an error
// if no such (database, user) combination is configured.
func (m *Manager) IdentifierFromStartup(database, user string) (Identifier, error) {
	id := Identifier{Database: database, User: user}
	if _, ok := m.Get(id); !ok {
		return Identifier{}, fmt.Errorf("no pool configured for database %q user %q", database, user)
	}
	return id, nil
}
