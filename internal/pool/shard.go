// Package pool implements doorman's bounded connection pools: one pool per
// (database, user) identifier, each internally split into virtual shards to
// reduce lock contention, with idle-connection reaping and a lock-free
// snapshot of the whole pool set for readers.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pgdoorman/doorman/internal/config"
	"github.com/pgdoorman/doorman/internal/server"
	"github.com/pgdoorman/doorman/internal/wire"
)

// Identifier names one pool by the (database, user) pair a client connects
// with, matching doorman's PoolIdentifier entity.
type Identifier struct {
	Database string
	User     string
}

func (id Identifier) String() string { return id.Database + "/" + id.User }

// Stats mirrors one shard's (or a whole group's aggregated) live counters.
type Stats struct {
	Database  string `json:"database"`
	User      string `json:"user"`
	PoolMode  string `json:"pool_mode"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_conns"`
	MinConns  int    `json:"min_conns"`
	Exhausted int64  `json:"exhausted_total"`
}

// Settings is the effective, already-resolved configuration for one pool —
// built by the Manager from config.Config's Defaults/DatabaseConfig/UserConfig
// override chain.
type Settings struct {
	Host             string
	Port             int
	Database         string
	User             string
	ServerUser       string
	ServerPassword   string
	PoolMode         config.PoolMode
	MaxConns         int
	MinConns         int
	VirtualPoolCount int
	IdleTimeout      time.Duration
	ServerLifetime   time.Duration
	ConnectTimeout   time.Duration
	AcquireTimeout   time.Duration
	CheckQuery       string

	MemoryBudget          *wire.MemoryBudget
	StreamingThreshold    int
	FlushTimeout          time.Duration
	CleanupConnections    bool
	SyncServerParameters  bool
	PreparedStatementSize int
}

// shard is one bounded sub-pool of real backend connections: a mutex+cond
// guarded idle stack and active set, creation gated by the total-vs-max
// comparison under the same lock.
type shard struct {
	mu   sync.Mutex
	cond *sync.Cond

	settings Settings

	idle    []*server.Conn
	active  map[*server.Conn]struct{}
	total   int
	waiting int

	exhausted int64
	closed    bool
}

func newShard(settings Settings) *shard {
	s := &shard{
		settings: settings,
		idle:     make([]*server.Conn, 0),
		active:   make(map[*server.Conn]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// acquire returns an existing idle connection or dials a new one, blocking
// under acquireTimeout (or ctx's own deadline, whichever is sooner) once the
// shard is at maxConns.
func (s *shard) acquire(ctx context.Context) (*server.Conn, error) {
	deadline := time.Now().Add(s.settings.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			s.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if s.closed {
			s.mu.Unlock()
			return nil, fmt.Errorf("pool closed for %s/%s", s.settings.Database, s.settings.User)
		}

		for len(s.idle) > 0 {
			c := s.idle[len(s.idle)-1]
			s.idle = s.idle[:len(s.idle)-1]

			if s.settings.ServerLifetime > 0 && c.Age() > s.settings.ServerLifetime {
				c.Close()
				s.total--
				continue
			}
			if s.settings.CheckQuery != "" && c.IdleFor() > 30*time.Second {
				if err := c.Ping(s.settings.CheckQuery); err != nil {
					c.Close()
					s.total--
					continue
				}
			}

			c.Touch()
			s.active[c] = struct{}{}
			s.mu.Unlock()
			return c, nil
		}

		if s.total < s.settings.MaxConns {
			s.total++
			s.mu.Unlock()

			c, err := s.dial(ctx)
			if err != nil {
				s.mu.Lock()
				s.total--
				s.mu.Unlock()
				return nil, fmt.Errorf("connecting to %s:%d for %s/%s: %w",
					s.settings.Host, s.settings.Port, s.settings.Database, s.settings.User, err)
			}
			c.Touch()
			s.mu.Lock()
			s.active[c] = struct{}{}
			s.mu.Unlock()
			return c, nil
		}

		s.waiting++
		s.exhausted++
		s.mu.Unlock()

		s.mu.Lock()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.waiting--
			s.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout for %s/%s: pool exhausted", s.settings.Database, s.settings.User)
		}

		timer := time.AfterFunc(remaining, func() { s.cond.Broadcast() })
		s.cond.Wait()
		timer.Stop()
		s.waiting--

		if s.closed {
			s.mu.Unlock()
			return nil, fmt.Errorf("pool closing for %s/%s", s.settings.Database, s.settings.User)
		}
		if time.Now().After(deadline) {
			s.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout for %s/%s: pool exhausted", s.settings.Database, s.settings.User)
		}
	}
}

func (s *shard) dial(ctx context.Context) (*server.Conn, error) {
	return server.Dial(ctx, server.Params{
		Host:                  s.settings.Host,
		Port:                  s.settings.Port,
		Database:              s.settings.Database,
		User:                  s.settings.User,
		ServerUser:            s.settings.ServerUser,
		ServerPassword:        s.settings.ServerPassword,
		DialTimeout:           s.settings.ConnectTimeout,
		MemoryBudget:          s.settings.MemoryBudget,
		StreamingThreshold:    s.settings.StreamingThreshold,
		FlushTimeout:          s.settings.FlushTimeout,
		CleanupConnections:    s.settings.CleanupConnections,
		SyncServerParameters:  s.settings.SyncServerParameters,
		PreparedStatementSize: s.settings.PreparedStatementSize,
	})
}

// release returns a connection to the shard. If dirty, the caller already
// knows the connection cannot be trusted (a client or backend I/O error mid
// exchange) and it is closed outright; otherwise release runs the checkin
// cleanup state machine itself, which may still mark the connection bad.
func (s *shard) release(c *server.Conn, dirty bool) {
	if !dirty {
		if err := c.Checkin(); err != nil || c.Bad() {
			dirty = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, c)

	if s.closed || dirty {
		c.Close()
		s.total--
		s.cond.Signal()
		return
	}

	c.Touch()
	s.idle = append(s.idle, c)
	s.cond.Signal()
}

func (s *shard) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Database:  s.settings.Database,
		User:      s.settings.User,
		PoolMode:  string(s.settings.PoolMode),
		Active:    len(s.active),
		Idle:      len(s.idle),
		Total:     s.total,
		Waiting:   s.waiting,
		MaxConns:  s.settings.MaxConns,
		MinConns:  s.settings.MinConns,
		Exhausted: s.exhausted,
	}
}

// reapIdle closes idle connections that have outlived idleTimeout, run
// periodically by the owning group.
func (s *shard) reapIdle(idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.idle[:0]
	for _, c := range s.idle {
		if c.IdleFor() > idleTimeout && s.total > s.settings.MinConns {
			c.Close()
			s.total--
			continue
		}
		kept = append(kept, c)
	}
	s.idle = kept
}

// drain closes idle connections and waits (bounded) for active ones to return.
func (s *shard) drain(timeout time.Duration) {
	s.mu.Lock()
	for _, c := range s.idle {
		c.Close()
		s.total--
	}
	s.idle = s.idle[:0]
	active := len(s.active)
	s.mu.Unlock()

	if active == 0 {
		return
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		if len(s.active) == 0 || time.Now().After(deadline) {
			for c := range s.active {
				c.Close()
				s.total--
			}
			s.active = make(map[*server.Conn]struct{})
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *shard) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.drain(30 * time.Second)
}
