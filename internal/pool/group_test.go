package pool

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/doorman/internal/config"
)

// fakeBackend is a minimal Postgres server good enough for a Conn to dial,
// authenticate against (no password requested) and issue reset/check queries
// to, so pool/shard/group behavior can be exercised without a real backend.
type fakeBackend struct {
	ln net.Listener
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	fb := &fakeBackend{ln: ln}
	go fb.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBackend) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(fb.ln.Addr().String())
	if err != nil {
		t.Fatalf("splitting listener addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing listener port: %v", err)
	}
	return host, port
}

func (fb *fakeBackend) acceptLoop() {
	for {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		go fb.serve(conn)
	}
}

func (fb *fakeBackend) serve(conn net.Conn) {
	defer conn.Close()
	be := pgproto3.NewBackend(conn, conn)
	if _, err := be.ReceiveStartupMessage(); err != nil {
		return
	}
	if err := be.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return
	}
	if err := be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}); err != nil {
		return
	}
	for {
		msg, err := be.Receive()
		if err != nil {
			return
		}
		switch msg.(type) {
		case *pgproto3.Query:
			if be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}) != nil {
				return
			}
		case *pgproto3.Terminate:
			return
		}
	}
}

func testSettings(t *testing.T, fb *fakeBackend, maxConns, minConns, vpc int) Settings {
	host, port := fb.hostPort(t)
	return Settings{
		Host:             host,
		Port:             port,
		Database:         "testdb",
		User:             "alice",
		ServerUser:       "alice",
		PoolMode:         config.PoolModeTransaction,
		MaxConns:         maxConns,
		MinConns:         minConns,
		VirtualPoolCount: vpc,
		ConnectTimeout:   2 * time.Second,
		AcquireTimeout:   500 * time.Millisecond,
	}
}

func TestGroupAcquireRelease(t *testing.T) {
	fb := newFakeBackend(t)
	g := NewGroup(Identifier{Database: "testdb", User: "alice"}, testSettings(t, fb, 2, 0, 1))

	ck, err := g.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if stats := g.Stats(); stats.Active != 1 || stats.Total != 1 {
		t.Errorf("expected active=1 total=1, got %+v", stats)
	}

	g.Release(ck, false)
	if stats := g.Stats(); stats.Active != 0 || stats.Idle != 1 {
		t.Errorf("expected active=0 idle=1 after release, got %+v", stats)
	}

	ck2, err := g.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if stats := g.Stats(); stats.Total != 1 {
		t.Errorf("expected the idle connection to be reused, total=%d", stats.Total)
	}
	g.Release(ck2, false)
}

func TestGroupAcquireExhaustedTimesOut(t *testing.T) {
	fb := newFakeBackend(t)
	g := NewGroup(Identifier{Database: "testdb", User: "alice"}, testSettings(t, fb, 1, 0, 1))

	ck, err := g.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	start := time.Now()
	_, err = g.Acquire(context.Background(), 0)
	if err == nil {
		t.Fatal("expected acquire timeout error with the pool exhausted")
	}
	if time.Since(start) < 400*time.Millisecond {
		t.Errorf("expected acquire to block roughly until AcquireTimeout, took %v", time.Since(start))
	}

	if stats := g.Stats(); stats.Exhausted < 1 {
		t.Errorf("expected exhausted counter to have incremented, got %+v", stats)
	}

	g.Release(ck, false)
}

func TestGroupReleaseDirtyClosesConnection(t *testing.T) {
	fb := newFakeBackend(t)
	g := NewGroup(Identifier{Database: "testdb", User: "alice"}, testSettings(t, fb, 2, 0, 1))

	ck, err := g.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	g.Release(ck, true)

	if stats := g.Stats(); stats.Total != 0 || stats.Idle != 0 {
		t.Errorf("expected a dirty release to drop the connection entirely, got %+v", stats)
	}
}

func TestGroupVirtualShardingDistributesAcrossShards(t *testing.T) {
	fb := newFakeBackend(t)
	g := NewGroup(Identifier{Database: "testdb", User: "alice"}, testSettings(t, fb, 4, 0, 2))

	if len(g.shards) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(g.shards))
	}

	var checkouts []*Checkout
	for i := 0; i < 4; i++ {
		ck, err := g.Acquire(context.Background(), i)
		if err != nil {
			t.Fatalf("Acquire #%d: %v", i, err)
		}
		checkouts = append(checkouts, ck)
	}

	for _, sh := range g.shards {
		if s := sh.stats(); s.Active != 2 {
			t.Errorf("expected each shard to hold 2 of the 4 checkouts, got %d", s.Active)
		}
	}

	for _, ck := range checkouts {
		g.Release(ck, false)
	}
}

func TestNextVirtualPoolIDWrapsAcrossShardCount(t *testing.T) {
	start := time.Now()
	id := NextVirtualPoolID(5, start, 4)
	if id < 0 || id >= 4 {
		t.Fatalf("expected a virtual pool id in [0,4), got %d", id)
	}
	if got := NextVirtualPoolID(0, start, 1); got != 0 {
		t.Errorf("expected a single-shard group to always resolve to 0, got %d", got)
	}
}

func TestGroupCloseDrainsIdleConnections(t *testing.T) {
	fb := newFakeBackend(t)
	g := NewGroup(Identifier{Database: "testdb", User: "alice"}, testSettings(t, fb, 2, 0, 1))

	ck, err := g.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	g.Release(ck, false)

	g.close()

	if stats := g.Stats(); stats.Total != 0 {
		t.Errorf("expected close() to drain idle connections, got total=%d", stats.Total)
	}

	if _, err := g.Acquire(context.Background(), 0); err == nil {
		t.Error("expected Acquire on a closed group to fail")
	}
}

func TestManagerReloadPreservesUnchangedGroup(t *testing.T) {
	fb := newFakeBackend(t)
	host, port := fb.hostPort(t)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"testdb": {Host: host, Port: port, DBName: "testdb"},
		},
		Users: map[string]config.UserConfig{
			"alice": {Username: "alice", Password: "hunter2"},
		},
		Defaults: config.Defaults{PoolMode: config.PoolModeTransaction, PoolSize: 5, VirtualPoolCount: 1},
	}
	m := NewManager(cfg)
	defer m.Close()

	id := Identifier{Database: "testdb", User: "alice"}
	g1, ok := m.Get(id)
	if !ok {
		t.Fatal("expected testdb/alice pool to exist")
	}

	m.Reload(cfg)
	g2, ok := m.Get(id)
	if !ok {
		t.Fatal("expected testdb/alice pool to still exist after reload")
	}
	if g1 != g2 {
		t.Error("expected an unchanged pool to be kept by identity across Reload")
	}
}

func TestManagerIdentifierFromStartupUnknownPool(t *testing.T) {
	cfg := &config.Config{}
	m := NewManager(cfg)
	defer m.Close()

	if _, err := m.IdentifierFromStartup("nope", "nobody"); err == nil {
		t.Error("expected an error for an unconfigured database/user pair")
	}
}
