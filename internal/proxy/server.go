// Package proxy accepts client connections, negotiates TLS, and hands each
// connection off to the Postgres wire-protocol handler.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pgdoorman/doorman/internal/affinity"
	"github.com/pgdoorman/doorman/internal/cancel"
	"github.com/pgdoorman/doorman/internal/config"
	"github.com/pgdoorman/doorman/internal/hba"
	"github.com/pgdoorman/doorman/internal/health"
	"github.com/pgdoorman/doorman/internal/metrics"
	"github.com/pgdoorman/doorman/internal/pool"
	"github.com/pgdoorman/doorman/internal/pstmt"
	"github.com/pgdoorman/doorman/internal/ratelimit"
)

// Server is the main TCP proxy server: one or more listeners (TCP and/or
// Unix socket) feeding a shared pool of backend connections.
type Server struct {
	cfg       atomic.Pointer[config.Config]
	allowList atomic.Pointer[hba.AllowList]

	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	cancels     *cancel.Registry
	pstmts      *pstmt.Cache
	limiter     *ratelimit.Limiter
	tlsConfig   *tls.Config

	activeConns atomic.Int64
	nextWorker  atomic.Int64

	listeners []net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new proxy server bound to the given components. Call
// SetConfig before Listen to install the initial configuration.
func NewServer(pm *pool.Manager, hc *health.Checker, m *metrics.Collector, cancels *cancel.Registry, pstmts *pstmt.Cache) *Server {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &Server{
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		cancels:     cancels,
		pstmts:      pstmts,
		ctx:         ctx,
		cancel:      cancelFn,
	}
}

// SetConfig installs cfg as the configuration new connections are evaluated
// against — the allow-list, rate limiter, admin credentials, and TLS
// material are all rebuilt from it. Safe to call concurrently with Listen
// and with in-flight connections (existing sessions are unaffected).
func (s *Server) SetConfig(cfg *config.Config) error {
	al, err := hba.New(cfg.HBA)
	if err != nil {
		return fmt.Errorf("building hba allow-list: %w", err)
	}
	s.allowList.Store(al)
	s.limiter = ratelimit.New(cfg.RateLimit.ConnectionsPerSecond, cfg.RateLimit.Burst)

	if cfg.Listen.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			log.Printf("[proxy] WARNING: failed to load TLS cert/key: %v — TLS disabled", err)
			s.tlsConfig = nil
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			log.Printf("[proxy] TLS enabled (cert: %s)", cfg.Listen.TLSCert)
		}
	} else {
		s.tlsConfig = nil
	}

	s.cfg.Store(cfg)
	return nil
}

func (s *Server) config() *config.Config { return s.cfg.Load() }

// ListenTCP starts the PostgreSQL proxy TCP listener.
func (s *Server) ListenTCP(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	log.Printf("[proxy] listening on %s", addr)
	s.serve(ln)
	return nil
}

// ListenUnix starts a Unix domain socket listener in dir, named the way
// libpq expects (.s.PGSQL.<port>).
func (s *Server) ListenUnix(dir string, port int) error {
	if dir == "" {
		return nil
	}
	path := fmt.Sprintf("%s/.s.PGSQL.%d", dir, port)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on unix socket %s: %w", path, err)
	}
	log.Printf("[proxy] listening on %s", path)
	s.serve(ln)
	return nil
}

func (s *Server) serve(ln net.Listener) {
	s.listeners = append(s.listeners, ln)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[proxy] accept error: %v", err)
				continue
			}
		}

		cfg := s.config()
		if cfg != nil && cfg.Listen.MaxConnections > 0 && s.activeConns.Load() >= int64(cfg.Listen.MaxConnections) {
			log.Printf("[proxy] rejecting %s: max_connections reached", conn.RemoteAddr())
			conn.Close()
			if s.metrics != nil {
				s.metrics.ClientConnectionRejected()
			}
			continue
		}

		remoteAddr := conn.RemoteAddr().String()
		if al := s.allowList.Load(); al != nil && !al.Allowed(remoteAddr) {
			log.Printf("[proxy] rejecting %s: not in allow-list", remoteAddr)
			conn.Close()
			if s.metrics != nil {
				s.metrics.ClientConnectionRejected()
			}
			continue
		}
		if s.limiter != nil {
			host, _, _ := net.SplitHostPort(remoteAddr)
			if !s.limiter.Allow(host) {
				log.Printf("[proxy] rate-limiting %s", remoteAddr)
				conn.Close()
				if s.metrics != nil {
					s.metrics.RateLimited(host)
					s.metrics.ClientConnectionRejected()
				}
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	if cfg := s.config(); cfg != nil && cfg.CPUAffinity {
		workers := cfg.WorkerThreads
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
		affinity.Pin(int(s.nextWorker.Add(1)) % workers)
	}

	if s.metrics != nil {
		s.metrics.ClientConnectionAccepted()
	}

	h := &Handler{
		poolMgr:     s.poolMgr,
		healthCheck: s.healthCheck,
		metrics:     s.metrics,
		cancels:     s.cancels,
		pstmts:      s.pstmts,
		tlsConfig:   s.tlsConfig,
		cfg:         s.config(),
	}

	if err := h.Handle(s.ctx, conn); err != nil {
		log.Printf("[proxy] connection error: %v", err)
	}
}

// Stop shuts down the server: it cancels the shared context (each in-flight
// session returns once it next checks it), closes every listener so new
// connections are refused, and waits for all connection goroutines to finish.
func (s *Server) Stop() {
	s.cancel()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.wg.Wait()
	log.Printf("[proxy] server stopped")
}
