// Package client drives one connected client's session: the simple and
// extended query protocols, transaction- and session-mode pool checkout
// boundaries, named prepared-statement rename-and-cache, and session pinning
// for state that cannot be virtualized across backend connections.
package client

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/doorman/internal/cancel"
	"github.com/pgdoorman/doorman/internal/config"
	"github.com/pgdoorman/doorman/internal/metrics"
	"github.com/pgdoorman/doorman/internal/pool"
	"github.com/pgdoorman/doorman/internal/pstmt"
	"github.com/pgdoorman/doorman/internal/server"
	"github.com/pgdoorman/doorman/internal/wire"
)

// Session owns the lifetime of one accepted client connection after it has
// authenticated and been mapped to a pool.
type Session struct {
	id         pool.Identifier
	clientConn *wire.ClientConn
	group      *pool.Group
	poolMode   config.PoolMode
	pstmts     *pstmt.Cache
	cancels    *cancel.Registry
	metrics    *metrics.Collector

	pid    int32
	secret int32

	activeConn atomic.Pointer[server.Conn]
	checkout   *pool.Checkout
	pinned     bool
	pinReason  string
	txnStart   time.Time
	names      statementNames

	// Virtual sharding: virtualPoolID is recomputed only
	// every tenth transaction, not on every acquire, so a session doesn't
	// thrash between shards mid-burst.
	sessionStart   time.Time
	acquireCounter uint64
	txnCount       uint64
	virtualPoolID  int

	// lastTxStatus mirrors the transaction-status letter a bare Sync with
	// nothing queued must echo back without touching any backend.
	lastTxStatus byte

	// extQueue holds extended-protocol messages (Parse/Bind/Describe/Execute/
	// Close) deferred until the client's Sync or Flush, so a lone Parse never
	// blocks waiting for a reply the backend won't send until flushed.
	extQueue []extendedEntry
}

// statementNames maps the client's own prepared-statement names to the
// process-wide canonical name doorman actually prepares on backends with.
type statementNames map[string]string

func (n *statementNames) put(clientName, canonical string) {
	if *n == nil {
		*n = make(statementNames)
	}
	(*n)[clientName] = canonical
}

func (n statementNames) get(clientName string) (string, bool) {
	v, ok := n[clientName]
	return v, ok
}

func (n statementNames) remove(clientName string) {
	delete(n, clientName)
}

// NewSession wires a just-authenticated client connection to its pool.
func NewSession(clientConn *wire.ClientConn, id pool.Identifier, group *pool.Group, pstmts *pstmt.Cache, cancels *cancel.Registry, m *metrics.Collector) (*Session, error) {
	s := &Session{
		id:           id,
		clientConn:   clientConn,
		group:        group,
		poolMode:     group.Settings().PoolMode,
		pstmts:       pstmts,
		cancels:      cancels,
		metrics:      m,
		sessionStart: time.Now(),
		lastTxStatus: 'I',
	}

	pid, secret, err := cancels.Register(s.cancel)
	if err != nil {
		return nil, err
	}
	s.pid, s.secret = pid, secret
	return s, nil
}

// cancel is invoked by the cancel.Registry when a matching CancelRequest
// arrives on an unrelated connection. Postgres cancellation is delivered
// out-of-band directly to the real backend, not by interrupting this
// session's read loop, so this dials the backend currently checked out (if
// any) and sends a genuine CancelRequest against its real identity.
func (s *Session) cancel() {
	conn := s.activeConn.Load()
	if conn == nil {
		return
	}
	settings := s.group.Settings()
	go sendCancelRequest(settings.Host, settings.Port, conn.BackendPID(), conn.SecretKey())
}

func sendCancelRequest(host string, port int, backendPID, secretKey int32) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		log.Printf("[client] cancel request dial failed: %v", err)
		return
	}
	defer conn.Close()

	req := &pgproto3.CancelRequest{ProcessID: uint32(backendPID), SecretKey: uint32(secretKey)}
	if _, err := conn.Write(req.Encode(nil)); err != nil {
		log.Printf("[client] cancel request send failed: %v", err)
	}
}

// Greet sends the synthetic AuthenticationOk/ParameterStatus/BackendKeyData/
// ReadyForQuery sequence a client expects once authenticated, using the
// session's own synthetic backend key rather than any real backend's (no
// backend is held yet in transaction mode).
func (s *Session) Greet(serverParams map[string]string) error {
	if err := s.clientConn.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return err
	}
	for k, v := range serverParams {
		if err := s.clientConn.Send(&pgproto3.ParameterStatus{Name: k, Value: v}); err != nil {
			return err
		}
	}
	if err := s.clientConn.Send(&pgproto3.BackendKeyData{ProcessID: uint32(s.pid), SecretKey: uint32(s.secret)}); err != nil {
		return err
	}
	return s.clientConn.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

// Run is the session's main loop: read a client message, acquire a backend if
// needed, forward, relay the backend's response(s), and release the backend
// at a transaction boundary unless the session is pinned.
func (s *Session) Run(ctx context.Context) error {
	defer s.cancels.Unregister(s.pid, s.secret)
	defer s.releaseIfHeld(false)

	if s.poolMode == config.PoolModeSession {
		if err := s.acquire(ctx); err != nil {
			return fmt.Errorf("acquiring session-mode backend: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := s.clientConn.Receive()
		if err != nil {
			return nil // client disconnected
		}

		switch m := msg.(type) {
		case *pgproto3.Terminate:
			return nil

		case *pgproto3.Query:
			handled, err := s.handleSimpleQuery(m)
			if err != nil {
				return err
			}
			if handled {
				continue
			}
			if err := s.acquireOrFail(ctx); err != nil {
				return err
			}
			s.notePin(m)
			if err := s.checkout.Conn.Wire().Send(m); err != nil {
				s.dirtyRelease()
				return fmt.Errorf("forwarding query to backend: %w", err)
			}
			if err := s.relayUntilReady(); err != nil {
				return err
			}

		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute, *pgproto3.Close:
			if err := s.acquireOrFail(ctx); err != nil {
				return err
			}
			if err := s.queueExtended(s.checkout.Conn, msg); err != nil {
				return fmt.Errorf("queuing extended-protocol message: %w", err)
			}

		case *pgproto3.Sync:
			if err := s.drainExtended(ctx, true); err != nil {
				return err
			}

		case *pgproto3.Flush:
			if err := s.drainExtended(ctx, false); err != nil {
				return err
			}

		case *pgproto3.CopyData:
			if s.checkout == nil {
				continue
			}
			if err := s.checkout.Conn.Wire().Send(m); err != nil {
				s.dirtyRelease()
				return fmt.Errorf("forwarding copy data to backend: %w", err)
			}

		case *pgproto3.CopyDone, *pgproto3.CopyFail:
			if s.checkout == nil {
				continue
			}
			if err := s.checkout.Conn.Wire().Send(msg); err != nil {
				s.dirtyRelease()
				return fmt.Errorf("forwarding copy end to backend: %w", err)
			}
			if err := s.relayUntilReady(); err != nil {
				return err
			}

		default:
			if err := s.acquireOrFail(ctx); err != nil {
				return err
			}
			if err := s.checkout.Conn.Wire().Send(msg); err != nil {
				s.dirtyRelease()
				return fmt.Errorf("forwarding message to backend: %w", err)
			}
			if err := s.relayUntilReady(); err != nil {
				return err
			}
		}
	}
}

// handleSimpleQuery answers a simple Query locally, with no backend checkout
// at all, when it matches one of doorman's own synthetic shortcuts: the
// configured pooler liveness-check query, or a DEALLOCATE of a single named
// statement (whose real counterpart lives in the process-wide cache and was
// never this connection's to deallocate). It reports whether it answered the
// query itself.
func (s *Session) handleSimpleQuery(m *pgproto3.Query) (bool, error) {
	trimmed := strings.TrimSpace(m.String)

	if check := s.group.Settings().CheckQuery; check != "" && trimmed == check {
		reply := append(wire.EmptyQueryResponseBytes(), wire.ReadyForQueryBytes('I')...)
		return true, s.clientConn.WriteRaw(reply)
	}

	if name, ok := parseDeallocateName(trimmed); ok {
		s.names.remove(name)
		reply := append(wire.CommandCompleteBytes("DEALLOCATE"), wire.ReadyForQueryBytes(s.lastTxStatus)...)
		return true, s.clientConn.WriteRaw(reply)
	}

	return false, nil
}

// parseDeallocateName extracts the statement name from a simple-protocol
// "DEALLOCATE [PREPARE] name" query, optionally quoted. DEALLOCATE ALL is
// deliberately left unhandled here — it must still reach the real backend,
// since it also clears statements doorman didn't register through the
// rename-and-cache scheme.
func parseDeallocateName(q string) (string, bool) {
	upper := strings.ToUpper(q)
	if !strings.HasPrefix(upper, "DEALLOCATE ") {
		return "", false
	}
	rest := strings.TrimSpace(q[len("DEALLOCATE "):])
	if strings.EqualFold(rest, "ALL") {
		return "", false
	}
	if strings.HasPrefix(strings.ToUpper(rest), "PREPARE ") {
		rest = strings.TrimSpace(rest[len("PREPARE "):])
	}
	rest = strings.TrimSuffix(rest, ";")
	rest = strings.TrimSpace(rest)
	rest = strings.Trim(rest, `"`)
	if rest == "" || strings.EqualFold(rest, "ALL") {
		return "", false
	}
	return rest, true
}

// acquireOrFail checks out a backend connection if the session doesn't
// already hold one, sending the client a FATAL error and returning a non-nil
// error if the pool cannot supply one.
func (s *Session) acquireOrFail(ctx context.Context) error {
	if s.checkout != nil {
		return nil
	}
	if err := s.acquire(ctx); err != nil {
		s.clientConn.Send(wire.NewError("FATAL", wire.CodeConnectionException, "cannot acquire backend connection"))
		return fmt.Errorf("acquiring backend: %w", err)
	}
	return nil
}

func (s *Session) acquire(ctx context.Context) error {
	if s.txnCount%10 == 0 {
		s.virtualPoolID = pool.NextVirtualPoolID(s.acquireCounter, s.sessionStart, s.group.VirtualPoolCount())
		s.acquireCounter++
	}

	start := time.Now()
	ck, err := s.group.Acquire(ctx, s.virtualPoolID)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PoolExhausted(s.id.Database + "/" + s.id.User)
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.AcquireDuration(s.id.Database, s.id.User, time.Since(start))
	}
	s.checkout = ck
	s.activeConn.Store(ck.Conn)
	s.txnStart = time.Now()
	return nil
}

func (s *Session) notePin(msg pgproto3.FrontendMessage) {
	if s.pinned {
		return
	}
	if reason, pin := detectPin(msg); pin {
		s.pinned = true
		s.pinReason = reason
		if s.metrics != nil {
			s.metrics.SessionPinned(s.id.Database, reason)
		}
	}
}

func txStatusByte(conn *server.Conn) byte {
	if conn.InTransaction() {
		return 'T'
	}
	return 'I'
}

// clientParamSink relays a backend's ParameterStatus straight to the client,
// used as Conn.Recv's callback.
func (s *Session) clientParamSink(name, value string) {
	_ = s.clientConn.Send(&pgproto3.ParameterStatus{Name: name, Value: value})
}

// relayUntilReady drains the simple-protocol (or generic, non-extended)
// response to whatever was just forwarded, looping Conn.Recv across any
// coalesce-threshold pauses until a real ReadyForQuery is reached or the
// backend has transitioned into copy mode and is waiting on the client.
func (s *Session) relayUntilReady() error {
	conn := s.checkout.Conn
	clientWriter := s.clientConn.Raw()

	for {
		if _, err := conn.Recv(clientWriter, s.clientParamSink); err != nil {
			s.dirtyRelease()
			return fmt.Errorf("reading from backend: %w", err)
		}
		if conn.InCopyMode() {
			return nil
		}
		if conn.DataAvailable() {
			continue
		}
		break
	}

	s.lastTxStatus = txStatusByte(conn)

	if s.metrics != nil && !s.txnStart.IsZero() {
		s.metrics.TransactionCompleted(s.id.Database, s.id.User, time.Since(s.txnStart))
	}
	s.txnCount++

	if !conn.InTransaction() && !s.pinned && s.poolMode == config.PoolModeTransaction {
		s.releaseIfHeld(false)
	}
	return nil
}

// drainExtended is the Sync/Flush-triggered drain of the extended-protocol
// queue: it assembles the pending batch, forwards whatever
// needs forwarding in one write, reads the backend's reply with Conn.Recv,
// splices in any locally-synthesized responses at their right place via
// wire.Reorder, and delivers the merged stream to the client in a single
// write. isSync distinguishes a real Sync (always ends in ReadyForQuery, and
// is the only point a transaction-mode checkout is released) from a Flush
// (ends on the last queued message's own async reply, never ReadyForQuery).
func (s *Session) drainExtended(ctx context.Context, isSync bool) error {
	outbound, synthetic, lastKind := s.buildBatch()

	if len(outbound) == 0 {
		// Every queued entry (if any) was answered synthetically; nothing to
		// send the backend, so reply directly without a round trip.
		for _, sm := range synthetic {
			if err := s.clientConn.WriteRaw(sm.Bytes); err != nil {
				return nil
			}
		}
		if isSync {
			if err := s.clientConn.WriteRaw(wire.ReadyForQueryBytes(s.lastTxStatus)); err != nil {
				return nil
			}
		}
		return nil
	}

	if err := s.acquireOrFail(ctx); err != nil {
		return err
	}
	conn := s.checkout.Conn

	if isSync {
		outbound = append(outbound, (&pgproto3.Sync{}).Encode(nil)...)
		conn.SetFlushWaitCode(0)
	} else {
		conn.SetFlushWaitCode(responseLetterFor(lastKind))
	}

	if err := conn.Wire().WriteRaw(outbound); err != nil {
		s.dirtyRelease()
		return fmt.Errorf("writing extended-protocol batch to backend: %w", err)
	}

	var buf bytes.Buffer
	for {
		if _, err := conn.Recv(&buf, s.clientParamSink); err != nil {
			s.dirtyRelease()
			return fmt.Errorf("reading backend response to extended-protocol batch: %w", err)
		}
		if !isSync {
			break // Flush exits as soon as the awaited async reply lands
		}
		if conn.DataAvailable() {
			continue
		}
		break
	}

	merged := wire.Reorder(buf.Bytes(), synthetic)
	if err := s.clientConn.WriteRaw(merged); err != nil {
		return nil
	}

	if isSync {
		s.lastTxStatus = txStatusByte(conn)
		if s.metrics != nil && !s.txnStart.IsZero() {
			s.metrics.TransactionCompleted(s.id.Database, s.id.User, time.Since(s.txnStart))
		}
		s.txnCount++

		if !conn.InTransaction() && !s.pinned && s.poolMode == config.PoolModeTransaction {
			s.releaseIfHeld(false)
		}
	}
	return nil
}

func (s *Session) releaseIfHeld(dirty bool) {
	if s.checkout == nil {
		return
	}
	s.group.Release(s.checkout, dirty)
	s.checkout = nil
	s.activeConn.Store(nil)
	s.txnStart = time.Time{}
}

// dirtyRelease is used when the client disconnects or the backend connection
// itself fails mid-exchange: the connection cannot be trusted and is closed
// rather than checked in and reused.
func (s *Session) dirtyRelease() {
	if s.metrics != nil {
		s.metrics.DirtyDisconnect(s.id.Database)
	}
	s.releaseIfHeld(true)
}

func detectPin(msg pgproto3.FrontendMessage) (reason string, pinned bool) {
	switch m := msg.(type) {
	case *pgproto3.Query:
		q := strings.ToUpper(strings.TrimSpace(m.String))
		if strings.HasPrefix(q, "LISTEN") || strings.HasPrefix(q, "NOTIFY") || strings.HasPrefix(q, "SET SESSION") {
			return strings.Fields(q)[0], true
		}
	}
	return "", false
}
