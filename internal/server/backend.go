// Package server manages the lifecycle of a single connection to a real
// Postgres backend: dialing, authenticating, relaying the extended send/recv
// loop, the checkin cleanup state machine, and per-connection
// prepared-statement bookkeeping.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/doorman/internal/auth"
	"github.com/pgdoorman/doorman/internal/wire"
)

// coalesceSize is the forwarded-byte threshold at which Recv returns control
// to its caller rather than continuing to accumulate DataRow/CopyData
// frames, so a caller relaying many rows can flush/yield periodically
// instead of buffering an entire result set before the client sees any of it.
const coalesceSize = 8 << 10

// trackedParameterKeys are the session parameters sync_server_parameters
// reconciles at checkin: the set a client's SET statements most commonly
// touch and that differ visibly if left stale on a reused connection.
var trackedParameterKeys = []string{
	"client_encoding",
	"DateStyle",
	"TimeZone",
	"standard_conforming_strings",
	"application_name",
}

// Params describes the backend a Conn should dial and authenticate against.
type Params struct {
	Host           string
	Port           int
	Database       string
	User           string
	ServerUser     string // defaults to User if empty
	ServerPassword string
	DialTimeout    time.Duration
	TLSConfig      interface{} // *tls.Config, kept untyped; Dial does not consult it (backend connections are plaintext)

	MemoryBudget          *wire.MemoryBudget
	StreamingThreshold    int           // DataRow payloads larger than this stream straight through instead of buffering
	FlushTimeout          time.Duration // bound on a single streamed-row copy
	CleanupConnections    bool          // whether checkin issues the RESET ROLE/ALL/DEALLOCATE/CLOSE sequence
	SyncServerParameters  bool          // whether checkin reconciles trackedParameterKeys back to baseline
	PreparedStatementSize int           // per-connection prepared-statement LRU capacity
}

// cleanupState tracks the dirty-session bits CommandComplete tags surface
// during the send/recv loop, consumed (and cleared) at checkin.
type cleanupState struct {
	needsResetSet     bool // a SET was run mid-session
	needsDeallocate   bool // an ErrorResponse arrived; the transaction may have left statements half-bound
	needsCloseCursors bool // a DECLARE CURSOR was run mid-session
}

func (c cleanupState) dirty() bool {
	return c.needsResetSet || c.needsDeallocate || c.needsCloseCursors
}

// Conn wraps one authenticated connection to a real Postgres backend.
type Conn struct {
	netConn    net.Conn
	wireConn   *wire.ServerConn
	params     Params
	backendPID int32
	secretKey  int32
	params_    map[string]string // ParameterStatus values collected at startup
	baseline   map[string]string // ParameterStatus snapshot right after startup, restored at checkin
	createdAt  time.Time
	lastUsedAt time.Time

	// Per-message-loop state, set by Recv and consulted by the checkin
	// cleanup machine.
	inTransaction bool
	inCopyMode    bool
	dataAvailable bool
	bad           bool
	flushWaitCode byte // letter of the last extended-protocol op awaiting an async reply ('1','2','T','C'), 0 if none
	cleanup       cleanupState

	prepared            *lru.Cache[string, struct{}]
	suppressEvictBatch  bool
	pendingBatch        []byte // Close('S', evicted) frames accumulated by prepared-statement eviction, flushed by the caller before its own next batch
}

// Dial opens a TCP connection to the configured backend (or the Unix-domain
// socket <Host>/.s.PGSQL.<Port> when Host starts with '/'), performs the
// PostgreSQL startup/authentication handshake, and returns a ready-to-use
// Conn once ReadyForQuery arrives.
func Dial(ctx context.Context, p Params) (*Conn, error) {
	network, addr := "tcp", net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Port))
	if strings.HasPrefix(p.Host, "/") {
		network, addr = "unix", fmt.Sprintf("%s/.s.PGSQL.%d", p.Host, p.Port)
	}
	dialer := net.Dialer{Timeout: p.DialTimeout, KeepAlive: 30 * time.Second}
	netConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing backend %s: %w", addr, err)
	}

	wc := wire.NewServerConn(netConn)
	serverUser := p.ServerUser
	if serverUser == "" {
		serverUser = p.User
	}

	startup := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":             serverUser,
			"database":         p.Database,
			"application_name": "doorman",
		},
	}
	if err := wc.Send(startup); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("sending startup message: %w", err)
	}

	preparedSize := p.PreparedStatementSize
	if preparedSize < 1 {
		preparedSize = 256
	}

	c := &Conn{
		netConn:    netConn,
		wireConn:   wc,
		params:     p,
		params_:    make(map[string]string),
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}
	prepared, err := lru.NewWithEvict[string, struct{}](preparedSize, func(name string, _ struct{}) {
		if c.suppressEvictBatch {
			return
		}
		c.pendingBatch = append(c.pendingBatch, wire.CloseStatementBytes(name)...)
	})
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("creating per-connection prepared statement cache: %w", err)
	}
	c.prepared = prepared

	if err := c.completeHandshake(serverUser, p.ServerPassword); err != nil {
		netConn.Close()
		return nil, err
	}
	c.baseline = c.ParameterStatuses()
	return c, nil
}

func (c *Conn) completeHandshake(serverUser, serverPassword string) error {
	for {
		msg, err := c.wireConn.Receive()
		if err != nil {
			return fmt.Errorf("reading startup response: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			// fallthrough to ParameterStatus/BackendKeyData/ReadyForQuery loop
		case *pgproto3.AuthenticationCleartextPassword, *pgproto3.AuthenticationMD5Password, *pgproto3.AuthenticationSASL:
			if err := c.authenticateWith(msg, serverUser, serverPassword); err != nil {
				return err
			}
			continue
		case *pgproto3.ParameterStatus:
			c.params_[m.Name] = m.Value
			continue
		case *pgproto3.BackendKeyData:
			c.backendPID = m.ProcessID
			c.secretKey = m.SecretKey
			continue
		case *pgproto3.ReadyForQuery:
			if m.TxStatus != 'I' {
				return fmt.Errorf("backend not idle after startup (transaction status %q)", m.TxStatus)
			}
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("backend rejected startup: %s", m.Message)
		default:
			continue
		}
	}
}

// authenticateWith dispatches a single already-received Authentication*
// message to the right mechanism, without re-reading it from the wire (unlike
// auth.AuthenticateToServer, which expects to read the first message itself).
func (c *Conn) authenticateWith(msg pgproto3.BackendMessage, serverUser, serverPassword string) error {
	switch m := msg.(type) {
	case *pgproto3.AuthenticationCleartextPassword:
		if err := c.wireConn.Send(&pgproto3.PasswordMessage{Password: serverPassword}); err != nil {
			return fmt.Errorf("sending cleartext password: %w", err)
		}
		return c.expectOK()
	case *pgproto3.AuthenticationMD5Password:
		return auth.ClientMD5(c.wireConn, serverUser, serverPassword, m.Salt)
	case *pgproto3.AuthenticationSASL:
		return auth.ClientSCRAM(c.wireConn, serverUser, serverPassword, m)
	default:
		return fmt.Errorf("unsupported authentication message: %T", msg)
	}
}

func (c *Conn) expectOK() error {
	msg, err := c.wireConn.Receive()
	if err != nil {
		return fmt.Errorf("reading AuthenticationOk: %w", err)
	}
	if _, ok := msg.(*pgproto3.AuthenticationOk); !ok {
		return fmt.Errorf("expected AuthenticationOk, got %T", msg)
	}
	return nil
}

// Wire exposes the underlying protocol codec for relaying client traffic.
func (c *Conn) Wire() *wire.ServerConn { return c.wireConn }

// Net exposes the raw connection (for setting deadlines, closing, etc).
func (c *Conn) Net() net.Conn { return c.netConn }

// BackendPID and SecretKey return the real backend's own identity, used only
// if doorman ever needs to issue a genuine CancelRequest against it.
func (c *Conn) BackendPID() int32 { return c.backendPID }
func (c *Conn) SecretKey() int32  { return c.secretKey }

// ParameterStatus returns the value collected for name at startup.
func (c *Conn) ParameterStatus(name string) string { return c.params_[name] }

// ParameterStatuses returns a copy of all collected ParameterStatus values.
func (c *Conn) ParameterStatuses() map[string]string {
	out := make(map[string]string, len(c.params_))
	for k, v := range c.params_ {
		out[k] = v
	}
	return out
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.netConn.Close() }

// Age reports how long ago this connection was dialed.
func (c *Conn) Age() time.Duration { return time.Since(c.createdAt) }

// Touch records that this connection was just handed out or returned.
func (c *Conn) Touch() { c.lastUsedAt = time.Now() }

// IdleFor reports how long this connection has sat unused.
func (c *Conn) IdleFor() time.Duration { return time.Since(c.lastUsedAt) }

// Bad reports whether the connection is in a state that makes it unsafe to
// return to the pool (mid-copy, data still queued, a buffered client write
// that never completed, or a streamed-row copy that failed partway through).
func (c *Conn) Bad() bool { return c.bad }

// MarkBad flags the connection as unsafe to reuse; the pool must close it
// instead of returning it to the idle set.
func (c *Conn) MarkBad() { c.bad = true }

// InTransaction reports the transaction status captured from the most recent
// ReadyForQuery.
func (c *Conn) InTransaction() bool { return c.inTransaction }

// InCopyMode reports whether Recv last exited on a CopyIn/CopyOut transition,
// meaning the backend is waiting on CopyData from the client before it will
// say anything else.
func (c *Conn) InCopyMode() bool { return c.inCopyMode }

// DataAvailable reports whether Recv last exited mid-result-set (a coalesce
// threshold or a streamed large row), with more backend output still to come
// before the next ReadyForQuery.
func (c *Conn) DataAvailable() bool { return c.dataAvailable }

// Recv reads and forwards backend messages to clientWriter until a
// ReadyForQuery, a copy-mode transition, or a coalesce threshold ends this
// call, dispatching on type code. It
// returns the number of bytes forwarded. clientParamSink, if non-nil, is
// invoked for every ParameterStatus the backend sends so the caller can
// propagate it to its own client.
func (c *Conn) Recv(clientWriter io.Writer, clientParamSink func(name, value string)) (int, error) {
	r := c.wireConn.Reader()
	forwarded := 0

	for {
		typ, length, err := wire.PeekFrameHeader(r)
		if err != nil {
			return forwarded, fmt.Errorf("peeking frame header: %w", err)
		}

		threshold := c.params.StreamingThreshold
		if typ == 'D' && threshold > 0 && int(length)-4 > threshold {
			c.dataAvailable = true
			if err := wire.StreamDataRow(r, clientWriter, length, c.params.FlushTimeout); err != nil {
				c.bad = true
				return forwarded, fmt.Errorf("streaming large DataRow: %w", err)
			}
			forwarded += int(length) + 1
			if forwarded >= coalesceSize {
				return forwarded, nil
			}
			continue
		}

		frame, err := wire.ReadFrame(r, c.params.MemoryBudget)
		if err != nil {
			c.bad = true
			return forwarded, fmt.Errorf("reading frame from backend: %w", err)
		}
		if _, err := clientWriter.Write(frame.Raw); err != nil {
			return forwarded, fmt.Errorf("forwarding frame to client: %w", err)
		}
		forwarded += len(frame.Raw)

		switch frame.Type {
		case 'Z':
			var rfq pgproto3.ReadyForQuery
			if err := rfq.Decode(frame.Payload()); err != nil {
				return forwarded, fmt.Errorf("decoding ReadyForQuery: %w", err)
			}
			c.inTransaction = rfq.TxStatus != 'I'
			c.dataAvailable = false
			c.inCopyMode = false
			c.flushWaitCode = 0
			return forwarded, nil

		case 'E':
			if c.prepared != nil {
				c.cleanup.needsDeallocate = true
			}
			if c.flushWaitCode != 0 {
				c.bad = true
				return forwarded, nil
			}

		case '1', '2':
			if c.flushWaitCode == frame.Type {
				return forwarded, nil
			}

		case 'T':
			if c.flushWaitCode == 'T' {
				return forwarded, nil
			}

		case 'C':
			var cc pgproto3.CommandComplete
			if err := cc.Decode(frame.Payload()); err == nil {
				tag := string(cc.CommandTag)
				switch {
				case strings.HasPrefix(tag, "SET"):
					c.cleanup.needsResetSet = true
				case strings.HasPrefix(tag, "DECLARE CURSOR"):
					c.cleanup.needsCloseCursors = true
				case tag == "DEALLOCATE ALL" || tag == "DISCARD ALL":
					c.ResetPrepared()
				}
			}
			if c.flushWaitCode == 'C' {
				return forwarded, nil
			}

		case 'S':
			var ps pgproto3.ParameterStatus
			if err := ps.Decode(frame.Payload()); err == nil {
				c.params_[ps.Name] = ps.Value
				if clientParamSink != nil {
					clientParamSink(ps.Name, ps.Value)
				}
			}

		case 'D':
			c.dataAvailable = true
			if forwarded >= coalesceSize {
				return forwarded, nil
			}

		case 'G':
			c.inCopyMode = true
			return forwarded, nil

		case 'H':
			c.inCopyMode = true
			c.dataAvailable = true
			return forwarded, nil

		case 'd':
			if forwarded >= coalesceSize {
				return forwarded, nil
			}

		case 'c':
			// CopyDone: keep reading, the backend still owes a ReadyForQuery.
			continue

		case 'n':
			if c.flushWaitCode != 0 {
				return forwarded, nil
			}

		default:
			continue
		}
	}
}

// SetFlushWaitCode records the letter of the last extended-protocol op this
// connection is waiting on an async reply for (used under Flush rather than
// Sync, where the backend keeps buffering instead of sending ReadyForQuery).
func (c *Conn) SetFlushWaitCode(code byte) { c.flushWaitCode = code }

// SendAndFlush writes msg to the backend.
func (c *Conn) SendAndFlush(msg pgproto3.FrontendMessage) error {
	return c.wireConn.Send(msg)
}

// Checkin runs the full checkin cleanup state machine before a
// connection is returned to the idle pool: it refuses (marking the
// connection bad) if the connection is in a state that cannot be handed to
// another client outright, rolls back an open transaction, runs the
// configured cleanup query sequence if anything was left dirty, and
// reconciles tracked session parameters back to their startup baseline.
func (c *Conn) Checkin() error {
	if c.inCopyMode || c.dataAvailable {
		c.bad = true
		return fmt.Errorf("checkin refused: connection still has data in flight")
	}

	if c.inTransaction {
		if err := c.runQuery("ROLLBACK"); err != nil {
			c.bad = true
			return fmt.Errorf("rolling back open transaction at checkin: %w", err)
		}
	}

	if c.params.CleanupConnections && c.cleanup.dirty() {
		query := "RESET ROLE;"
		if c.cleanup.needsResetSet {
			query += " RESET ALL;"
		}
		if c.cleanup.needsDeallocate {
			query += " DEALLOCATE ALL;"
		}
		if c.cleanup.needsCloseCursors {
			query += " CLOSE ALL;"
		}
		if err := c.runQuery(query); err != nil {
			c.bad = true
			return fmt.Errorf("running checkin cleanup query: %w", err)
		}
		if c.cleanup.needsDeallocate {
			c.ResetPrepared()
		}
		c.cleanup = cleanupState{}
	}

	if c.params.SyncServerParameters {
		if err := c.syncParameters(); err != nil {
			c.bad = true
			return fmt.Errorf("syncing server parameters at checkin: %w", err)
		}
	}

	return nil
}

// syncParameters diffs the tracked keys against the connection's startup
// baseline and issues one SET per key that drifted, restoring the clean
// state the next client checking this connection out expects to find.
func (c *Conn) syncParameters() error {
	var query strings.Builder
	for _, key := range trackedParameterKeys {
		want, ok := c.baseline[key]
		if !ok {
			continue
		}
		if c.params_[key] == want {
			continue
		}
		fmt.Fprintf(&query, "SET %s TO '%s'; ", key, want)
	}
	if query.Len() == 0 {
		return nil
	}
	if err := c.runQuery(strings.TrimSpace(query.String())); err != nil {
		return err
	}
	for _, key := range trackedParameterKeys {
		if want, ok := c.baseline[key]; ok {
			c.params_[key] = want
		}
	}
	return nil
}

// runQuery issues a simple Query and discards its result rows, returning
// once ReadyForQuery arrives (or an error if the backend rejects it).
func (c *Conn) runQuery(sql string) error {
	if err := c.wireConn.Send(&pgproto3.Query{String: sql}); err != nil {
		return fmt.Errorf("sending query: %w", err)
	}
	for {
		msg, err := c.wireConn.Receive()
		if err != nil {
			return fmt.Errorf("reading query response: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("query failed: %s", m.Message)
		default:
			continue
		}
	}
}

// Reset issues resetQuery directly and waits for ReadyForQuery, then forgets
// all prepared-statement bookkeeping, for a resetQuery (such as DISCARD ALL)
// that drops every prepared statement on the backend.
func (c *Conn) Reset(resetQuery string) error {
	if resetQuery == "" {
		return nil
	}
	if err := c.runQuery(resetQuery); err != nil {
		return err
	}
	c.ResetPrepared()
	return nil
}

// Ping issues the configured health-check query (PoolerCheckQuery) and waits
// for ReadyForQuery, used to validate an idle connection before handing it out.
func (c *Conn) Ping(checkQuery string) error {
	if checkQuery == "" {
		return nil
	}
	return c.runQuery(checkQuery)
}

// RegisterPreparedStatement ensures canonicalName is tracked as installed on
// this connection, evicting the least-recently-used entry (and queuing its
// Close frame) if the per-connection cache is full. It reports whether the
// caller must actually send a Parse (false if canonicalName was already
// installed, in which case its recency is just refreshed).
func (c *Conn) RegisterPreparedStatement(canonicalName string) (needsParse bool) {
	if c.prepared.Contains(canonicalName) {
		c.prepared.Get(canonicalName)
		return false
	}
	c.prepared.Add(canonicalName, struct{}{})
	return true
}

// TakePendingBatch returns and clears any Close('S', evicted) frames queued
// by the prepared-statement LRU's eviction callback, for the caller to send
// ahead of its own next Parse/Sync batch.
func (c *Conn) TakePendingBatch() []byte {
	b := c.pendingBatch
	c.pendingBatch = nil
	return b
}

// ResetPrepared clears all prepared-statement bookkeeping without emitting
// Close frames, used after DISCARD ALL/DEALLOCATE ALL (which already
// deallocated every prepared statement on the real backend, so no Close is
// needed) and after a full Reset().
func (c *Conn) ResetPrepared() {
	c.suppressEvictBatch = true
	c.prepared.Purge()
	c.suppressEvictBatch = false
	c.pendingBatch = nil
}
