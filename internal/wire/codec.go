// Package wire provides the PostgreSQL wire protocol v3 codec doorman relays
// over: reading/writing frontend and backend messages, SSL/startup
// negotiation, and constructing the few synthetic messages the proxy itself
// originates (errors, notices, synthetic auth success).
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jackc/pgproto3/v2"
)

// sslRequestCode and cancelRequestCode are the magic numbers Postgres clients
// send in place of a protocol version in the startup packet.
const (
	sslRequestCode    = 80877103
	gssEncRequestCode = 80877104
	cancelRequestCode = 80877102
)

// ClientConn decodes messages sent by a connecting client (frontend) and
// encodes messages doorman sends back to it, using pgproto3's Backend role
// (named for "the backend side of a client/server exchange", i.e. us).
type ClientConn struct {
	backend *pgproto3.Backend
	raw     io.ReadWriter
	reader  *bufio.Reader
}

// NewClientConn wraps an accepted client connection.
func NewClientConn(rw io.ReadWriter) *ClientConn {
	br := bufio.NewReaderSize(rw, 32*1024)
	return &ClientConn{backend: pgproto3.NewBackend(br, rw), raw: rw, reader: br}
}

// Reader exposes the buffered reader pgproto3 itself reads through, so
// frame-level helpers (ReadFrame, StreamDataRow) can share it instead of
// racing a second buffer against the same connection.
func (c *ClientConn) Reader() *bufio.Reader { return c.reader }

// WriteRaw writes pre-encoded frame bytes straight to the client, used for
// synthetic responses (the pooler-check-query shortcut, a deallocate
// acknowledgement) that never go through a typed pgproto3.BackendMessage.
func (c *ClientConn) WriteRaw(b []byte) error {
	_, err := c.raw.Write(b)
	return err
}

// ReceiveStartupMessage reads one of StartupMessage, SSLRequest, GSSEncRequest
// or CancelRequest, looping over SSL/GSSEnc negotiation until an actual
// StartupMessage or CancelRequest arrives. sslDecision is invoked for each
// SSLRequest/GSSEncRequest and must write a single 'S' or 'N' byte.
func (c *ClientConn) ReceiveStartupMessage(sslDecision func() error) (pgproto3.FrontendMessage, error) {
	for {
		msg, err := c.backend.ReceiveStartupMessage()
		if err != nil {
			return nil, fmt.Errorf("reading startup message: %w", err)
		}
		switch msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if sslDecision != nil {
				if err := sslDecision(); err != nil {
					return nil, err
				}
			}
			continue
		default:
			return msg, nil
		}
	}
}

// Receive reads the next frontend (client-originated) message.
func (c *ClientConn) Receive() (pgproto3.FrontendMessage, error) {
	return c.backend.Receive()
}

// Send writes a backend (doorman-originated) message to the client.
func (c *ClientConn) Send(msg pgproto3.BackendMessage) error {
	return c.backend.Send(msg)
}

// SetAuthType tells the decoder how to interpret the next PasswordMessage
// (cleartext, MD5, or a SASL response), mirroring pgproto3's backend role.
func (c *ClientConn) SetAuthType(authType uint32) {
	c.backend.SetAuthType(authType)
}

// Raw exposes the underlying connection, for switching to TLS mid-handshake.
func (c *ClientConn) Raw() io.ReadWriter { return c.raw }

// Rewrap rebuilds the decoder/encoder atop a new reader/writer, used right
// after a TLS handshake replaces the plaintext connection.
func (c *ClientConn) Rewrap(rw io.ReadWriter) {
	br := bufio.NewReaderSize(rw, 32*1024)
	c.backend = pgproto3.NewBackend(br, rw)
	c.raw = rw
	c.reader = br
}

// ServerConn decodes messages sent by a backend Postgres server and encodes
// messages doorman sends to it, using pgproto3's Frontend role (us, acting as
// a client of the real database).
type ServerConn struct {
	frontend *pgproto3.Frontend
	raw      io.ReadWriter
	reader   *bufio.Reader
}

// NewServerConn wraps a dialed backend server connection.
func NewServerConn(rw io.ReadWriter) *ServerConn {
	br := bufio.NewReaderSize(rw, 32*1024)
	return &ServerConn{frontend: pgproto3.NewFrontend(br, rw), raw: rw, reader: br}
}

// Reader exposes the buffered reader pgproto3 itself reads through, so the
// C2 send/recv loop can read raw frames (ReadFrame/StreamDataRow) from
// exactly the same buffer pgproto3.Frontend.Receive used during startup,
// rather than risking a second independent buffer losing bytes already read
// ahead into the first one.
func (s *ServerConn) Reader() *bufio.Reader { return s.reader }

// WriteRaw writes pre-encoded frame bytes straight to the backend, used to
// forward a client's extended-protocol batch without re-encoding pgproto3
// message structs doorman never needed to decode.
func (s *ServerConn) WriteRaw(b []byte) error {
	_, err := s.raw.Write(b)
	return err
}

// Send writes a frontend (client-role) message to the server.
func (s *ServerConn) Send(msg pgproto3.FrontendMessage) error {
	return s.frontend.Send(msg)
}

// Receive reads the next backend (server-originated) message.
func (s *ServerConn) Receive() (pgproto3.BackendMessage, error) {
	return s.frontend.Receive()
}

// Raw exposes the underlying backend connection.
func (s *ServerConn) Raw() io.ReadWriter { return s.raw }

// Rewrap rebuilds the decoder/encoder atop a new reader/writer, used right
// after a TLS handshake with the backend.
func (s *ServerConn) Rewrap(rw io.ReadWriter) {
	br := bufio.NewReaderSize(rw, 32*1024)
	s.frontend = pgproto3.NewFrontend(br, rw)
	s.raw = rw
	s.reader = br
}

// NewError builds a minimal ErrorResponse doorman can send to a client
// without ever having a real backend connection (pool exhaustion, auth
// failure, unknown pool), filling only the severity, SQLSTATE code and message fields.
func NewError(severity, code, message string) *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	}
}

// Error codes doorman itself raises (SQLSTATE), distinct from anything a real
// backend would send.
const (
	CodeConnectionException   = "08000"
	CodeInvalidAuthSpec       = "28000"
	CodeInvalidPassword       = "28P01"
	CodeTooManyConnections    = "53300"
	CodeConfigFileError       = "F0000"
	CodeAdminShutdown         = "57P01"
	CodeProtocolViolation     = "08P01"
	CodeQueryCanceled         = "57014"
	CodeUndefinedDatabase     = "3D000"
)

// WriteDirect writes a raw pre-encoded message frame, used for the one-byte
// 'S'/'N' SSL negotiation reply that precedes any message framing.
func WriteDirect(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}

// PeekStartupLength reads the 4-byte big-endian length prefix without
// consuming the rest of the message, letting callers size a read buffer.
func PeekStartupLength(r *bufio.Reader) (int, error) {
	head, err := r.Peek(4)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(head)), nil
}
