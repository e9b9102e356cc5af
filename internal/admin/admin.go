// Package admin implements doorman's minimal admin pseudo-database: a
// client that connects to the admin pool name (PoolName or "pgbouncer") gets answers to
// a handful of SHOW commands over the normal Postgres wire protocol instead
// of a real backend connection, mirroring pgbouncer/pg_doorman's "virtual
// database" convention. Scoped down to SHOW POOLS and SHOW VERSION — the
// full admin console (RELOAD, PAUSE, SHUTDOWN, per-client/server listings)
// is out of scope.
package admin

import (
	"strconv"
	"strings"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/doorman/internal/pool"
	"github.com/pgdoorman/doorman/internal/wire"
)

// PoolName is the pseudo-database name that routes a connecting client here
// instead of to a real backend pool, matching pgbouncer's "pgbouncer" and
// pg_doorman's "pgdoorman" convention.
const PoolName = "pgdoorman"

// Version is the string SHOW VERSION reports.
const Version = "pgdoorman 1.0 (doorman)"

// Handler answers admin pseudo-database queries for one connected client.
type Handler struct {
	clientConn *wire.ClientConn
	poolMgr    *pool.Manager
}

// New builds an admin Handler bound to clientConn.
func New(clientConn *wire.ClientConn, pm *pool.Manager) *Handler {
	return &Handler{clientConn: clientConn, poolMgr: pm}
}

// Greet sends the synthetic authentication success and parameter handshake
// for an admin session; Run is the query loop that follows it.
func (h *Handler) Greet() error {
	if err := h.clientConn.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return err
	}
	if err := h.clientConn.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: Version}); err != nil {
		return err
	}
	if err := h.clientConn.Send(&pgproto3.BackendKeyData{ProcessID: 0, SecretKey: 0}); err != nil {
		return err
	}
	return h.clientConn.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

// Run answers simple-query traffic until the client disconnects.
func (h *Handler) Run() error {
	for {
		msg, err := h.clientConn.Receive()
		if err != nil {
			return nil
		}
		switch m := msg.(type) {
		case *pgproto3.Terminate:
			return nil
		case *pgproto3.Query:
			if err := h.handleQuery(m.String); err != nil {
				return err
			}
		default:
			if err := h.clientConn.Send(wire.NewError("ERROR", wire.CodeProtocolViolation, "admin database only supports the simple query protocol")); err != nil {
				return err
			}
			if err := h.clientConn.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) handleQuery(query string) error {
	switch normalize(query) {
	case "SHOW POOLS":
		return h.showPools()
	case "SHOW VERSION":
		return h.showVersion()
	default:
		if err := h.clientConn.Send(wire.NewError("ERROR", wire.CodeConnectionException, "unsupported admin query; only SHOW POOLS and SHOW VERSION are implemented")); err != nil {
			return err
		}
		return h.clientConn.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	}
}

func (h *Handler) showVersion() error {
	cols := []string{"version"}
	if err := h.sendRowDescription(cols); err != nil {
		return err
	}
	if err := h.clientConn.Send(&pgproto3.DataRow{Values: [][]byte{[]byte(Version)}}); err != nil {
		return err
	}
	return h.finishCommand("SHOW")
}

func (h *Handler) showPools() error {
	cols := []string{"database", "user", "pool_mode", "cl_active", "cl_waiting", "sv_active", "sv_idle", "sv_total", "maxwait"}
	if err := h.sendRowDescription(cols); err != nil {
		return err
	}

	for id, stats := range h.poolMgr.AllStats() {
		row := [][]byte{
			[]byte(id.Database),
			[]byte(id.User),
			[]byte(stats.PoolMode),
			[]byte(strconv.Itoa(stats.Active)),
			[]byte(strconv.Itoa(stats.Waiting)),
			[]byte(strconv.Itoa(stats.Active)),
			[]byte(strconv.Itoa(stats.Idle)),
			[]byte(strconv.Itoa(stats.Total)),
			[]byte("0"),
		}
		if err := h.clientConn.Send(&pgproto3.DataRow{Values: row}); err != nil {
			return err
		}
	}
	return h.finishCommand("SHOW")
}

func (h *Handler) sendRowDescription(names []string) error {
	fields := make([]pgproto3.FieldDescription, len(names))
	for i, n := range names {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(n),
			DataTypeOID:  25, // text
			DataTypeSize: -1,
			TypeModifier: -1,
			Format:       0,
		}
	}
	return h.clientConn.Send(&pgproto3.RowDescription{Fields: fields})
}

func (h *Handler) finishCommand(tag string) error {
	if err := h.clientConn.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)}); err != nil {
		return err
	}
	return h.clientConn.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

func normalize(query string) string {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	return strings.ToUpper(s)
}
