package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/doorman/internal/admin"
	"github.com/pgdoorman/doorman/internal/auth"
	"github.com/pgdoorman/doorman/internal/cancel"
	"github.com/pgdoorman/doorman/internal/client"
	"github.com/pgdoorman/doorman/internal/config"
	"github.com/pgdoorman/doorman/internal/health"
	"github.com/pgdoorman/doorman/internal/metrics"
	"github.com/pgdoorman/doorman/internal/pool"
	"github.com/pgdoorman/doorman/internal/pstmt"
	"github.com/pgdoorman/doorman/internal/wire"
)

// Handler drives one accepted client connection from the raw startup packet
// through TLS negotiation, authentication, and into either the admin
// pseudo-database or a pooled Session.
type Handler struct {
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	cancels     *cancel.Registry
	pstmts      *pstmt.Cache
	tlsConfig   *tls.Config
	cfg         *config.Config
}

// Handle processes one client connection end-to-end.
func (h *Handler) Handle(ctx context.Context, netConn net.Conn) error {
	clientConn := wire.NewClientConn(netConn)

	startupMsg, err := clientConn.ReceiveStartupMessage(h.sslDecision(clientConn, netConn))
	if err != nil {
		return fmt.Errorf("reading startup message: %w", err)
	}

	if cr, ok := startupMsg.(*pgproto3.CancelRequest); ok {
		if h.cancels.Cancel(int32(cr.ProcessID), int32(cr.SecretKey)) && h.metrics != nil {
			h.metrics.CancelRequestHandled()
		}
		return nil
	}

	startup, ok := startupMsg.(*pgproto3.StartupMessage)
	if !ok {
		return fmt.Errorf("unexpected startup message type %T", startupMsg)
	}

	database := startup.Parameters["database"]
	username := startup.Parameters["user"]
	if database == "" {
		database = username
	}
	if username == "" {
		clientConn.Send(wire.NewError("FATAL", wire.CodeInvalidAuthSpec, "no user specified in startup message"))
		return fmt.Errorf("missing user parameter in startup message")
	}

	if database == admin.PoolName || database == "pgbouncer" {
		return h.handleAdmin(clientConn, username)
	}

	return h.handleSession(ctx, clientConn, database, username)
}

// sslDecision returns the callback ClientConn.ReceiveStartupMessage invokes
// for each SSLRequest/GSSEncRequest: reply 'S' and upgrade to TLS if
// configured, otherwise 'N' so the client falls back to plaintext.
func (h *Handler) sslDecision(clientConn *wire.ClientConn, netConn net.Conn) func() error {
	return func() error {
		if h.tlsConfig == nil {
			return wire.WriteDirect(clientConn.Raw(), []byte{'N'})
		}
		if err := wire.WriteDirect(clientConn.Raw(), []byte{'S'}); err != nil {
			return err
		}
		tlsConn := tls.Server(netConn, h.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
		clientConn.Rewrap(tlsConn)
		return nil
	}
}

func (h *Handler) handleAdmin(clientConn *wire.ClientConn, username string) error {
	if h.cfg.AdminUsername != "" && username != h.cfg.AdminUsername {
		clientConn.Send(wire.NewError("FATAL", wire.CodeInvalidAuthSpec, "not authorized for the admin database"))
		return fmt.Errorf("user %q is not the configured admin user", username)
	}
	if h.cfg.AdminPassword != "" {
		cred := config.Credential{Kind: config.CredentialPlain, PlainPass: h.cfg.AdminPassword}
		if err := auth.AuthenticateClient(clientConn, username, cred); err != nil {
			clientConn.Send(wire.NewError("FATAL", wire.CodeInvalidPassword, "authentication failed"))
			return err
		}
	}

	ah := admin.New(clientConn, h.poolMgr)
	if err := ah.Greet(); err != nil {
		return err
	}
	return ah.Run()
}

func (h *Handler) handleSession(ctx context.Context, clientConn *wire.ClientConn, database, username string) error {
	id, err := h.poolMgr.IdentifierFromStartup(database, username)
	if err != nil {
		clientConn.Send(wire.NewError("FATAL", wire.CodeUndefinedDatabase, err.Error()))
		return err
	}

	if h.healthCheck != nil && !h.healthCheck.IsHealthy(id) {
		clientConn.Send(wire.NewError("FATAL", wire.CodeConnectionException, fmt.Sprintf("database %q is currently unhealthy", database)))
		return fmt.Errorf("pool %s is unhealthy", id)
	}

	u, ok := h.cfg.Users[username]
	if !ok {
		clientConn.Send(wire.NewError("FATAL", wire.CodeInvalidAuthSpec, fmt.Sprintf("no such user %q", username)))
		return fmt.Errorf("no such user %q", username)
	}

	if err := auth.AuthenticateClient(clientConn, username, u.Credential); err != nil {
		clientConn.Send(wire.NewError("FATAL", wire.CodeInvalidPassword, "authentication failed"))
		return fmt.Errorf("authenticating user %q: %w", username, err)
	}

	group, ok := h.poolMgr.Get(id)
	if !ok {
		clientConn.Send(wire.NewError("FATAL", wire.CodeUndefinedDatabase, "pool disappeared during authentication"))
		return fmt.Errorf("pool %s vanished after auth", id)
	}

	sess, err := client.NewSession(clientConn, id, group, h.pstmts, h.cancels, h.metrics)
	if err != nil {
		clientConn.Send(wire.NewError("FATAL", wire.CodeConnectionException, "failed to allocate session"))
		return fmt.Errorf("creating session: %w", err)
	}

	serverParams := map[string]string{
		"server_version":   "15.0 (doorman)",
		"client_encoding":  "UTF8",
		"server_encoding":  "UTF8",
		"DateStyle":        "ISO, MDY",
		"integer_datetimes": "on",
		"TimeZone":         "UTC",
	}
	if err := sess.Greet(serverParams); err != nil {
		return fmt.Errorf("greeting client: %w", err)
	}

	return sess.Run(ctx)
}
