// Package auth implements the credential-spec dispatch doorman uses on both
// sides of a proxied connection: verifying an incoming client (doorman acting
// as a Postgres server) and authenticating outbound to a real Postgres
// backend (doorman acting as a Postgres client).
package auth

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgproto3/v2"
	"github.com/xdg-go/scram"

	"github.com/pgdoorman/doorman/internal/wire"
)

// ParseSCRAMSecret parses the "<iterations>:<salt>$<storedkey>:<serverkey>"
// tail of a "SCRAM-SHA-256$..." password verifier, the same format Postgres
// stores in pg_authid and doorman's config.Credential.ScramSalt carries.
func ParseSCRAMSecret(tail string) (scram.StoredCredentials, error) {
	var zero scram.StoredCredentials

	parts := strings.SplitN(tail, "$", 2)
	if len(parts) != 2 {
		return zero, fmt.Errorf("malformed SCRAM secret: missing '$' separator")
	}
	iterSalt := strings.SplitN(parts[0], ":", 2)
	if len(iterSalt) != 2 {
		return zero, fmt.Errorf("malformed SCRAM secret: missing iteration:salt")
	}
	keys := strings.SplitN(parts[1], ":", 2)
	if len(keys) != 2 {
		return zero, fmt.Errorf("malformed SCRAM secret: missing storedkey:serverkey")
	}

	iters, err := strconv.Atoi(iterSalt[0])
	if err != nil {
		return zero, fmt.Errorf("malformed SCRAM iteration count: %w", err)
	}
	storedKey, err := base64.StdEncoding.DecodeString(keys[0])
	if err != nil {
		return zero, fmt.Errorf("decoding StoredKey: %w", err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(keys[1])
	if err != nil {
		return zero, fmt.Errorf("decoding ServerKey: %w", err)
	}

	return scram.StoredCredentials{
		KeyFactors: scram.KeyFactors{Salt: iterSalt[1], Iters: iters},
		StoredKey:  storedKey,
		ServerKey:  serverKey,
	}, nil
}

// ServerSCRAM drives the SCRAM-SHA-256 exchange with a connecting client,
// with doorman playing the Postgres server role. clientConn must already have
// sent AuthenticationSASL{"SCRAM-SHA-256"} before this is called.
func ServerSCRAM(clientConn *wire.ClientConn, username string, secret scram.StoredCredentials) error {
	clientConn.SetAuthType(pgproto3.AuthTypeSASL)

	srv, err := scram.SHA256.NewServer(func(user string) (scram.StoredCredentials, error) {
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("initializing SCRAM server: %w", err)
	}
	conv := srv.NewConversation()

	first, err := clientConn.Receive()
	if err != nil {
		return fmt.Errorf("reading client-first-message: %w", err)
	}
	initial, ok := first.(*pgproto3.SASLInitialResponse)
	if !ok {
		return fmt.Errorf("expected SASLInitialResponse, got %T", first)
	}
	if initial.AuthMechanism != "SCRAM-SHA-256" {
		return fmt.Errorf("unsupported SASL mechanism %q", initial.AuthMechanism)
	}

	serverFirst, err := conv.Step(string(initial.Data))
	if err != nil {
		return fmt.Errorf("SCRAM server step 1: %w", err)
	}
	if err := clientConn.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)}); err != nil {
		return fmt.Errorf("sending server-first-message: %w", err)
	}

	second, err := clientConn.Receive()
	if err != nil {
		return fmt.Errorf("reading client-final-message: %w", err)
	}
	resp, ok := second.(*pgproto3.SASLResponse)
	if !ok {
		return fmt.Errorf("expected SASLResponse, got %T", second)
	}

	serverFinal, err := conv.Step(string(resp.Data))
	if err != nil {
		return fmt.Errorf("SCRAM server step 2: %w", err)
	}
	if !conv.Valid() {
		return fmt.Errorf("SCRAM authentication failed for user %q", username)
	}
	if err := clientConn.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(serverFinal)}); err != nil {
		return fmt.Errorf("sending server-final-message: %w", err)
	}
	return nil
}

// ClientSCRAM drives the SCRAM-SHA-256 exchange against a real Postgres
// backend, with doorman playing the client role, given the AuthenticationSASL
// message the server already sent.
func ClientSCRAM(serverConn *wire.ServerConn, username, password string, saslMsg *pgproto3.AuthenticationSASL) error {
	if !containsMechanism(saslMsg.AuthMechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("server does not offer SCRAM-SHA-256, offered: %v", saslMsg.AuthMechanisms)
	}

	client, err := scram.SHA256.NewClient(username, password, "")
	if err != nil {
		return fmt.Errorf("initializing SCRAM client: %w", err)
	}
	conv := client.NewConversation()

	clientFirst, err := conv.Step("")
	if err != nil {
		return fmt.Errorf("SCRAM client step 1: %w", err)
	}
	if err := serverConn.Send(&pgproto3.SASLInitialResponse{
		AuthMechanism: "SCRAM-SHA-256",
		Data:          []byte(clientFirst),
	}); err != nil {
		return fmt.Errorf("sending SASLInitialResponse: %w", err)
	}

	msg, err := serverConn.Receive()
	if err != nil {
		return fmt.Errorf("reading server-first-message: %w", err)
	}
	cont, ok := msg.(*pgproto3.AuthenticationSASLContinue)
	if !ok {
		return fmt.Errorf("expected AuthenticationSASLContinue, got %T", msg)
	}

	clientFinal, err := conv.Step(string(cont.Data))
	if err != nil {
		return fmt.Errorf("SCRAM client step 2: %w", err)
	}
	if err := serverConn.Send(&pgproto3.SASLResponse{Data: []byte(clientFinal)}); err != nil {
		return fmt.Errorf("sending SASLResponse: %w", err)
	}

	msg, err = serverConn.Receive()
	if err != nil {
		return fmt.Errorf("reading server-final-message: %w", err)
	}
	final, ok := msg.(*pgproto3.AuthenticationSASLFinal)
	if !ok {
		return fmt.Errorf("expected AuthenticationSASLFinal, got %T", msg)
	}
	if _, err := conv.Step(string(final.Data)); err != nil {
		return fmt.Errorf("SCRAM client step 3: %w", err)
	}
	if !conv.Valid() {
		return fmt.Errorf("server SCRAM signature invalid")
	}

	msg, err = serverConn.Receive()
	if err != nil {
		return fmt.Errorf("reading AuthenticationOk: %w", err)
	}
	if _, ok := msg.(*pgproto3.AuthenticationOk); !ok {
		return fmt.Errorf("expected AuthenticationOk after SCRAM, got %T", msg)
	}
	return nil
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}
