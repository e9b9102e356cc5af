package auth

import (
	"crypto/rand"
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/doorman/internal/config"
	"github.com/pgdoorman/doorman/internal/wire"
)

// RandomSalt returns 4 random bytes for an MD5 auth challenge.
func RandomSalt() ([4]byte, error) {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// AuthenticateClient verifies a connecting client against the credential
// configured for its username, dispatching to whichever mechanism that
// credential requires, with doorman playing the Postgres server role.
func AuthenticateClient(clientConn *wire.ClientConn, username string, cred config.Credential) error {
	switch cred.Kind {
	case config.CredentialMD5:
		salt, err := RandomSalt()
		if err != nil {
			return err
		}
		return ServerMD5(clientConn, username, cred.MD5Hash, salt)

	case config.CredentialSCRAM:
		secret, err := ParseSCRAMSecret(cred.ScramSalt)
		if err != nil {
			return fmt.Errorf("invalid stored SCRAM secret for user %q: %w", username, err)
		}
		if err := clientConn.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}}); err != nil {
			return fmt.Errorf("sending AuthenticationSASL: %w", err)
		}
		return ServerSCRAM(clientConn, username, secret)

	case config.CredentialJWT:
		pubKey, err := LoadJWTPublicKey(cred.JWTKeyPath)
		if err != nil {
			return err
		}
		return ServerJWT(clientConn, username, pubKey)

	case config.CredentialPlain:
		clientConn.SetAuthType(pgproto3.AuthTypeCleartextPassword)
		if err := clientConn.Send(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
			return fmt.Errorf("sending AuthenticationCleartextPassword: %w", err)
		}
		msg, err := clientConn.Receive()
		if err != nil {
			return fmt.Errorf("reading password response: %w", err)
		}
		pw, ok := msg.(*pgproto3.PasswordMessage)
		if !ok {
			return fmt.Errorf("expected PasswordMessage, got %T", msg)
		}
		if pw.Password != cred.PlainPass {
			return fmt.Errorf("password mismatch for user %q", username)
		}
		return nil

	default:
		return fmt.Errorf("unsupported credential kind for user %q", username)
	}
}

// AuthenticateToServer performs doorman's outbound authentication to a real
// Postgres backend in response to whatever Authentication* message it sent,
// with doorman playing the client role. serverUsername/serverPassword are the
// credentials configured for the backend connection (UserConfig's
// ServerUsername/ServerPassword, or the pool user's own credentials).
func AuthenticateToServer(serverConn *wire.ServerConn, serverUsername, serverPassword string) error {
	msg, err := serverConn.Receive()
	if err != nil {
		return fmt.Errorf("reading authentication request: %w", err)
	}

	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		return nil

	case *pgproto3.AuthenticationCleartextPassword:
		if err := serverConn.Send(&pgproto3.PasswordMessage{Password: serverPassword}); err != nil {
			return fmt.Errorf("sending cleartext PasswordMessage: %w", err)
		}
		return expectAuthOK(serverConn)

	case *pgproto3.AuthenticationMD5Password:
		if err := ClientMD5(serverConn, serverUsername, serverPassword, m.Salt); err != nil {
			return err
		}
		return nil

	case *pgproto3.AuthenticationSASL:
		return ClientSCRAM(serverConn, serverUsername, serverPassword, m)

	default:
		return fmt.Errorf("unsupported backend authentication request: %T", msg)
	}
}

func expectAuthOK(serverConn *wire.ServerConn) error {
	msg, err := serverConn.Receive()
	if err != nil {
		return fmt.Errorf("reading AuthenticationOk: %w", err)
	}
	if _, ok := msg.(*pgproto3.AuthenticationOk); !ok {
		return fmt.Errorf("expected AuthenticationOk, got %T", msg)
	}
	return nil
}
