package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/doorman/internal/wire"
)

// ComputeMD5Password computes the PostgreSQL MD5 password hash.
// Formula: "md5" + md5(md5(password + user) + salt)
func ComputeMD5Password(user, password string, salt [4]byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt[:]...))
	return "md5" + hex.EncodeToString(h2[:])
}

// ServerMD5 challenges a connecting client with AuthenticationMD5Password and
// verifies the response against the configured "md5..." hash, with doorman
// playing the Postgres server role.
func ServerMD5(clientConn *wire.ClientConn, username, expectedHash string, salt [4]byte) error {
	clientConn.SetAuthType(pgproto3.AuthTypeMD5Password)
	if err := clientConn.Send(&pgproto3.AuthenticationMD5Password{Salt: salt}); err != nil {
		return fmt.Errorf("sending AuthenticationMD5Password: %w", err)
	}

	msg, err := clientConn.Receive()
	if err != nil {
		return fmt.Errorf("reading password response: %w", err)
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return fmt.Errorf("expected PasswordMessage, got %T", msg)
	}

	// expectedHash is "md5<32 hex chars>"; re-salt it the same way a client
	// would re-salt its own md5(password+user) digest.
	if len(expectedHash) != 35 || expectedHash[:3] != "md5" {
		return fmt.Errorf("stored credential is not an md5 hash")
	}
	resalted := "md5" + reHashWithSalt(expectedHash[3:], salt)
	if pw.Password != resalted {
		return fmt.Errorf("md5 password mismatch for user %q", username)
	}
	return nil
}

func reHashWithSalt(hexDigest string, salt [4]byte) string {
	h := md5.Sum(append([]byte(hexDigest), salt[:]...))
	return hex.EncodeToString(h[:])
}

// ClientMD5 authenticates doorman to a real Postgres backend in response to
// an AuthenticationMD5Password challenge, with doorman playing the client role.
func ClientMD5(serverConn *wire.ServerConn, username, password string, salt [4]byte) error {
	hash := ComputeMD5Password(username, password, salt)
	if err := serverConn.Send(&pgproto3.PasswordMessage{Password: hash}); err != nil {
		return fmt.Errorf("sending PasswordMessage: %w", err)
	}
	msg, err := serverConn.Receive()
	if err != nil {
		return fmt.Errorf("reading AuthenticationOk: %w", err)
	}
	if _, ok := msg.(*pgproto3.AuthenticationOk); !ok {
		return fmt.Errorf("expected AuthenticationOk after md5 auth, got %T", msg)
	}
	return nil
}
