package auth

import (
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/doorman/internal/wire"
)

// jwtClaims is the minimal claim set doorman checks: the token's subject must
// match the connecting username, and it must carry a valid expiry.
type jwtClaims struct {
	jwt.RegisteredClaims
}

// LoadJWTPublicKey reads a PEM-encoded RSA public key used to verify incoming
// JWT credentials, per a user's "jwt-pkey-fpath:<path>" credential spec.
func LoadJWTPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading JWT public key %s: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parsing JWT public key %s: %w", path, err)
	}
	return key, nil
}

// ServerJWT challenges a connecting client with AuthenticationCleartextPassword
// and verifies the returned value as a signed JWT whose subject matches
// username, with doorman playing the Postgres server role.
func ServerJWT(clientConn *wire.ClientConn, username string, pubKey *rsa.PublicKey) error {
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

	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(pw.Password, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pubKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("validating JWT: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("JWT token is not valid")
	}
	if claims.Subject != username {
		return fmt.Errorf("JWT subject %q does not match connecting user %q", claims.Subject, username)
	}
	return nil
}
