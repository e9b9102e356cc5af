package config

import (
	"fmt"
	"strings"
)

// parseCredentials classifies each configured user's Password string into a
// Credential by its spec prefix, the same scheme pg_doorman's original
// implementation uses for "md5...", "SCRAM-SHA-256$...", and
// "jwt-pkey-fpath:..." password column values.
func parseCredentials(cfg *Config) error {
	for name, u := range cfg.Users {
		cred, err := parseCredential(u.Password)
		if err != nil {
			return fmt.Errorf("user %q: %w", name, err)
		}
		u.Credential = cred
		cfg.Users[name] = u
	}
	return nil
}

func parseCredential(raw string) (Credential, error) {
	switch {
	case strings.HasPrefix(raw, "md5") && len(raw) == 35:
		return Credential{Kind: CredentialMD5, Raw: raw, MD5Hash: raw}, nil
	case strings.HasPrefix(raw, "SCRAM-SHA-256$"):
		return Credential{Kind: CredentialSCRAM, Raw: raw, ScramSalt: strings.TrimPrefix(raw, "SCRAM-SHA-256$")}, nil
	case strings.HasPrefix(raw, "jwt-pkey-fpath:"):
		return Credential{Kind: CredentialJWT, Raw: raw, JWTKeyPath: strings.TrimPrefix(raw, "jwt-pkey-fpath:")}, nil
	case raw == "":
		return Credential{}, fmt.Errorf("password must not be empty")
	default:
		return Credential{Kind: CredentialPlain, Raw: raw, PlainPass: raw}, nil
	}
}

// Redacted returns the credential spec as a string with secret material blanked out,
// safe to place in logs or the admin HTTP config dump.
func (c Credential) Redacted() string {
	switch c.Kind {
	case CredentialMD5:
		return "md5********************************"
	case CredentialSCRAM:
		return "SCRAM-SHA-256$<redacted>"
	case CredentialJWT:
		return "jwt-pkey-fpath:" + c.JWTKeyPath
	default:
		return "********"
	}
}
