package auth

import (
	"fmt"
	"runtime"
)

// PAM authenticates a username/password pair against a named PAM service.
//
// No PAM binding ships in doorman's dependency set (none of the retrieved
// reference modules vendor a cgo PAM client, and doorman avoids introducing
// cgo for a single auth method), so this is a clearly-labeled stub: it always
// fails, the same failure mode pg_doorman's own non-Linux / PAM-disabled
// build falls back to.
func PAM(service, username, password string) error {
	return fmt.Errorf("PAM authentication unavailable (service %q, user %q, platform %s): doorman was built without PAM support", service, username, runtime.GOOS)
}
