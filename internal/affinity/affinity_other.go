//go:build !linux

package affinity

import "errors"

// setAffinity is unsupported outside Linux; Pin still locks the OS thread,
// it just can't restrict which core it runs on.
func setAffinity(core int) error {
	return errors.New("cpu affinity is only supported on linux")
}
