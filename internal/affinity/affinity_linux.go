//go:build linux

package affinity

import "golang.org/x/sys/unix"

// setAffinity restricts the calling thread to a single CPU core via
// sched_setaffinity.
func setAffinity(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
