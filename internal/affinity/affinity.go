// Package affinity best-effort pins worker goroutines' OS threads to
// distinct CPU cores, reducing cache-line ping-pong across the pool's
// per-shard mutexes under high connection counts. It is a no-op wherever
// CPU-set syscalls aren't available.
package affinity

import (
	"log"
	"runtime"
)

// Pin locks the calling goroutine to its OS thread and attempts to restrict
// that thread to a single CPU core, chosen by index modulo the number of
// available cores. workerIndex is typically the accept-loop worker's
// ordinal. Call this as the first thing a long-lived worker goroutine does.
// On hosts with fewer than three cores no core is pinned.
func Pin(workerIndex int) {
	runtime.LockOSThread()

	n := runtime.NumCPU()
	if n < 3 {
		return
	}
	core := workerIndex % n
	if err := setAffinity(core); err != nil {
		log.Printf("[affinity] pinning worker %d to core %d failed (continuing unpinned): %v", workerIndex, core, err)
	}
}
