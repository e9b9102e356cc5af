// Package cancel implements doorman's out-of-band query cancellation: each
// pooled client session is issued a synthetic (process ID, secret key) pair
// at startup, independent of whatever real backend it is currently borrowing,
// so a CancelRequest sent on a fresh connection can be routed to the right
// in-flight session even after the backend it started on has been returned
// to the pool.
package cancel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
)

// key identifies one registered session by its synthetic BackendKeyData.
type key struct {
	pid    int32
	secret int32
}

// Registry tracks every currently-connected client session.
type Registry struct {
	mu       sync.Mutex
	sessions map[key]func()
	nextPID  int32
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[key]func())}
}

// Register issues a fresh synthetic (pid, secret) pair for a new client
// session and stores cancelFn, invoked when a matching CancelRequest arrives.
// cancelFn must be safe to call concurrently with the session's own goroutine
// and should be non-blocking (e.g. close a channel the session select()s on).
func (r *Registry) Register(cancelFn func()) (pid int32, secret int32, err error) {
	secretBytes := make([]byte, 4)
	if _, err := rand.Read(secretBytes); err != nil {
		return 0, 0, fmt.Errorf("generating cancel secret: %w", err)
	}
	secret = int32(binary.BigEndian.Uint32(secretBytes) &^ (1 << 31)) // keep positive

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPID++
	pid = r.nextPID
	r.sessions[key{pid: pid, secret: secret}] = cancelFn
	return pid, secret, nil
}

// Unregister removes a session's registration once it disconnects.
func (r *Registry) Unregister(pid, secret int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key{pid: pid, secret: secret})
}

// Cancel invokes the registered cancelFn for (pid, secret), if any is
// currently registered. Returns false if no session matches — the same
// silent-no-op behavior real Postgres exhibits for an unrecognized
// CancelRequest, since the wire protocol has no reply for this message.
func (r *Registry) Cancel(pid, secret int32) bool {
	r.mu.Lock()
	cancelFn, ok := r.sessions[key{pid: pid, secret: secret}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancelFn()
	return true
}

// Count reports the number of currently registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
