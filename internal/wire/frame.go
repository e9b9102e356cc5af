package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Frame error kinds doorman's own dispatch raises before a message is ever
// handed to pgproto3 for typed decoding. These map directly to the
// ProtocolSync/MessageTooLarge/OutOfMemory/FlushTimeout error surface.
var (
	ErrProtocolSync    = errors.New("wire: frame length shorter than the length field itself")
	ErrMessageTooLarge = errors.New("wire: frame exceeds the maximum message size")
	ErrOutOfMemory     = errors.New("wire: in-flight message budget exhausted")
	ErrFlushTimeout    = errors.New("wire: timed out copying a streamed frame")
)

// MaxMessageSize is the hard per-message cap independent of any configured
// budget: no single Postgres wire message is ever legitimately larger than
// this.
const MaxMessageSize = 256 << 20

// MemoryBudget bounds the total number of payload bytes doorman is reading
// off the wire at any one instant, across every connection sharing it. A
// single process-wide budget is what keeps one client sending a string of
// oversized messages from exhausting memory for every other tenant.
type MemoryBudget struct {
	max   int64
	inUse atomic.Int64
}

// NewMemoryBudget builds a budget capped at max bytes in flight. max <= 0
// disables enforcement (every Reserve succeeds), used for tests and for
// config.MaxMemoryUsageBytes left at zero before defaults are applied.
func NewMemoryBudget(max int64) *MemoryBudget {
	return &MemoryBudget{max: max}
}

// Reserve claims n bytes against the budget, for the duration of a single
// frame read. Returns ErrOutOfMemory if the budget has no room.
func (b *MemoryBudget) Reserve(n int64) error {
	if b == nil || b.max <= 0 {
		return nil
	}
	if b.inUse.Add(n) > b.max {
		b.inUse.Add(-n)
		return ErrOutOfMemory
	}
	return nil
}

// Release returns n bytes previously reserved with Reserve.
func (b *MemoryBudget) Release(n int64) {
	if b == nil || b.max <= 0 {
		return
	}
	b.inUse.Add(-n)
}

// InUse reports the budget's current reservation, for metrics/debugging.
func (b *MemoryBudget) InUse() int64 {
	if b == nil {
		return 0
	}
	return b.inUse.Load()
}

// Frame is one already-typed wire message (everything after the startup
// phase, which always begins with a 1-byte type code). Raw holds the
// complete on-wire bytes (type + length + payload) so callers that only need
// to forward the message untouched never have to re-encode it.
type Frame struct {
	Type   byte
	Length int32 // the on-wire length field, inclusive of itself
	Raw    []byte
}

// Payload returns the frame's body, i.e. everything after the length field,
// which is what pgproto3 message types' Decode methods expect.
func (f Frame) Payload() []byte {
	return f.Raw[5:]
}

// ReadFrame reads one already-typed message frame from r, enforcing the
// frame-size invariants before any payload is allocated: a length field
// smaller than itself is a protocol desync, a length over MaxMessageSize is
// rejected outright, and anything else is only read once budget has room for
// it. The reservation is held only for the duration of the read itself.
func ReadFrame(r *bufio.Reader, budget *MemoryBudget) (Frame, error) {
	head, err := r.Peek(5)
	if err != nil {
		return Frame{}, err
	}
	typ := head[0]
	length := int32(binary.BigEndian.Uint32(head[1:5]))
	if length < 4 {
		return Frame{}, ErrProtocolSync
	}
	if int64(length) > MaxMessageSize {
		return Frame{}, ErrMessageTooLarge
	}
	if err := budget.Reserve(int64(length)); err != nil {
		return Frame{}, err
	}
	defer budget.Release(int64(length))

	raw := make([]byte, length+1)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Frame{}, fmt.Errorf("reading frame body: %w", err)
	}
	return Frame{Type: typ, Length: length, Raw: raw}, nil
}

// PeekFrameHeader reports the type byte and length of the next frame without
// consuming it, letting a caller decide whether to stream it instead of
// handing it to ReadFrame.
func PeekFrameHeader(r *bufio.Reader) (typ byte, length int32, err error) {
	head, err := r.Peek(5)
	if err != nil {
		return 0, 0, err
	}
	return head[0], int32(binary.BigEndian.Uint32(head[1:5])), nil
}

// StreamDataRow is used in place of ReadFrame when a DataRow's length exceeds
// the configured streaming threshold: buffering a multi-megabyte row just to
// copy it straight back out would defeat the memory budget's purpose, so this
// writes the 5-byte header then copies exactly length-4 payload bytes
// directly from r to w under a deadline. The header byte is always 'D';
// callers must have already peeked that via PeekFrameHeader.
func StreamDataRow(r *bufio.Reader, w io.Writer, length int32, timeout time.Duration) error {
	header := make([]byte, 5)
	header[0] = 'D'
	binary.BigEndian.PutUint32(header[1:], uint32(length))
	if _, err := r.Discard(5); err != nil {
		return fmt.Errorf("discarding DataRow header: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing streamed DataRow header: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.CopyN(w, r, int64(length-4))
		done <- err
	}()

	if timeout <= 0 {
		return unwrapCopyErr(<-done)
	}
	select {
	case err := <-done:
		return unwrapCopyErr(err)
	case <-time.After(timeout):
		return ErrFlushTimeout
	}
}

func unwrapCopyErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("streaming DataRow payload: %w", err)
}
