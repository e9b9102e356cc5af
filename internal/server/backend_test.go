package server

import (
	"bytes"
	"net"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/doorman/internal/wire"
)

func encodeFrame(typ byte, payload []byte) []byte {
	length := len(payload) + 4
	out := make([]byte, 0, length+1)
	out = append(out, typ)
	out = append(out, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	return append(out, payload...)
}

// newTestConn builds a Conn around one end of a net.Pipe, bypassing Dial's
// real handshake so tests can drive Recv/Checkin directly against a fake
// backend on the pipe's other end.
func newTestConn(t *testing.T, budget *wire.MemoryBudget, streamingThreshold int) (*Conn, net.Conn) {
	t.Helper()
	connEnd, fakeEnd := net.Pipe()

	prepared, err := lru.NewWithEvict[string, struct{}](4, func(name string, _ struct{}) {})
	if err != nil {
		t.Fatalf("building prepared statement cache: %v", err)
	}

	c := &Conn{
		netConn:  connEnd,
		wireConn: wire.NewServerConn(connEnd),
		params: Params{
			MemoryBudget:       budget,
			StreamingThreshold: streamingThreshold,
			FlushTimeout:       time.Second,
		},
		params_:    make(map[string]string),
		baseline:   make(map[string]string),
		prepared:   prepared,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}
	t.Cleanup(func() {
		connEnd.Close()
		fakeEnd.Close()
	})
	return c, fakeEnd
}

func TestRecvTracksTransactionStatusFromReadyForQuery(t *testing.T) {
	c, fake := newTestConn(t, nil, 0)

	go func() {
		fake.Write(encodeFrame('C', []byte("SELECT 1\x00")))
		fake.Write(encodeFrame('Z', []byte{'T'}))
	}()

	var buf bytes.Buffer
	if _, err := c.Recv(&buf, nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !c.InTransaction() {
		t.Errorf("InTransaction() = false, want true after TxStatus 'T'")
	}
	want := append(encodeFrame('C', []byte("SELECT 1\x00")), encodeFrame('Z', []byte{'T'})...)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("forwarded bytes = %v, want %v", buf.Bytes(), want)
	}
}

func TestRecvErrorResponseMarksNeedsDeallocate(t *testing.T) {
	c, fake := newTestConn(t, nil, 0)

	go func() {
		fake.Write(encodeFrame('E', []byte("SERROR\x00C42601\x00Msyntax error\x00\x00")))
		fake.Write(encodeFrame('Z', []byte{'I'}))
	}()

	var buf bytes.Buffer
	if _, err := c.Recv(&buf, nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !c.cleanup.needsDeallocate {
		t.Errorf("ErrorResponse must set cleanup.needsDeallocate")
	}
}

func TestRecvCommandCompleteTagsDriveCleanupState(t *testing.T) {
	c, fake := newTestConn(t, nil, 0)
	c.prepared.Add("doorman_1", struct{}{})

	go func() {
		fake.Write(encodeFrame('C', []byte("SET\x00")))
		fake.Write(encodeFrame('C', []byte("DECLARE CURSOR\x00")))
		fake.Write(encodeFrame('C', []byte("DEALLOCATE ALL\x00")))
		fake.Write(encodeFrame('Z', []byte{'I'}))
	}()

	var buf bytes.Buffer
	if _, err := c.Recv(&buf, nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !c.cleanup.needsResetSet {
		t.Errorf("SET command tag must set cleanup.needsResetSet")
	}
	if !c.cleanup.needsCloseCursors {
		t.Errorf("DECLARE CURSOR command tag must set cleanup.needsCloseCursors")
	}
	if c.prepared.Len() != 0 {
		t.Errorf("DEALLOCATE ALL command tag must clear the prepared-statement cache, len=%d", c.prepared.Len())
	}
}

func TestRecvParameterStatusInvokesSink(t *testing.T) {
	c, fake := newTestConn(t, nil, 0)

	go func() {
		fake.Write(encodeFrame('S', []byte("client_encoding\x00UTF8\x00")))
		fake.Write(encodeFrame('Z', []byte{'I'}))
	}()

	var got [2]string
	sink := func(name, value string) { got = [2]string{name, value} }

	var buf bytes.Buffer
	if _, err := c.Recv(&buf, sink); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got != [2]string{"client_encoding", "UTF8"} {
		t.Errorf("sink received %v, want [client_encoding UTF8]", got)
	}
	if c.ParameterStatus("client_encoding") != "UTF8" {
		t.Errorf("ParameterStatus(\"client_encoding\") = %q, want UTF8", c.ParameterStatus("client_encoding"))
	}
}

func TestRecvCoalescesDataRowsAndResumes(t *testing.T) {
	c, fake := newTestConn(t, nil, 0)

	row := bytes.Repeat([]byte{0}, coalesceSize)
	go func() {
		fake.Write(encodeFrame('D', row))
		fake.Write(encodeFrame('D', []byte{0, 0}))
		fake.Write(encodeFrame('Z', []byte{'I'}))
	}()

	var buf bytes.Buffer
	n1, err := c.Recv(&buf, nil)
	if err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	if n1 < coalesceSize {
		t.Errorf("first Recv should return at the coalesce threshold, forwarded only %d bytes", n1)
	}
	if c.InTransaction() {
		t.Errorf("InTransaction() should still be false before ReadyForQuery arrives")
	}

	if _, err := c.Recv(&buf, nil); err != nil {
		t.Fatalf("second Recv: %v", err)
	}
}

func TestRecvFlushWaitCodeExitsOnMatchingAsyncReply(t *testing.T) {
	c, fake := newTestConn(t, nil, 0)
	c.SetFlushWaitCode('1')

	go func() {
		fake.Write(encodeFrame('1', nil))
		// The backend would keep buffering after this under a real Flush;
		// Recv must not wait for it.
	}()

	var buf bytes.Buffer
	if _, err := c.Recv(&buf, nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), encodeFrame('1', nil)) {
		t.Errorf("forwarded = %v, want just the ParseComplete frame", buf.Bytes())
	}
}

func TestRegisterPreparedStatementEvictionQueuesCloseFrame(t *testing.T) {
	c, _ := newTestConn(t, nil, 0)
	// Rebuild with a 2-entry cache and the real eviction callback, matching
	// what Dial wires up.
	prepared, err := lru.NewWithEvict[string, struct{}](2, func(name string, _ struct{}) {
		if c.suppressEvictBatch {
			return
		}
		c.pendingBatch = append(c.pendingBatch, wire.CloseStatementBytes(name)...)
	})
	if err != nil {
		t.Fatalf("building cache: %v", err)
	}
	c.prepared = prepared

	if needsParse := c.RegisterPreparedStatement("a"); !needsParse {
		t.Errorf("first registration of %q should require a Parse", "a")
	}
	if needsParse := c.RegisterPreparedStatement("b"); !needsParse {
		t.Errorf("first registration of %q should require a Parse", "b")
	}
	if needsParse := c.RegisterPreparedStatement("a"); needsParse {
		t.Errorf("re-registering %q should not require a Parse", "a")
	}
	// "b" is now the least recently used; registering "c" should evict it.
	if needsParse := c.RegisterPreparedStatement("c"); !needsParse {
		t.Errorf("first registration of %q should require a Parse", "c")
	}

	batch := c.TakePendingBatch()
	want := wire.CloseStatementBytes("b")
	if !bytes.Equal(batch, want) {
		t.Errorf("pending batch = %v, want Close('S', \"b\") = %v", batch, want)
	}
	if c.TakePendingBatch() != nil {
		t.Errorf("TakePendingBatch should clear the batch after being read")
	}
}

func TestResetPreparedSuppressesEvictionCloseFrames(t *testing.T) {
	c, _ := newTestConn(t, nil, 0)
	prepared, err := lru.NewWithEvict[string, struct{}](4, func(name string, _ struct{}) {
		if c.suppressEvictBatch {
			return
		}
		c.pendingBatch = append(c.pendingBatch, wire.CloseStatementBytes(name)...)
	})
	if err != nil {
		t.Fatalf("building cache: %v", err)
	}
	c.prepared = prepared
	c.RegisterPreparedStatement("a")
	c.RegisterPreparedStatement("b")

	c.ResetPrepared()

	if c.prepared.Len() != 0 {
		t.Errorf("ResetPrepared must empty the cache, len=%d", c.prepared.Len())
	}
	if c.TakePendingBatch() != nil {
		t.Errorf("ResetPrepared must not queue Close frames for its own Purge")
	}
}

func TestCheckinRollsBackOpenTransactionAndSyncsParameters(t *testing.T) {
	c, fake := newTestConn(t, nil, 0)
	c.params.SyncServerParameters = true
	c.baseline["application_name"] = "doorman"
	c.params_["application_name"] = "drifted"
	c.inTransaction = true

	fb := wire.NewClientConn(fake)
	go func() {
		for {
			msg, err := fb.Receive()
			if err != nil {
				return
			}
			if _, ok := msg.(*pgproto3.Query); !ok {
				continue
			}
			fb.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		}
	}()

	if err := c.Checkin(); err != nil {
		t.Fatalf("Checkin: %v", err)
	}
	if c.Bad() {
		t.Errorf("Checkin should not mark a clean-after-rollback connection bad")
	}
	if c.params_["application_name"] != "doorman" {
		t.Errorf("syncParameters did not restore application_name, got %q", c.params_["application_name"])
	}
}

func TestCheckinRefusesMidCopyConnection(t *testing.T) {
	c, _ := newTestConn(t, nil, 0)
	c.inCopyMode = true

	if err := c.Checkin(); err == nil {
		t.Fatalf("Checkin should refuse a connection still in copy mode")
	}
	if !c.Bad() {
		t.Errorf("Checkin must mark the connection bad when it refuses")
	}
}
