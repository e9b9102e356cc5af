package client

import (
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgdoorman/doorman/internal/server"
	"github.com/pgdoorman/doorman/internal/wire"
)

// extendedEntry is one queued extended-protocol message, held back from the
// backend until the client's Sync or Flush arrives: sending
// Parse/Bind/Describe one at a time and relaying each immediately breaks as
// soon as a lone Parse has no accompanying Sync, since the backend never
// replies to an unflushed Parse on its own.
type extendedEntry struct {
	kind byte // 'P', 'B', 'D', 'E', or 'C' — the client message type this entry came from
	raw  []byte // bytes to forward to the backend; nil if this entry is purely synthetic
	skip bool   // true if this entry was answered locally and must not be forwarded
	syn  []byte // synthetic response bytes to splice in, if skip is true
}

// queueExtended rewrites and appends one client extended-protocol message to
// the pending batch. conn must already be checked out — callers acquire one
// before the first Parse/Bind/Describe/Execute/Close of a batch.
func (s *Session) queueExtended(conn *server.Conn, msg pgproto3.FrontendMessage) error {
	switch m := msg.(type) {
	case *pgproto3.Parse:
		return s.queueParse(conn, m)
	case *pgproto3.Bind:
		return s.queueBind(m)
	case *pgproto3.Describe:
		return s.queueDescribe(m)
	case *pgproto3.Execute:
		s.extQueue = append(s.extQueue, extendedEntry{kind: 'E', raw: m.Encode(nil)})
		return nil
	case *pgproto3.Close:
		return s.queueClose(m)
	default:
		return fmt.Errorf("unexpected extended-protocol message type %T", msg)
	}
}

// queueParse applies the rename-and-cache scheme against the queue instead
// of the wire directly: an unnamed statement
// is forwarded verbatim, a named one is rewritten to its process-wide
// canonical name and only actually Parse'd on this connection if it isn't
// already installed there.
func (s *Session) queueParse(conn *server.Conn, m *pgproto3.Parse) error {
	if m.Name == "" {
		s.extQueue = append(s.extQueue, extendedEntry{kind: 'P', raw: m.Encode(nil)})
		return nil
	}

	entry, _ := s.pstmts.GetOrCreate(m.Query, m.ParameterOIDs)
	s.names.put(m.Name, entry.CanonicalName)

	if !conn.RegisterPreparedStatement(entry.CanonicalName) {
		s.extQueue = append(s.extQueue, extendedEntry{kind: 'P', skip: true, syn: wire.ParseCompleteBytes()})
		return nil
	}

	if batch := conn.TakePendingBatch(); len(batch) > 0 {
		// Close frames for statements this connection's LRU just evicted to
		// make room; Postgres executes each extended-protocol message as it
		// arrives; regardless of Sync, so these can ride along ahead of the
		// Parse they made room for.
		s.extQueue = append(s.extQueue, extendedEntry{raw: batch})
	}

	rewritten := *m
	rewritten.Name = entry.CanonicalName
	s.extQueue = append(s.extQueue, extendedEntry{kind: 'P', raw: rewritten.Encode(nil)})
	return nil
}

func (s *Session) queueBind(m *pgproto3.Bind) error {
	rewritten := *m
	if canonical, ok := s.names.get(m.PreparedStatement); ok {
		rewritten.PreparedStatement = canonical
	}
	s.extQueue = append(s.extQueue, extendedEntry{kind: 'B', raw: rewritten.Encode(nil)})
	return nil
}

func (s *Session) queueDescribe(m *pgproto3.Describe) error {
	rewritten := *m
	if m.ObjectType == 'S' {
		if canonical, ok := s.names.get(m.Name); ok {
			rewritten.Name = canonical
		}
	}
	s.extQueue = append(s.extQueue, extendedEntry{kind: 'D', raw: rewritten.Encode(nil)})
	return nil
}

// queueClose intercepts Close of a named statement: the canonical statement
// is shared with other sessions through the process-wide cache, so a
// client's Close/DEALLOCATE for it is acknowledged locally and never
// forwarded. Close of a portal is always forwarded as-is.
func (s *Session) queueClose(m *pgproto3.Close) error {
	if m.ObjectType == 'S' {
		s.names.remove(m.Name)
		s.extQueue = append(s.extQueue, extendedEntry{kind: 'C', skip: true, syn: wire.CloseCompleteBytes()})
		return nil
	}
	s.extQueue = append(s.extQueue, extendedEntry{kind: 'C', raw: m.Encode(nil)})
	return nil
}

// responseLetterFor maps a queued entry's client message kind to the type
// code of the real response Postgres sends for it, used both to pick where a
// skipped entry's synthetic reply belongs (Reorder's Before) and to know
// which reply ends an async (Flush, not Sync) wait.
func responseLetterFor(kind byte) byte {
	switch kind {
	case 'P':
		return '1'
	case 'B':
		return '2'
	case 'D':
		return 'T'
	case 'E':
		return 'C'
	default:
		return 0
	}
}

// buildBatch concatenates every queued entry's outbound bytes and returns the
// synthetic messages that must be spliced into whatever the backend actually
// sends back, each anchored on the response type of the entry immediately
// following it (or trailing, before the final ReadyForQuery, if it's last).
func (s *Session) buildBatch() (outbound []byte, synthetic []wire.SyntheticMsg, lastKind byte) {
	for i, e := range s.extQueue {
		if len(e.raw) > 0 {
			outbound = append(outbound, e.raw...)
		}
		if e.skip && len(e.syn) > 0 {
			before := byte(0)
			for j := i + 1; j < len(s.extQueue); j++ {
				if s.extQueue[j].kind != 0 {
					before = responseLetterFor(s.extQueue[j].kind)
					break
				}
			}
			synthetic = append(synthetic, wire.SyntheticMsg{Before: before, Bytes: e.syn})
		}
		if e.kind != 0 {
			lastKind = e.kind
		}
	}
	s.extQueue = s.extQueue[:0]
	return outbound, synthetic, lastKind
}
