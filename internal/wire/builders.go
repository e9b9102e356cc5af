package wire

import "github.com/jackc/pgproto3/v2"

// The following build the raw on-wire bytes for messages doorman originates
// itself rather than relays, using pgproto3's own Encode so field layout and
// length computation are never hand-rolled twice.

// ParseCompleteBytes returns the fixed 5-byte ParseComplete frame.
func ParseCompleteBytes() []byte {
	return (&pgproto3.ParseComplete{}).Encode(nil)
}

// CloseCompleteBytes returns the fixed 5-byte CloseComplete frame.
func CloseCompleteBytes() []byte {
	return (&pgproto3.CloseComplete{}).Encode(nil)
}

// BindCompleteBytes returns the fixed 5-byte BindComplete frame.
func BindCompleteBytes() []byte {
	return (&pgproto3.BindComplete{}).Encode(nil)
}

// ReadyForQueryBytes builds a ReadyForQuery frame carrying the given
// transaction-status indicator ('I', 'T', or 'E').
func ReadyForQueryBytes(txStatus byte) []byte {
	return (&pgproto3.ReadyForQuery{TxStatus: txStatus}).Encode(nil)
}

// CommandCompleteBytes builds a CommandComplete frame with the given tag,
// e.g. "DEALLOCATE" for a synthesized deallocate acknowledgement.
func CommandCompleteBytes(tag string) []byte {
	return (&pgproto3.CommandComplete{CommandTag: []byte(tag)}).Encode(nil)
}

// EmptyQueryResponseBytes returns the fixed 5-byte EmptyQueryResponse frame,
// the exact response Postgres itself gives a query string with no content —
// what doorman's pooler-check-query shortcut mimics.
func EmptyQueryResponseBytes() []byte {
	return (&pgproto3.EmptyQueryResponse{}).Encode(nil)
}

// CloseStatementBytes builds a Close('S', name) frontend frame, used to tell
// a backend to drop a prepared statement doorman's per-connection LRU just
// evicted.
func CloseStatementBytes(name string) []byte {
	return (&pgproto3.Close{ObjectType: 'S', Name: name}).Encode(nil)
}

// ErrorResponseBytes builds an ErrorResponse frame from the same three
// fields NewError takes, for call sites writing directly to a raw connection
// instead of through a *ClientConn.
func ErrorResponseBytes(severity, code, message string) []byte {
	return NewError(severity, code, message).Encode(nil)
}
