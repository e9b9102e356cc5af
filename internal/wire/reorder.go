package wire

import "encoding/binary"

// SyntheticMsg is one message doorman itself originates (not read off any
// wire) that must be spliced into a real backend response stream at a
// specific point: either immediately before the first real message of a
// given type, or — for Before == 0 — immediately before the stream's final
// ReadyForQuery.
type SyntheticMsg struct {
	Before byte // type code of the real message this is placed before, e.g. '2' (BindComplete) or 'T'; 0 means "trailing"
	Bytes  []byte
}

// Reorder splices synthetic messages into stream so that each one lands in
// the position its Before type code implies, leaving every other byte
// untouched. It is the identity function when synthetic is empty — the
// round-trip law a caller with no rewriting to do depends on.
//
// This is doorman's "set-right-place" step: a deferred Parse issues a
// synthetic ParseComplete that must appear before the real BindComplete or
// RowDescription the backend sends for the statement it covers, and a
// deferred Close's synthetic CloseComplete must appear before the final
// ReadyForQuery that ends the extended-protocol exchange.
func Reorder(stream []byte, synthetic []SyntheticMsg) []byte {
	if len(synthetic) == 0 {
		return stream
	}

	frames := splitFrames(stream)
	if len(frames) == 0 {
		out := make([]byte, 0, len(stream))
		for _, s := range synthetic {
			out = append(out, s.Bytes...)
		}
		return append(out, stream...)
	}

	pending := make([]SyntheticMsg, 0, len(synthetic))
	var trailing [][]byte
	for _, s := range synthetic {
		if s.Before == 0 {
			trailing = append(trailing, s.Bytes)
		} else {
			pending = append(pending, s)
		}
	}

	lastRFQ := -1
	for i, f := range frames {
		if f.typ == 'Z' {
			lastRFQ = i
		}
	}

	out := make([]byte, 0, len(stream)+64*len(synthetic))
	for i, f := range frames {
		for k := 0; k < len(pending); k++ {
			if pending[k].Before == f.typ {
				out = append(out, pending[k].Bytes...)
				pending = append(pending[:k], pending[k+1:]...)
				k--
			}
		}
		if i == lastRFQ {
			for _, b := range trailing {
				out = append(out, b...)
			}
		}
		out = append(out, stream[f.start:f.end]...)
	}

	// Anything left unmatched (no real message of that type ever arrived)
	// is appended at the end rather than silently dropped.
	for _, p := range pending {
		out = append(out, p.Bytes...)
	}
	if lastRFQ == -1 {
		for _, b := range trailing {
			out = append(out, b...)
		}
	}
	// Bytes after the last complete frame (a partial frame) are kept, last.
	return append(out, stream[frames[len(frames)-1].end:]...)
}

type wireFrameSpan struct {
	typ        byte
	start, end int
}

// splitFrames walks stream as a sequence of type+length+payload frames.
// Any trailing partial frame (a backend write landing mid-message) is left
// out of the slice and will simply not receive a splice — Reorder is only
// ever called on a complete exchange buffered up to a Sync/Flush boundary.
func splitFrames(stream []byte) []wireFrameSpan {
	var frames []wireFrameSpan
	i := 0
	for i+5 <= len(stream) {
		length := int(binary.BigEndian.Uint32(stream[i+1 : i+5]))
		end := i + 1 + length
		if length < 4 || end > len(stream) {
			break
		}
		frames = append(frames, wireFrameSpan{typ: stream[i], start: i, end: end})
		i = end
	}
	return frames
}
