package wire

import (
	"bytes"
	"testing"
)

func TestReorderIdentityWhenNoSynthetic(t *testing.T) {
	stream := append(encodeFrame('2', nil), encodeFrame('Z', []byte{'I'})...)
	out := Reorder(stream, nil)
	if !bytes.Equal(out, stream) {
		t.Errorf("Reorder with no synthetic messages must be the identity function")
	}
}

func TestReorderSplicesBeforeMatchingType(t *testing.T) {
	// A deferred Parse's synthetic ParseComplete ('1') must land before the
	// real BindComplete ('2') the backend sends for the statement it covers.
	stream := append(encodeFrame('2', nil), encodeFrame('Z', []byte{'I'})...)
	synthetic := []SyntheticMsg{{Before: '2', Bytes: encodeFrame('1', nil)}}

	out := Reorder(stream, synthetic)
	want := append(encodeFrame('1', nil), stream...)
	if !bytes.Equal(out, want) {
		t.Errorf("Reorder() = %v, want %v", out, want)
	}
}

func TestReorderSplicesTrailingBeforeFinalReadyForQuery(t *testing.T) {
	// A deferred Close's synthetic CloseComplete has Before == 0: it must
	// land immediately before the final ReadyForQuery, not at the very end.
	stream := append(encodeFrame('C', []byte("SELECT 1\x00")), encodeFrame('Z', []byte{'I'})...)
	synthetic := []SyntheticMsg{{Before: 0, Bytes: encodeFrame('3', nil)}}

	out := Reorder(stream, synthetic)
	want := append(append([]byte{}, encodeFrame('C', []byte("SELECT 1\x00"))...), append(encodeFrame('3', nil), encodeFrame('Z', []byte{'I'})...)...)
	if !bytes.Equal(out, want) {
		t.Errorf("Reorder() = %v, want %v", out, want)
	}
}

func TestReorderUnmatchedSyntheticAppendedNotDropped(t *testing.T) {
	stream := encodeFrame('Z', []byte{'I'})
	synthetic := []SyntheticMsg{{Before: 'T', Bytes: encodeFrame('1', nil)}}

	out := Reorder(stream, synthetic)
	if !bytes.Contains(out, encodeFrame('1', nil)) {
		t.Errorf("unmatched synthetic message must still appear in the output, got %v", out)
	}
}

func TestReorderMultipleSyntheticPreserveOrder(t *testing.T) {
	// Two deferred Parses sharing the same Before type must come out in the
	// order they were queued.
	stream := append(encodeFrame('2', nil), encodeFrame('Z', []byte{'I'})...)
	synthetic := []SyntheticMsg{
		{Before: '2', Bytes: encodeFrame('1', []byte("a"))},
		{Before: '2', Bytes: encodeFrame('1', []byte("b"))},
	}

	out := Reorder(stream, synthetic)
	want := append(append(encodeFrame('1', []byte("a")), encodeFrame('1', []byte("b"))...), stream...)
	if !bytes.Equal(out, want) {
		t.Errorf("Reorder() = %v, want %v", out, want)
	}
}
