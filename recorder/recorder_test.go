package recorder

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/wallstop/fortress-rollback/frame"
)

// byteCodec is a trivial protocol.Codec[uint8] for tests.
type byteCodec struct{}

func (byteCodec) Encode(v uint8) []byte { return []byte{v} }
func (byteCodec) Decode(b []byte) (uint8, error) {
	if len(b) != 1 {
		return 0, errors.New("bad width")
	}
	return b[0], nil
}
func (byteCodec) Width() int { return 1 }

func TestRecorderReplayRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rec := New[uint8](&buf, byteCodec{})

	frames := []struct {
		f        frame.Frame
		inputs   []uint8
		checksum uint32
	}{
		{0, []uint8{1, 2}, 0xAAAA},
		{1, []uint8{1, 3}, 0xBBBB},
		{2, []uint8{0, 3}, 0xCCCC},
	}
	for _, fr := range frames {
		if err := rec.Record(fr.f, fr.inputs, fr.checksum); err != nil {
			t.Fatalf("Record(%d): %v", fr.f, err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	replay := Open[uint8](&buf, byteCodec{}, 2)
	defer replay.Close()

	for i, want := range frames {
		got, err := replay.Next()
		if err != nil {
			t.Fatalf("Next() at index %d: %v", i, err)
		}
		if got.Frame != want.f || got.Checksum != want.checksum {
			t.Fatalf("record %d = %+v, want frame %s checksum 0x%x", i, got, want.f, want.checksum)
		}
		if len(got.Inputs) != len(want.inputs) {
			t.Fatalf("record %d has %d inputs, want %d", i, len(got.Inputs), len(want.inputs))
		}
		for p := range want.inputs {
			if got.Inputs[p] != want.inputs[p] {
				t.Fatalf("record %d player %d = %v, want %v", i, p, got.Inputs[p], want.inputs[p])
			}
		}
	}

	if _, err := replay.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next() past end = %v, want io.EOF", err)
	}
}

func TestRecorderWrongInputCountRejected(t *testing.T) {
	var buf bytes.Buffer
	rec := New[uint8](&buf, byteCodec{})
	if err := rec.Record(0, []uint8{1, 2}, 0); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	replay := Open[uint8](&buf, byteCodec{}, 3)
	defer replay.Close()

	if _, err := replay.Next(); err == nil {
		t.Fatal("Next() with mismatched player count = nil error, want error")
	}
}
