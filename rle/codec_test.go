package rle

import (
	"bytes"
	"testing"

	"github.com/wallstop/fortress-rollback/xhash"
)

func TestRoundtripBasic(t *testing.T) {
	reference := []byte{0, 0}
	inputs := [][]byte{
		{1, 0},
		{1, 0},
		{1, 0},
		{0, 1},
		{0, 1},
	}

	compressed := Compress(inputs, reference)
	got, err := Decompress(compressed, reference, len(reference))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if len(got) != len(inputs) {
		t.Fatalf("got %d payloads, want %d", len(got), len(inputs))
	}
	for i := range inputs {
		if !bytes.Equal(got[i], inputs[i]) {
			t.Fatalf("payload %d: got %v, want %v", i, got[i], inputs[i])
		}
	}
}

func TestRoundtripEmpty(t *testing.T) {
	reference := []byte{0, 0, 0}
	compressed := Compress(nil, reference)
	got, err := Decompress(compressed, reference, len(reference))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d payloads, want 0", len(got))
	}
}

// TestRoundtripRandom exercises P5: for all legal sequences xs,
// decompress(compress(xs)) == xs. Uses the in-repo PCG32 so failures are
// reproducible from the printed seed, never math/rand's global state.
func TestRoundtripRandom(t *testing.T) {
	const payloadSize = 4
	g := xhash.NewPCG32(12345, 1)

	for trial := 0; trial < 10000; trial++ {
		n := g.Intn(64)
		reference := randomPayload(g, payloadSize)
		inputs := make([][]byte, n)
		for i := range inputs {
			inputs[i] = randomPayload(g, payloadSize)
		}

		compressed := Compress(inputs, reference)
		got, err := Decompress(compressed, reference, payloadSize)
		if err != nil {
			t.Fatalf("trial %d: Decompress: %v", trial, err)
		}
		if len(got) != len(inputs) {
			t.Fatalf("trial %d: got %d payloads, want %d", trial, len(got), len(inputs))
		}
		for i := range inputs {
			if !bytes.Equal(got[i], inputs[i]) {
				t.Fatalf("trial %d payload %d: got %v, want %v", trial, i, got[i], inputs[i])
			}
		}
	}
}

func TestCompressPanicsOnLengthMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for mismatched payload length")
		}
	}()
	Compress([][]byte{{1, 2, 3}}, []byte{0, 0})
}

func TestDecompressTruncated(t *testing.T) {
	if _, err := Decompress([]byte{}, []byte{0, 0}, 2); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func randomPayload(g *xhash.PCG32, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(g.Uint32())
	}
	return b
}
