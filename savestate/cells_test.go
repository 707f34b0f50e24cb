package savestate

import (
	"sync"
	"testing"

	"github.com/wallstop/fortress-rollback/frame"
)

func TestSaveLoadRoundtrip(t *testing.T) {
	r := NewRing[string](6)
	cell := r.GetCell(frame.Frame(3))

	state := "hello"
	checksum := uint32(0xdeadbeef)
	cell.Save(frame.Frame(3), &state, &checksum)

	got, ok := cell.Load()
	if !ok || got != "hello" {
		t.Fatalf("Load() = (%q, %v), want (hello, true)", got, ok)
	}
	gotSum, ok := cell.Checksum()
	if !ok || gotSum != checksum {
		t.Fatalf("Checksum() = (%d, %v), want (%d, true)", gotSum, ok, checksum)
	}
}

func TestSaveWithoutState(t *testing.T) {
	r := NewRing[int](4)
	cell := r.GetCell(frame.Frame(1))
	cell.Save(frame.Frame(1), nil, nil)

	if _, ok := cell.Load(); ok {
		t.Fatal("Load() ok = true, want false when saved without state")
	}
	if _, ok := cell.Checksum(); ok {
		t.Fatal("Checksum() ok = true, want false when saved without checksum")
	}
}

func TestRingSlotReuse(t *testing.T) {
	r := NewRing[int](2) // ring length 4
	c0 := r.GetCell(frame.Frame(0))
	v := 100
	c0.Save(frame.Frame(0), &v, nil)

	// Frame 4 aliases the same slot as frame 0 (ring length 4).
	c4 := r.GetCell(frame.Frame(4))
	if c4 != c0 {
		t.Fatal("expected frame 4 to alias the same cell as frame 0")
	}
	if got := c4.Frame(); got != frame.Frame(4) {
		t.Fatalf("Frame() = %v, want 4 (retagged on acquisition)", got)
	}
}

func TestConcurrentAccessDoesNotRace(t *testing.T) {
	r := NewRing[int](8)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		f := frame.Frame(i % 10)
		go func() {
			defer wg.Done()
			cell := r.GetCell(f)
			v := int(f)
			cell.Save(f, &v, nil)
		}()
		go func() {
			defer wg.Done()
			cell := r.GetCell(f)
			cell.Load()
		}()
	}
	wg.Wait()
}
