// Package savestate implements the reference-counted ring of lockable
// cells described by spec.md §3/§4.2 (component C5): the library hands out
// a Cell inside a SaveGameState request, the host game populates it, and a
// later LoadGameState request (possibly serviced by another goroutine, on
// engines with a render thread reading a cell for display) reads it back.
package savestate

import (
	"sync"

	"github.com/wallstop/fortress-rollback/frame"
)

// Cell holds one saved {frame, state?, checksum?} tuple behind a mutex.
// Save and Load are independently lockable per cell; different cells never
// contend with each other (spec.md §4.2/§5: "at most one writer and one
// reader per cell at any instant ... different cells are independent").
type Cell[S any] struct {
	mu sync.Mutex

	f           frame.Frame
	state       S
	hasState    bool
	checksum    uint32
	hasChecksum bool
}

// Frame returns the frame this cell is currently tagged with.
func (c *Cell[S]) Frame() frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f
}

// Save writes state and checksum under lock. Either may be omitted (state
// == nil, checksum == nil): saving no state is permitted when the host
// maintains its own state history, and saving no checksum is normal when
// desync detection is disabled for this frame.
func (c *Cell[S]) Save(f frame.Frame, state *S, checksum *uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.f = f
	if state != nil {
		c.state = *state
		c.hasState = true
	} else {
		var zero S
		c.state = zero
		c.hasState = false
	}
	if checksum != nil {
		c.checksum = *checksum
		c.hasChecksum = true
	} else {
		c.checksum = 0
		c.hasChecksum = false
	}
}

// Load reads the saved state under lock. ok is false if the cell was saved
// without state (the caller must then load from its own history).
func (c *Cell[S]) Load() (state S, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.hasState
}

// Checksum reads the saved checksum under lock. ok is false if no checksum
// was saved for the cell's current frame.
func (c *Cell[S]) Checksum() (checksum uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checksum, c.hasChecksum
}

// Ring is the fixed-capacity ring of cells, sized max_prediction+2 per
// spec.md §3. Cells are addressed by frame mod len(ring); the cell
// occupying a slot is retagged (not reallocated) whenever a newer frame
// reuses that slot.
type Ring[S any] struct {
	cells []*Cell[S]
}

// NewRing builds a Ring sized maxPrediction+2.
func NewRing[S any](maxPrediction int) *Ring[S] {
	if maxPrediction < 1 {
		maxPrediction = 1
	}
	n := maxPrediction + 2
	cells := make([]*Cell[S], n)
	for i := range cells {
		cells[i] = &Cell[S]{f: frame.Null}
	}
	return &Ring[S]{cells: cells}
}

// Len returns the ring's fixed capacity.
func (r *Ring[S]) Len() int {
	return len(r.cells)
}

// GetCell returns the cell at frame mod len(ring), retagging it to f
// atomically with acquisition. The caller (always the sync layer, in
// response to its own SaveGameState/LoadGameState requests) is expected to
// immediately Save into or Load from the returned handle.
func (r *Ring[S]) GetCell(f frame.Frame) *Cell[S] {
	cell := r.cells[f.Mod(len(r.cells))]
	cell.mu.Lock()
	cell.f = f
	cell.mu.Unlock()
	return cell
}
