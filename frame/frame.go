// Package frame defines the two small integer newtypes the rest of Fortress
// Rollback indexes everything by: Frame, a discrete simulation tick, and
// PlayerHandle, a participant slot.
package frame

import "fmt"

// Frame is a discrete tick index. The zero value is frame zero, a valid
// frame; use Null for "absent". Frame is intentionally a plain int32 wrapper
// rather than an unsigned type, since rollback math frequently subtracts two
// frames and the sign of the result is meaningful.
type Frame int32

// Null is the sentinel for "absent/uninitialized". Consumers must check
// IsNull before using a Frame in arithmetic or comparisons; Null compares
// less than every real frame, which is only ever used defensively, never
// relied upon for ordering.
const Null Frame = -1

// IsNull reports whether f is the null sentinel.
func (f Frame) IsNull() bool {
	return f == Null
}

// Add returns f shifted by delta frames. The result is undefined (returns
// Null) if f is already Null.
func (f Frame) Add(delta int) Frame {
	if f.IsNull() {
		return Null
	}
	return Frame(int64(f) + int64(delta))
}

// Sub returns the signed distance f-other, in frames. Both operands must be
// non-null; Sub returns 0 if either is Null (callers are expected to guard
// with IsNull first; this keeps the common "how far behind" arithmetic
// panic-free even if a guard is missed).
func (f Frame) Sub(other Frame) int {
	if f.IsNull() || other.IsNull() {
		return 0
	}
	return int(f) - int(other)
}

// Mod returns f modulo a positive ring size n, for ring indexing. Mod panics
// if n <= 0, since that is always a programming error (a misconfigured ring
// size), never a runtime condition callers need to recover from.
func (f Frame) Mod(n int) int {
	if n <= 0 {
		panic("frame: Mod requires a positive modulus")
	}
	if f.IsNull() {
		return 0
	}
	m := int(f) % n
	if m < 0 {
		m += n
	}
	return m
}

// Before reports whether f precedes other. Null is treated as preceding
// every real frame.
func (f Frame) Before(other Frame) bool {
	if f.IsNull() {
		return !other.IsNull()
	}
	if other.IsNull() {
		return false
	}
	return f < other
}

// After reports whether f follows other. Null is treated as preceding every
// real frame (so Null.After(other) is always false for non-null other).
func (f Frame) After(other Frame) bool {
	return other.Before(f)
}

func (f Frame) String() string {
	if f.IsNull() {
		return "frame(null)"
	}
	return fmt.Sprintf("frame(%d)", int32(f))
}

// PlayerHandle identifies one participant slot. Handles [0, numPlayers) are
// active players that contribute input; handles >= numPlayers are
// spectators. Handles are assigned at builder time and are immutable for
// the life of a session.
type PlayerHandle uint32

// NullPlayer is the sentinel for "no player" (e.g. an unused connect-status
// slot before a builder has registered every handle).
const NullPlayer PlayerHandle = 1<<32 - 1

// IsNull reports whether h is the null sentinel.
func (h PlayerHandle) IsNull() bool {
	return h == NullPlayer
}

func (h PlayerHandle) String() string {
	if h.IsNull() {
		return "player(null)"
	}
	return fmt.Sprintf("player(%d)", uint32(h))
}
