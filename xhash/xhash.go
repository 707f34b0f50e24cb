// Package xhash collects the deterministic-hash and PRNG primitives the rest
// of the core depends on: an FNV-1a checksum that every peer must compute
// identically (used for desync detection), a PCG32 generator for
// non-game-state randomness (magic numbers, chaos-test scheduling), and a
// local-only xxhash helper for bookkeeping that never crosses the wire.
package xhash

import (
	"hash/fnv"

	"github.com/cespare/xxhash/v2"
)

// Checksum hashes state with FNV-1a. Every peer in a session must use this
// exact algorithm: it is the one piece of hashing in the core whose output
// is compared across machines (see sync.Request's SaveGameState contract),
// so it cannot be swapped for a faster non-standard hash without breaking
// cross-peer agreement.
func Checksum(state []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(state) // hash.Hash.Write never returns an error
	return h.Sum32()
}

// LocalKey returns a fast, non-cross-peer hash suitable for de-duplicating
// violation reports or keying local-only lookup tables. It must never be
// used for anything that crosses the wire or is compared between peers.
func LocalKey(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// PCG32 is a minimal permuted congruential generator (PCG-XSH-RR 32/64),
// used wherever the core needs randomness that is not part of game
// determinism: choosing a session magic number and driving chaos-style test
// harnesses. It is never used for game input, prediction, or anything a
// remote peer must reproduce.
type PCG32 struct {
	state uint64
	inc   uint64
}

const (
	pcgMultiplier uint64 = 6364136223846793005
	pcgDefaultInc uint64 = 1442695040888963407
)

// NewPCG32 seeds a generator. seq selects one of 2^63 independent streams,
// matching the reference PCG construction (seq is forced odd internally).
func NewPCG32(seed, seq uint64) *PCG32 {
	g := &PCG32{inc: (seq << 1) | 1}
	g.state = 0
	g.step()
	g.state += seed
	g.step()
	return g
}

func (g *PCG32) step() {
	g.state = g.state*pcgMultiplier + g.inc
}

// Uint32 returns the next pseudo-random 32-bit value.
func (g *PCG32) Uint32() uint32 {
	old := g.state
	g.step()

	xorshifted := uint32(((old >> 18) ^ old) >> 27)
	rot := uint32(old >> 59)
	return (xorshifted >> rot) | (xorshifted << ((-rot) & 31))
}

// Uint16 returns a 16-bit value derived from the generator, used for magic
// numbers (spec requires a random 16-bit peer identifier).
func (g *PCG32) Uint16() uint16 {
	return uint16(g.Uint32())
}

// Intn returns a pseudo-random integer in [0, n). n must be positive.
func (g *PCG32) Intn(n int) int {
	if n <= 0 {
		panic("xhash: Intn requires n > 0")
	}
	return int(g.Uint32() % uint32(n))
}
