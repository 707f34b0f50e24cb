// Package rle implements the input compression codec described by Fortress
// Rollback's wire protocol: an XOR-delta chain against a caller-supplied
// reference input, byte-level run-length encoding of the resulting delta
// stream, and a varint-prefixed frame count. It operates purely on fixed-
// width byte slices; it knows nothing about frame numbers or wire headers
// (those live in package wire, which calls into this codec for the input
// body only).
//
// The chain is: delta[0] = input[0] XOR reference, delta[i] = input[i] XOR
// input[i-1] for i>0. Chaining against the previous input (rather than
// re-XORing every input against the same fixed reference) maximizes
// zero-runs for the common case of a held button, which is what the
// run-length stage exploits.
package rle

import (
	"encoding/binary"
	"fmt"
)

// ErrTruncated is returned by Decompress when the encoded stream ends
// before the declared number of payloads has been reconstructed.
var ErrTruncated = fmt.Errorf("rle: truncated compressed stream")

// ErrPayloadSize is returned when payloadSize is non-positive.
var ErrPayloadSize = fmt.Errorf("rle: payload size must be positive")

// Compress XOR-chains inputs against reference and run-length encodes the
// result, prefixed with a varint count of how many payloads were encoded.
// All payloads and reference must be the same length; Compress panics
// otherwise, since a length mismatch can only come from a caller bug (every
// Input payload for a given game has one fixed serialized width).
func Compress(inputs [][]byte, reference []byte) []byte {
	out := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(out, uint64(len(inputs)))
	out = out[:n]

	prev := reference
	delta := make([]byte, len(reference))

	for _, in := range inputs {
		if len(in) != len(reference) {
			panic("rle: Compress requires all payloads to match reference length")
		}
		xorInto(delta, in, prev)
		out = appendRLE(out, delta)
		prev = in
	}

	return out
}

// Decompress reverses Compress. payloadSize must equal the width used when
// compressing; reference must be the same reference passed to Compress.
func Decompress(data []byte, reference []byte, payloadSize int) ([][]byte, error) {
	if payloadSize <= 0 {
		return nil, ErrPayloadSize
	}
	if len(reference) != payloadSize {
		return nil, fmt.Errorf("rle: reference length %d != payloadSize %d", len(reference), payloadSize)
	}

	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, ErrTruncated
	}
	data = data[n:]

	total := int(count) * payloadSize
	plain, err := runLengthDecode(data, total)
	if err != nil {
		return nil, err
	}
	if len(plain) != total {
		return nil, ErrTruncated
	}

	out := make([][]byte, count)
	prev := reference
	for i := 0; i < int(count); i++ {
		delta := plain[i*payloadSize : (i+1)*payloadSize]
		in := make([]byte, payloadSize)
		xorInto(in, delta, prev)
		out[i] = in
		prev = in
	}
	return out, nil
}

func xorInto(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// appendRLE appends the run-length encoding of plain to dst: a sequence of
// (varint run-length, literal byte) pairs. Runs are capped only by the
// varint encoding itself; in practice inputs are tiny (a handful of bytes
// per frame) so runs never approach that limit.
func appendRLE(dst, plain []byte) []byte {
	i := 0
	for i < len(plain) {
		j := i + 1
		for j < len(plain) && plain[j] == plain[i] {
			j++
		}
		run := uint64(j - i)

		var buf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(buf[:], run)
		dst = append(dst, buf[:n]...)
		dst = append(dst, plain[i])

		i = j
	}
	return dst
}

// runLengthDecode reverses appendRLE, decoding until it has produced at
// least want bytes. It returns ErrTruncated if the input is exhausted first;
// a final run may overshoot want, so the caller checks the resulting length.
func runLengthDecode(data []byte, want int) ([]byte, error) {
	out := make([]byte, 0, want)
	for len(out) < want {
		if len(data) == 0 {
			return nil, ErrTruncated
		}
		run, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, ErrTruncated
		}
		data = data[n:]
		if len(data) == 0 {
			return nil, ErrTruncated
		}
		b := data[0]
		data = data[1:]

		for k := uint64(0); k < run; k++ {
			out = append(out, b)
		}
	}
	return out, nil
}
