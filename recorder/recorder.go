// Package recorder is a supplemental, opt-in session recorder/replayer
// (SPEC_FULL.md §C): it appends one {frame, confirmed inputs, checksum}
// record per confirmed frame to a flate-compressed log, and a companion
// Replay reads such a log back to deterministically drive a
// session.SyncTestSession offline. It touches no wire format and plays no
// part in rollback/prediction; a captured match replays exactly once,
// forward, with already-known inputs.
package recorder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/protocol"
)

// Recorder appends confirmed-frame records to an underlying io.Writer,
// flate-compressed. It is not safe for concurrent use.
type Recorder[I comparable] struct {
	w     *flate.Writer
	codec protocol.Codec[I]
	buf   []byte
}

// New wraps dst with a flate.Writer at the default compression level and
// returns a Recorder that encodes payloads with codec (the same Codec a
// protocol.Peer uses for wire transport, reused here for the on-disk
// format's fixed-width payload encoding).
func New[I comparable](dst io.Writer, codec protocol.Codec[I]) *Recorder[I] {
	w, err := flate.NewWriter(dst, flate.DefaultCompression)
	if err != nil {
		// flate.NewWriter only errors for an out-of-range level; DefaultCompression
		// is always valid, so this is unreachable in practice.
		w, _ = flate.NewWriter(dst, flate.NoCompression)
	}
	return &Recorder[I]{
		w:     w,
		codec: codec,
	}
}

// Record appends one confirmed frame: its frame number, every active
// player's confirmed input (in ascending handle order, matching
// sync.Layer.SynchronizedInputs), and the checksum computed for the state
// saved at that frame.
func (r *Recorder[I]) Record(f frame.Frame, inputs []I, checksum uint32) error {
	r.buf = r.buf[:0]
	var scratch [binary.MaxVarintLen64]byte

	n := binary.PutVarint(scratch[:], int64(f))
	r.buf = append(r.buf, scratch[:n]...)

	n = binary.PutUvarint(scratch[:], uint64(len(inputs)))
	r.buf = append(r.buf, scratch[:n]...)

	for _, in := range inputs {
		encoded := r.codec.Encode(in)
		if len(encoded) != r.codec.Width() {
			return fmt.Errorf("recorder: encoded payload is %d bytes, codec width is %d", len(encoded), r.codec.Width())
		}
		r.buf = append(r.buf, encoded...)
	}

	binary.LittleEndian.PutUint32(scratch[:4], checksum)
	r.buf = append(r.buf, scratch[:4]...)

	_, err := r.w.Write(r.buf)
	return err
}

// Close flushes and closes the underlying flate writer. It does not close
// the io.Writer Record writes into.
func (r *Recorder[I]) Close() error {
	return r.w.Close()
}

// Record is one decoded entry from a recorded log.
type Record[I comparable] struct {
	Frame    frame.Frame
	Inputs   []I
	Checksum uint32
}

// Replay reads a log written by Recorder back, one record at a time.
type Replay[I comparable] struct {
	r          *bufio.Reader
	closer     io.Closer
	codec      protocol.Codec[I]
	numPlayers int
}

// Open wraps src with a flate reader and returns a Replay that decodes
// records with codec for a session of numPlayers active participants (every
// record is expected to carry exactly numPlayers inputs).
func Open[I comparable](src io.Reader, codec protocol.Codec[I], numPlayers int) *Replay[I] {
	fr := flate.NewReader(src)
	return &Replay[I]{
		r:          bufio.NewReader(fr),
		closer:     fr,
		codec:      codec,
		numPlayers: numPlayers,
	}
}

// Next decodes the next record, or returns io.EOF once the log is
// exhausted.
func (p *Replay[I]) Next() (Record[I], error) {
	f, err := binary.ReadVarint(p.r)
	if err != nil {
		if err == io.EOF {
			return Record[I]{}, io.EOF
		}
		return Record[I]{}, fmt.Errorf("recorder: reading frame: %w", err)
	}

	count, err := binary.ReadUvarint(p.r)
	if err != nil {
		return Record[I]{}, fmt.Errorf("recorder: reading input count: %w", err)
	}
	if int(count) != p.numPlayers {
		return Record[I]{}, fmt.Errorf("recorder: record has %d inputs, want %d", count, p.numPlayers)
	}

	width := p.codec.Width()
	inputs := make([]I, count)
	raw := make([]byte, width)
	for i := range inputs {
		if _, err := io.ReadFull(p.r, raw); err != nil {
			return Record[I]{}, fmt.Errorf("recorder: reading payload %d: %w", i, err)
		}
		in, err := p.codec.Decode(raw)
		if err != nil {
			return Record[I]{}, fmt.Errorf("recorder: decoding payload %d: %w", i, err)
		}
		inputs[i] = in
	}

	var checksumBuf [4]byte
	if _, err := io.ReadFull(p.r, checksumBuf[:]); err != nil {
		return Record[I]{}, fmt.Errorf("recorder: reading checksum: %w", err)
	}

	return Record[I]{
		Frame:    frame.Frame(f),
		Inputs:   inputs,
		Checksum: binary.LittleEndian.Uint32(checksumBuf[:]),
	}, nil
}

// Close releases the underlying flate reader.
func (p *Replay[I]) Close() error {
	return p.closer.Close()
}
