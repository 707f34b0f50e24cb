// Package wire implements Fortress Rollback's message codec (spec.md §4.4/§6,
// component C8): typed envelopes carrying a magic+sequence header, and
// deterministic fixed-width little-endian serialization for each of the
// peer-protocol's eight message kinds. Compression of the Input message's
// payload stream is delegated to package rle; wire only frames the already-
// compressed bytes inside the envelope.
//
// Every Marshal/Unmarshal pair here is a pure function over byte slices: no
// socket I/O, no timers, no peer state. That belongs to package protocol,
// which calls into wire once per send and once per receive.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/wallstop/fortress-rollback/frame"
)

// ErrMalformedPacket is returned by Decode and the per-kind Unmarshal
// functions when a datagram is too short or otherwise structurally invalid.
// Per spec.md §7 ("Protocol" errors), this is consumed internally by the
// peer protocol — the packet is dropped and a warning violation reported —
// and never surfaces through the session API.
var ErrMalformedPacket = fmt.Errorf("wire: malformed packet")

// Kind discriminates the message sum type carried in an Envelope's body
// (spec.md §4.4 "Message types").
type Kind uint8

const (
	KindSyncRequest Kind = iota
	KindSyncReply
	KindInput
	KindInputAck
	KindQualityReport
	KindQualityReply
	KindKeepAlive
	KindChecksumReport
)

func (k Kind) String() string {
	switch k {
	case KindSyncRequest:
		return "sync_request"
	case KindSyncReply:
		return "sync_reply"
	case KindInput:
		return "input"
	case KindInputAck:
		return "input_ack"
	case KindQualityReport:
		return "quality_report"
	case KindQualityReply:
		return "quality_reply"
	case KindKeepAlive:
		return "keep_alive"
	case KindChecksumReport:
		return "checksum_report"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Header is the fixed prefix every message carries (spec.md §4.4: "All
// messages carry a header {magic: u16, sequence_number: u16}").
type Header struct {
	Magic uint16
	Seq   uint16
}

const headerSize = 4 // magic(2) + seq(2), little-endian
const kindSize = 1

// Envelope is a datagram split into its header, kind tag, and still-encoded
// body. Decode stops here deliberately: the peer protocol checks
// Header.Magic against the learned peer magic before spending any more
// effort parsing a body that may belong to a stale or foreign session.
type Envelope struct {
	Header Header
	Kind   Kind
	Body   []byte
}

// Encode prepends a header and kind tag to an already-marshaled body,
// producing one wire-ready datagram.
func Encode(h Header, k Kind, body []byte) []byte {
	out := make([]byte, headerSize+kindSize, headerSize+kindSize+len(body))
	binary.LittleEndian.PutUint16(out[0:2], h.Magic)
	binary.LittleEndian.PutUint16(out[2:4], h.Seq)
	out[4] = byte(k)
	out = append(out, body...)
	return out
}

// Decode splits a raw datagram into its Envelope without interpreting Body.
func Decode(data []byte) (Envelope, error) {
	if len(data) < headerSize+kindSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformedPacket, len(data), headerSize+kindSize)
	}
	h := Header{
		Magic: binary.LittleEndian.Uint16(data[0:2]),
		Seq:   binary.LittleEndian.Uint16(data[2:4]),
	}
	body := make([]byte, len(data)-headerSize-kindSize)
	copy(body, data[headerSize+kindSize:])
	return Envelope{Header: h, Kind: Kind(data[4]), Body: body}, nil
}

// SyncRequest is the handshake probe (spec.md §4.4 "SyncRequest(nonce)").
type SyncRequest struct {
	Nonce uint32
}

func (m SyncRequest) Marshal() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, m.Nonce)
	return buf
}

func UnmarshalSyncRequest(data []byte) (SyncRequest, error) {
	if len(data) < 4 {
		return SyncRequest{}, fmt.Errorf("%w: SyncRequest body too short", ErrMalformedPacket)
	}
	return SyncRequest{Nonce: binary.LittleEndian.Uint32(data)}, nil
}

// SyncReply is the handshake response (spec.md §4.4 "SyncReply(nonce)").
type SyncReply struct {
	Nonce uint32
}

func (m SyncReply) Marshal() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, m.Nonce)
	return buf
}

func UnmarshalSyncReply(data []byte) (SyncReply, error) {
	if len(data) < 4 {
		return SyncReply{}, fmt.Errorf("%w: SyncReply body too short", ErrMalformedPacket)
	}
	return SyncReply{Nonce: binary.LittleEndian.Uint32(data)}, nil
}

// ConnectStatus mirrors one player's slot in a peer's connect_status table
// (spec.md §3 "connect_status[num_players]"), as exchanged inside an Input
// message.
type ConnectStatus struct {
	Disconnected bool
	LastFrame    frame.Frame
}

// Input is the batched input-delivery message (spec.md §4.4
// "Input(start_frame, ack_frame, compressed_bytes, connect_status)" and §6
// "Input packing"). Compressed is the already rle.Compress-ed xor-delta
// stream; wire does not know how to interpret it, only how to frame it.
type Input struct {
	StartFrame    frame.Frame
	AckFrame      frame.Frame
	ConnectStatus []ConnectStatus
	Compressed    []byte
}

// Marshal encodes Input per spec.md §6: "varint(start_frame) |
// varint(ack_frame) | connect_status[num_players] | rle(...)". Frame values
// use signed varints (rather than the header's fixed-width ints) because
// they are the one field spec.md calls out explicitly as varint-encoded.
func (m Input) Marshal() []byte {
	out := make([]byte, 0, 10+2+len(m.ConnectStatus)*6+len(m.Compressed))
	out = appendVarint(out, int64(m.StartFrame))
	out = appendVarint(out, int64(m.AckFrame))

	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(m.ConnectStatus)))
	out = append(out, countBuf[:]...)
	for _, cs := range m.ConnectStatus {
		if cs.Disconnected {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		out = appendVarint(out, int64(cs.LastFrame))
	}

	out = append(out, m.Compressed...)
	return out
}

func UnmarshalInput(data []byte) (Input, error) {
	start, n, err := readVarint(data)
	if err != nil {
		return Input{}, fmt.Errorf("wire: Input.StartFrame: %w", err)
	}
	data = data[n:]

	ack, n, err := readVarint(data)
	if err != nil {
		return Input{}, fmt.Errorf("wire: Input.AckFrame: %w", err)
	}
	data = data[n:]

	if len(data) < 2 {
		return Input{}, fmt.Errorf("%w: Input connect_status count truncated", ErrMalformedPacket)
	}
	count := binary.LittleEndian.Uint16(data)
	data = data[2:]

	statuses := make([]ConnectStatus, count)
	for i := range statuses {
		if len(data) < 1 {
			return Input{}, fmt.Errorf("%w: Input connect_status[%d] truncated", ErrMalformedPacket, i)
		}
		disconnected := data[0] != 0
		data = data[1:]

		last, n, err := readVarint(data)
		if err != nil {
			return Input{}, fmt.Errorf("wire: Input connect_status[%d].LastFrame: %w", i, err)
		}
		data = data[n:]

		statuses[i] = ConnectStatus{Disconnected: disconnected, LastFrame: frame.Frame(last)}
	}

	compressed := make([]byte, len(data))
	copy(compressed, data)

	return Input{
		StartFrame:    frame.Frame(start),
		AckFrame:      frame.Frame(ack),
		ConnectStatus: statuses,
		Compressed:    compressed,
	}, nil
}

// InputAck acknowledges the highest input frame received so far (spec.md
// §4.4 "InputAck(ack_frame)").
type InputAck struct {
	AckFrame frame.Frame
}

func (m InputAck) Marshal() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(int32(m.AckFrame)))
	return buf
}

func UnmarshalInputAck(data []byte) (InputAck, error) {
	if len(data) < 4 {
		return InputAck{}, fmt.Errorf("%w: InputAck body too short", ErrMalformedPacket)
	}
	return InputAck{AckFrame: frame.Frame(int32(binary.LittleEndian.Uint32(data)))}, nil
}

// QualityReport carries a ping timestamp and the sender's signed frame
// advantage (spec.md §4.4 "QualityReport(ping_timestamp,
// local_frame_advantage)"). PingTimestamp is the sender's monotonic clock
// reading in nanoseconds; LocalFrameAdvantage is clamped to a signed byte
// range during transport (spec.md §4.4 "Tie-breaks and numeric semantics"),
// saturating rather than wrapping.
type QualityReport struct {
	PingTimestamp       int64
	LocalFrameAdvantage int8
}

func (m QualityReport) Marshal() []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.PingTimestamp))
	buf[8] = byte(m.LocalFrameAdvantage)
	return buf
}

func UnmarshalQualityReport(data []byte) (QualityReport, error) {
	if len(data) < 9 {
		return QualityReport{}, fmt.Errorf("%w: QualityReport body too short", ErrMalformedPacket)
	}
	return QualityReport{
		PingTimestamp:       int64(binary.LittleEndian.Uint64(data[0:8])),
		LocalFrameAdvantage: int8(data[8]),
	}, nil
}

// QualityReply echoes a QualityReport's timestamp so the sender can compute
// round-trip time (spec.md §4.4 "QualityReply(ping_timestamp)").
type QualityReply struct {
	PingTimestamp int64
}

func (m QualityReply) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(m.PingTimestamp))
	return buf
}

func UnmarshalQualityReply(data []byte) (QualityReply, error) {
	if len(data) < 8 {
		return QualityReply{}, fmt.Errorf("%w: QualityReply body too short", ErrMalformedPacket)
	}
	return QualityReply{PingTimestamp: int64(binary.LittleEndian.Uint64(data))}, nil
}

// KeepAlive carries no payload; its mere arrival resets the peer's
// last-recv timer (spec.md §4.4 "KeepAlive").
type KeepAlive struct{}

func (m KeepAlive) Marshal() []byte { return nil }

func UnmarshalKeepAlive(data []byte) (KeepAlive, error) {
	return KeepAlive{}, nil
}

// ChecksumReport carries one frame's host-computed checksum for desync
// detection (spec.md §4.4 "ChecksumReport(frame, checksum)").
type ChecksumReport struct {
	Frame    frame.Frame
	Checksum uint32
}

func (m ChecksumReport) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(m.Frame)))
	binary.LittleEndian.PutUint32(buf[4:8], m.Checksum)
	return buf
}

func UnmarshalChecksumReport(data []byte) (ChecksumReport, error) {
	if len(data) < 8 {
		return ChecksumReport{}, fmt.Errorf("%w: ChecksumReport body too short", ErrMalformedPacket)
	}
	return ChecksumReport{
		Frame:    frame.Frame(int32(binary.LittleEndian.Uint32(data[0:4]))),
		Checksum: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

func appendVarint(dst []byte, v int64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func readVarint(data []byte) (int64, int, error) {
	v, n := binary.Varint(data)
	if n <= 0 {
		return 0, 0, ErrMalformedPacket
	}
	return v, n, nil
}
