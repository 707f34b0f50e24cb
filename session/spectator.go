package session

import (
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/wallstop/fortress-rollback/config"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/frerr"
	"github.com/wallstop/fortress-rollback/inputqueue"
	"github.com/wallstop/fortress-rollback/protocol"
	"github.com/wallstop/fortress-rollback/socket"
	synclayer "github.com/wallstop/fortress-rollback/sync"
	"github.com/wallstop/fortress-rollback/telemetry"
	"github.com/wallstop/fortress-rollback/xhash"
)

// spectatorTag distinguishes the two packet families a SpectatorSession's
// socket carries: the ordinary handshake/keepalive conversation package
// protocol already knows how to speak with the host, and the confirmed-input
// broadcast the host pushes once every player's input for a frame is
// settled. Both share one socket.Socket, so every datagram is prefixed with
// one of these bytes before the payload protocol.Peer or decodeSpectatorFrame
// expects.
const (
	spectatorTagProtocol byte = 0
	spectatorTagFrame    byte = 1
)

// encodeSpectatorFrame packs one frame's confirmed input for every active
// player into a fixed-width record: the 1-byte spectatorTagFrame, a 4-byte
// frame number, then numPlayers fixed-width payloads, back to back. There is no compression
// here (unlike wire.Input's XOR-delta scheme) since a spectator feed is
// already a small fraction of the total P2P traffic and simplicity keeps
// the host's broadcast loop cheap.
func encodeSpectatorFrame(f frame.Frame, payloads [][]byte, width int) []byte {
	buf := make([]byte, 1+4+len(payloads)*width)
	buf[0] = spectatorTagFrame
	binary.LittleEndian.PutUint32(buf[1:5], uint32(f))
	for i, p := range payloads {
		copy(buf[5+i*width:], p)
	}
	return buf
}

func decodeSpectatorFrame(data []byte, numPlayers, width int) (frame.Frame, [][]byte, error) {
	want := 1 + 4 + numPlayers*width
	if len(data) != want {
		return frame.Null, nil, fmt.Errorf("session: spectator frame record is %d bytes, want %d", len(data), want)
	}
	f := frame.Frame(binary.LittleEndian.Uint32(data[1:5]))
	payloads := make([][]byte, numPlayers)
	for i := 0; i < numPlayers; i++ {
		payloads[i] = data[5+i*width : 5+(i+1)*width]
	}
	return f, payloads, nil
}

// SpectatorSession follows a P2PSession's confirmed-input stream without
// participating in it (spec.md §4.5): it performs no prediction and no
// rollback, since by the time it sees a frame the host has already
// confirmed every player's input for it. Falling behind is handled by
// replaying up to SpectatorCatchupSpeed buffered frames per AdvanceFrame
// call until it is within SpectatorMaxFramesBehind of the host again.
type SpectatorSession[I comparable, S any, A comparable] struct {
	cfg        config.Config
	numPlayers int
	width      int

	host  A
	sock  socket.Socket[A]
	peer  *protocol.Peer[I]
	codec protocol.Codec[I]

	currentFrame frame.Frame
	buffered     map[frame.Frame][][]byte

	events   *eventQueue[A]
	requests []Request[I, S]
}

func newSpectatorSession[I comparable, S any, A comparable](
	cfg config.Config,
	players config.Players,
	host A,
	sock socket.Socket[A],
	codec protocol.Codec[I],
	observer telemetry.Observer,
	clock protocol.Clock,
	_ trace.Tracer,
) (*SpectatorSession[I, S, A], error) {
	if codec == nil || sock == nil {
		return nil, frerr.ErrInvalidRequest
	}
	if observer == nil {
		observer = telemetry.Nop
	}
	rng := xhash.NewPCG32(uint64(cfg.NumPlayers)+1, 0x5BEC7A7)

	s := &SpectatorSession[I, S, A]{
		cfg:          cfg,
		numPlayers:   cfg.NumPlayers,
		width:        codec.Width(),
		host:         host,
		sock:         sock,
		peer:         protocol.New[I](cfg, cfg.NumPlayers, codec, clock, observer, rng),
		codec:        codec,
		currentFrame: 0,
		buffered:     make(map[frame.Frame][][]byte),
		events:       newEventQueue[A](cfg.EventQueueSize),
	}

	s.sock.Send(host, prefixProtocol(s.peer.Start()))
	return s, nil
}

func prefixProtocol(body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = spectatorTagProtocol
	copy(out[1:], body)
	return out
}

// AdvanceFrame replays as many already-buffered confirmed frames as
// SpectatorCatchupSpeed allows (at least one, if any are available), or
// returns no requests if the host hasn't pushed the next frame yet.
func (s *SpectatorSession[I, S, A]) AdvanceFrame() ([]Request[I, S], error) {
	s.poll()

	s.requests = s.requests[:0]
	behind := s.framesBehind()
	budget := 1
	if behind > s.cfg.SpectatorMaxFramesBehind {
		budget = s.cfg.SpectatorCatchupSpeed
		if budget < 1 {
			budget = 1
		}
	}

	for i := 0; i < budget; i++ {
		payloads, ok := s.buffered[s.currentFrame]
		if !ok {
			break
		}
		delete(s.buffered, s.currentFrame)

		inputs := make([]synclayer.SyncedInput[I], s.numPlayers)
		for p := 0; p < s.numPlayers; p++ {
			payload, err := s.codec.Decode(payloads[p])
			if err != nil {
				return nil, err
			}
			inputs[p] = synclayer.SyncedInput[I]{
				Player:  frame.PlayerHandle(p),
				Payload: payload,
				Status:  inputqueue.StatusConfirmed,
			}
		}
		s.requests = append(s.requests, Request[I, S]{Kind: RequestAdvanceFrame, Frame: s.currentFrame, Inputs: inputs})
		s.currentFrame = s.currentFrame.Add(1)
	}

	return s.requests, nil
}

func (s *SpectatorSession[I, S, A]) poll() {
	for _, pkt := range s.sock.ReceiveAll() {
		if pkt.Addr != s.host || len(pkt.Data) == 0 {
			continue
		}
		switch pkt.Data[0] {
		case spectatorTagProtocol:
			send, evs := s.peer.HandlePacket(pkt.Data[1:])
			for _, raw := range send {
				s.sock.Send(s.host, prefixProtocol(raw))
			}
			for _, e := range evs {
				s.events.push(Event[A]{
					Kind:           EventKind(e.Kind),
					Addr:           s.host,
					Progress:       e.Progress,
					Frame:          e.Frame,
					LocalChecksum:  e.LocalChecksum,
					RemoteChecksum: e.RemoteChecksum,
				})
			}
		case spectatorTagFrame:
			f, payloads, err := decodeSpectatorFrame(pkt.Data, s.numPlayers, s.width)
			if err != nil {
				continue
			}
			s.buffered[f] = payloads
		}
	}

	send, evs := s.peer.Tick(s.currentFrame)
	for _, raw := range send {
		s.sock.Send(s.host, prefixProtocol(raw))
	}
	for _, e := range evs {
		s.events.push(Event[A]{Kind: EventKind(e.Kind), Addr: s.host, Frame: e.Frame})
	}
}

func (s *SpectatorSession[I, S, A]) framesBehind() int {
	max := frame.Null
	for f := range s.buffered {
		if max.IsNull() || f.After(max) {
			max = f
		}
	}
	if max.IsNull() {
		return 0
	}
	return max.Sub(s.currentFrame)
}

// Events drains every session event queued since the last call.
func (s *SpectatorSession[I, S, A]) Events() []Event[A] {
	return s.events.drain()
}

// CurrentFrame returns the frame the spectator is currently replaying.
func (s *SpectatorSession[I, S, A]) CurrentFrame() frame.Frame {
	return s.currentFrame
}
