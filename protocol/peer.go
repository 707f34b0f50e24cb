// Package protocol implements the per-remote peer protocol state machine
// (spec.md §3/§4.4, component C9): handshake, input transport with
// compression and piggybacked acknowledgement, frame-advantage measurement,
// keep-alive/disconnect detection, and checksum-based desync detection.
//
// A Peer owns exactly one remote's conversation. It never touches a socket
// directly — HandlePacket consumes already-received bytes and FlushOutput/Tick
// return bytes for the caller (package session) to hand to the socket.
// This keeps Peer's thread affinity identical to the rest of the core: one
// cooperative caller, no goroutines, no blocking.
package protocol

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/wallstop/fortress-rollback/config"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/internal/ringbuf"
	"github.com/wallstop/fortress-rollback/rle"
	"github.com/wallstop/fortress-rollback/telemetry"
	"github.com/wallstop/fortress-rollback/timesync"
	"github.com/wallstop/fortress-rollback/wire"
	"github.com/wallstop/fortress-rollback/xhash"
)

// State names the five peer-protocol states from spec.md §3/§4.4.
type State int

const (
	StateInitializing State = iota
	StateSynchronizing
	StateRunning
	StateDisconnected
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSynchronizing:
		return "synchronizing"
	case StateRunning:
		return "running"
	case StateDisconnected:
		return "disconnected"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// shutdownTimer is the fixed delay from Disconnected to Shutdown (spec.md
// §4.4: "5000 ms"). It is not a tunable: spec.md lists it as a constant,
// unlike disconnect_timeout/disconnect_notify_start which are configurable.
const shutdownTimer = 5000 * time.Millisecond

// keepAliveInterval paces KeepAlive emission when there is nothing else to
// send, comfortably inside disconnect_notify_start so an idle-but-alive
// peer is never mistaken for one that has gone silent.
const keepAliveInterval = 200 * time.Millisecond

// recommendThreshold and recommendJitterLimit are the "small threshold" and
// noise bound spec.md §4.4 describes for a WaitRecommendation ("ahead by
// more than a small threshold with low jitter"); spec.md's configuration
// table names only the minimum spacing between recommendations
// (recommendation_interval) as tunable, not this threshold itself.
const (
	recommendThreshold   = 2
	recommendJitterLimit = 2.0
)

// Clock is the fallible monotonic-time source spec.md §9's design notes
// require: "every read is fallible and downgrades to zero elapsed on error
// rather than panicking." SystemClock is the default, platform-backed
// implementation; tests substitute a fake to exercise clock-error and
// backwards-step handling deterministically.
type Clock interface {
	Now() (time.Time, error)
}

// SystemClock reads the platform's monotonic clock via time.Now(). It never
// returns an error; it exists so the rest of the core can still depend on
// the fallible Clock interface uniformly.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() (time.Time, error) { return time.Now(), nil }

// Codec turns a player's input payload into and from the fixed-width byte
// encoding the wire protocol's XOR-delta compression needs (spec.md §6:
// Input must be "serializable to and from a stable byte encoding" with an
// identical binary layout across every peer).
type Codec[I comparable] interface {
	Encode(I) []byte
	Decode([]byte) (I, error)
	// Width is the fixed encoded length of every payload. rle.Compress
	// requires every payload (and the reference) to share exactly this
	// length.
	Width() int
}

// EventKind discriminates the protocol-level events a Peer surfaces up to
// the session (spec.md §3 "Events").
type EventKind int

const (
	EventSynchronizing EventKind = iota
	EventSynchronized
	EventNetworkInterrupted
	EventNetworkResumed
	EventDisconnected
	EventDesyncDetected
)

// Event is one protocol-level occurrence a Peer reports back to its owning
// session. Fields not relevant to Kind are zero.
type Event struct {
	Kind           EventKind
	Progress       int // EventSynchronizing: percent complete, 0-100
	Frame          frame.Frame
	LocalChecksum  uint32
	RemoteChecksum uint32
}

// RecvInput is one input a Peer has decoded from a remote Input message and
// not yet handed to the session.
type RecvInput[I comparable] struct {
	Frame   frame.Frame
	Payload I
}

type localEntry[I comparable] struct {
	frame   frame.Frame
	payload I
}

// Peer is the per-remote protocol state machine (component C9). It is not
// safe for concurrent use; like the rest of the core it is driven by the
// single cooperative thread spec.md §5 describes.
type Peer[I comparable] struct {
	cfg      config.Config
	codec    Codec[I]
	clock    Clock
	observer telemetry.Observer

	state State

	magic        uint16
	peerMagic    uint16
	haveMagic    bool
	rng          *xhash.PCG32
	pendingNonce uint32
	haveNonce    bool

	syncRemaining int
	syncTotal     int

	sendSeq     uint16
	nextRecvSeq uint16
	haveRecvSeq bool

	// Outbound: our own input, awaiting the remote's acknowledgement.
	pendingOutput  *ringbuf.FIFO[localEntry[I]]
	remoteAckFrame frame.Frame // highest frame of ours the remote has acked
	sendRefPayload []byte      // reference for the next outbound Input (zero bytes until remoteAckFrame is set)

	// Inbound: the remote's input, awaiting the session's drain.
	recvInputs     []RecvInput[I]
	ourAckFrame    frame.Frame // highest contiguous remote frame we've accepted
	recvRefPayload []byte      // the remote's payload at ourAckFrame, used to decode their next Input
	lastAckSent    frame.Frame // highest ourAckFrame value acknowledged via an explicit InputAck or a piggybacked Input

	peerConnectStatus []wire.ConnectStatus
	localConnectStat  []wire.ConnectStatus

	timeSync *timesync.Estimator

	haveLastRecv    bool
	lastRecvTime    time.Time
	lastSendTime    time.Time
	disconnectedAt  time.Time
	interrupted     bool
	disconnectFired bool

	qualityLimiter *rate.Limiter

	lastRecommendFrame frame.Frame

	localChecksums  map[frame.Frame]uint32
	remoteChecksums map[frame.Frame]uint32
}

// New builds a Peer bound to one remote, with a freshly chosen 16-bit magic
// identifier (spec.md §3: "magic: random 16-bit identifier chosen on
// start"). numPlayers sizes peerConnectStatus/localConnectStat.
func New[I comparable](cfg config.Config, numPlayers int, codec Codec[I], clock Clock, observer telemetry.Observer, rng *xhash.PCG32) *Peer[I] {
	if clock == nil {
		clock = SystemClock{}
	}
	if observer == nil {
		observer = telemetry.Nop
	}
	p := &Peer[I]{
		cfg:                cfg,
		codec:              codec,
		clock:              clock,
		observer:           observer,
		state:              StateInitializing,
		rng:                rng,
		magic:              rng.Uint16(),
		syncTotal:          cfg.SyncPackets,
		pendingOutput:      ringbuf.NewFIFO[localEntry[I]](cfg.QueueLength),
		remoteAckFrame:     frame.Null,
		ourAckFrame:        frame.Null,
		lastAckSent:        frame.Null,
		peerConnectStatus:  make([]wire.ConnectStatus, numPlayers),
		localConnectStat:   make([]wire.ConnectStatus, numPlayers),
		timeSync:           timesync.New(cfg.TimeSyncWindow),
		qualityLimiter:     rate.NewLimiter(rate.Every(cfg.QualityReportInterval), 1),
		lastRecommendFrame: frame.Null,
		localChecksums:     make(map[frame.Frame]uint32),
		remoteChecksums:    make(map[frame.Frame]uint32),
	}
	for i := range p.peerConnectStatus {
		p.peerConnectStatus[i] = wire.ConnectStatus{LastFrame: frame.Null}
		p.localConnectStat[i] = wire.ConnectStatus{LastFrame: frame.Null}
	}
	return p
}

// State returns the peer's current protocol state.
func (p *Peer[I]) State() State { return p.state }

// Magic returns this peer's own chosen magic, which the session includes as
// the header of every outbound packet sent to this remote.
func (p *Peer[I]) Magic() uint16 { return p.magic }

func (p *Peer[I]) header() wire.Header {
	h := wire.Header{Magic: p.magic, Seq: p.sendSeq}
	p.sendSeq++
	return h
}

func (p *Peer[I]) now() time.Time {
	t, err := p.clock.Now()
	if err != nil {
		p.observer.Report(telemetry.Violation{
			Severity: telemetry.Warning,
			Kind:     telemetry.KindProtocol,
			Message:  "clock read failed, treating elapsed time as zero",
			Location: "protocol.Peer",
		})
		return p.lastRecvTime
	}
	return t
}

// Start begins the handshake: Initializing -> Synchronizing, and returns the
// first SyncRequest datagram to send.
func (p *Peer[I]) Start() []byte {
	p.state = StateSynchronizing
	p.syncRemaining = p.cfg.SyncPackets
	now := p.now()
	p.lastSendTime = now
	p.lastRecvTime = now
	return p.sendSyncRequest()
}

func (p *Peer[I]) sendSyncRequest() []byte {
	p.pendingNonce = p.rng.Uint32()
	p.haveNonce = true
	body := wire.SyncRequest{Nonce: p.pendingNonce}.Marshal()
	return wire.Encode(p.header(), wire.KindSyncRequest, body)
}

// Tick performs all time-driven work for one poll cycle: handshake retry,
// keep-alive/quality-report pacing, and disconnect-timeout detection. It
// returns any bytes that should be sent and any events that occurred.
func (p *Peer[I]) Tick(localFrame frame.Frame) (send [][]byte, events []Event) {
	now := p.now()

	switch p.state {
	case StateSynchronizing:
		if now.Sub(p.lastSendTime) >= p.cfg.SyncRetryInterval {
			send = append(send, p.sendSyncRequest())
			p.lastSendTime = now
		}
		return send, events

	case StateRunning:
		if p.haveLastRecv {
			silence := now.Sub(p.lastRecvTime)
			if silence < 0 {
				p.observer.Report(telemetry.Violation{
					Severity: telemetry.Warning,
					Kind:     telemetry.KindProtocol,
					Message:  "clock moved backwards, treating elapsed time as zero",
					Location: "protocol.Peer.Tick",
				})
				silence = 0
			}
			if silence >= p.cfg.DisconnectTimeout {
				p.state = StateDisconnected
				p.disconnectedAt = now
				if !p.disconnectFired {
					p.disconnectFired = true
					events = append(events, Event{Kind: EventDisconnected})
				}
				return send, events
			}
			if silence >= p.cfg.DisconnectNotifyStart && !p.interrupted {
				p.interrupted = true
				events = append(events, Event{Kind: EventNetworkInterrupted})
			}
		}

		if !p.ourAckFrame.IsNull() && p.ourAckFrame != p.lastAckSent {
			send = append(send, p.buildInputAck())
		}
		if p.qualityLimiter.AllowN(now, 1) {
			send = append(send, p.buildQualityReport(now, localFrame))
		}
		if len(send) == 0 && now.Sub(p.lastSendTime) >= keepAliveInterval {
			send = append(send, p.buildKeepAlive())
		}
		return send, events

	case StateDisconnected:
		if now.Sub(p.disconnectedAt) >= shutdownTimer {
			p.state = StateShutdown
		}
		return send, events

	default:
		return send, events
	}
}

func (p *Peer[I]) buildKeepAlive() []byte {
	p.lastSendTime = p.now()
	return wire.Encode(p.header(), wire.KindKeepAlive, wire.KeepAlive{}.Marshal())
}

// buildInputAck sends an explicit acknowledgement of ourAckFrame. Normally
// the ack rides piggybacked on the next outbound Input (spec.md §4.4's
// "Input(... ack_frame ...)"), but when there is nothing new of our own to
// send, FlushOutput produces no Input at all; this keeps the remote's
// retransmission window advancing even on an otherwise-idle link.
func (p *Peer[I]) buildInputAck() []byte {
	p.lastSendTime = p.now()
	p.lastAckSent = p.ourAckFrame
	body := wire.InputAck{AckFrame: p.ourAckFrame}.Marshal()
	return wire.Encode(p.header(), wire.KindInputAck, body)
}

func (p *Peer[I]) buildQualityReport(now time.Time, localFrame frame.Frame) []byte {
	p.lastSendTime = now
	adv := clampInt8(localFrame.Sub(p.ourAckFrame))
	p.timeSync.AddSample(int(adv))
	body := wire.QualityReport{PingTimestamp: now.UnixNano(), LocalFrameAdvantage: adv}.Marshal()
	return wire.Encode(p.header(), wire.KindQualityReport, body)
}

func clampInt8(v int) int8 {
	if v > 127 {
		return 127
	}
	if v < -128 {
		return -128
	}
	return int8(v)
}

// Recommend reports whether this peer's time-sync window suggests the local
// host should wait (spec.md §4.4 "TimeSync ... if the local peer is ahead
// ... emits a WaitRecommendation"), no more often than once per
// recommendation_interval frames (spec.md §4.4/§6), measured against
// localFrame (the sync layer's current frame at the time of the call).
func (p *Peer[I]) Recommend(localFrame frame.Frame) (waitFrames int, recommend bool) {
	if !p.lastRecommendFrame.IsNull() && localFrame.Sub(p.lastRecommendFrame) < p.cfg.RecommendationInterval {
		return 0, false
	}
	waitFrames, recommend = p.timeSync.Recommend(recommendThreshold, recommendJitterLimit)
	if !recommend {
		return 0, false
	}
	p.lastRecommendFrame = localFrame
	return waitFrames, true
}

// SetLocalConnectStatus updates the connect-status table this peer reports
// to the remote in every outbound Input message (spec.md §3
// "peer_connect_status", sent as each Input's "sender's peer_connect_status").
func (p *Peer[I]) SetLocalConnectStatus(statuses []wire.ConnectStatus) {
	copy(p.localConnectStat, statuses)
}

// PeerConnectStatus returns the remote's self-reported connect status table,
// as last received.
func (p *Peer[I]) PeerConnectStatus() []wire.ConnectStatus {
	return p.peerConnectStatus
}

// QueueLocalInput enqueues one local frame of input for eventual delivery to
// the remote. Frames must be supplied in increasing order (the session's
// own input queue already enforces this upstream).
func (p *Peer[I]) QueueLocalInput(f frame.Frame, payload I) {
	p.pendingOutput.PushBack(localEntry[I]{frame: f, payload: payload})
}

// FlushOutput builds and returns an Input datagram carrying every local
// input frame the remote has not yet acknowledged, or nil if there is
// nothing new to send. Called once per session AdvanceFrame cycle.
func (p *Peer[I]) FlushOutput() []byte {
	p.trimAcked()
	if p.pendingOutput.Len() == 0 {
		return nil
	}

	width := p.codec.Width()
	payloads := make([][]byte, p.pendingOutput.Len())
	for i := 0; i < p.pendingOutput.Len(); i++ {
		payloads[i] = p.codec.Encode(p.pendingOutput.At(i).payload)
	}

	reference := p.sendRefPayload
	if reference == nil {
		reference = make([]byte, width)
	}

	compressed := rle.Compress(payloads, reference)

	msg := wire.Input{
		StartFrame:    p.pendingOutput.At(0).frame,
		AckFrame:      p.ourAckFrame,
		ConnectStatus: append([]wire.ConnectStatus(nil), p.localConnectStat...),
		Compressed:    compressed,
	}

	p.lastSendTime = p.now()
	p.lastAckSent = p.ourAckFrame
	return wire.Encode(p.header(), wire.KindInput, msg.Marshal())
}

func (p *Peer[I]) trimAcked() {
	if p.remoteAckFrame.IsNull() {
		return
	}
	n := 0
	for n < p.pendingOutput.Len() && !p.pendingOutput.At(n).frame.After(p.remoteAckFrame) {
		p.sendRefPayload = p.codec.Encode(p.pendingOutput.At(n).payload)
		n++
	}
	p.pendingOutput.TruncFront(n)
}

// ConfirmedFrame returns the highest frame received contiguously from this
// remote so far, or frame.Null if none has arrived yet (spec.md §3's
// per-player confirmation progress, used by the session to advance
// last_confirmed_frame).
func (p *Peer[I]) ConfirmedFrame() frame.Frame {
	return p.ourAckFrame
}

// DrainRecvInputs returns every remote input decoded so far, in ascending
// frame order, and clears the internal buffer.
func (p *Peer[I]) DrainRecvInputs() []RecvInput[I] {
	out := p.recvInputs
	p.recvInputs = nil
	return out
}

// NoteLocalChecksum records the session's own checksum for frame f (computed
// from a just-saved cell) so it can be cross-checked against whatever the
// remote reports for the same frame (spec.md §4.4 "Checksum exchange").
func (p *Peer[I]) NoteLocalChecksum(f frame.Frame, checksum uint32) []Event {
	p.localChecksums[f] = checksum
	return p.compareChecksum(f)
}

// BuildChecksumReport returns the ChecksumReport datagram for frame f.
func (p *Peer[I]) BuildChecksumReport(f frame.Frame, checksum uint32) []byte {
	body := wire.ChecksumReport{Frame: f, Checksum: checksum}.Marshal()
	return wire.Encode(p.header(), wire.KindChecksumReport, body)
}

func (p *Peer[I]) compareChecksum(f frame.Frame) []Event {
	local, haveLocal := p.localChecksums[f]
	remote, haveRemote := p.remoteChecksums[f]
	if !haveLocal || !haveRemote {
		return nil
	}
	delete(p.localChecksums, f)
	delete(p.remoteChecksums, f)
	if local != remote {
		return []Event{{Kind: EventDesyncDetected, Frame: f, LocalChecksum: local, RemoteChecksum: remote}}
	}
	return nil
}

// Disconnect forces this peer into the Disconnected state immediately
// (spec.md §6 "session.disconnect_player").
func (p *Peer[I]) Disconnect() {
	if p.state == StateShutdown {
		return
	}
	p.state = StateDisconnected
	p.disconnectedAt = p.now()
	p.disconnectFired = true
}

// HandlePacket decodes one raw datagram received from this peer and applies
// its effect. It returns any datagrams that must be sent in reply and any
// events produced. Malformed packets and packets with a mismatched magic are
// dropped silently (a warning violation is still reported) per spec.md §4.4
// "Failure modes".
func (p *Peer[I]) HandlePacket(data []byte) (send [][]byte, events []Event) {
	env, err := wire.Decode(data)
	if err != nil {
		p.report(telemetry.Warning, "dropped malformed packet: "+err.Error())
		return nil, nil
	}
	if p.haveMagic && env.Header.Magic != p.peerMagic {
		p.report(telemetry.Warning, "dropped packet with mismatched magic")
		return nil, nil
	}
	if !p.haveMagic {
		p.peerMagic = env.Header.Magic
		p.haveMagic = true
	}

	now := p.now()
	wasInterrupted := p.interrupted
	wasDisconnected := p.state == StateDisconnected
	p.lastRecvTime = now
	p.haveLastRecv = true
	p.interrupted = false
	if wasInterrupted && !wasDisconnected {
		events = append(events, Event{Kind: EventNetworkResumed})
	}
	if wasDisconnected || p.state == StateShutdown {
		// A stale packet from a peer we've already given up on; per spec.md
		// §4.4 it is ignored during the shutdown window (and after it), so
		// beyond updating liveness bookkeeping above we do nothing further.
		return nil, nil
	}

	switch env.Kind {
	case wire.KindSyncRequest:
		req, err := wire.UnmarshalSyncRequest(env.Body)
		if err != nil {
			p.report(telemetry.Warning, "malformed SyncRequest: "+err.Error())
			return send, events
		}
		body := wire.SyncReply{Nonce: req.Nonce}.Marshal()
		send = append(send, wire.Encode(p.header(), wire.KindSyncReply, body))

	case wire.KindSyncReply:
		reply, err := wire.UnmarshalSyncReply(env.Body)
		if err != nil {
			p.report(telemetry.Warning, "malformed SyncReply: "+err.Error())
			return send, events
		}
		if p.state == StateSynchronizing && p.haveNonce && reply.Nonce == p.pendingNonce {
			p.haveNonce = false
			if p.syncRemaining > 0 {
				p.syncRemaining--
			}
			if p.syncRemaining <= 0 {
				p.state = StateRunning
				events = append(events, Event{Kind: EventSynchronized})
			} else {
				progress := 0
				if p.syncTotal > 0 {
					progress = (p.syncTotal - p.syncRemaining) * 100 / p.syncTotal
				}
				events = append(events, Event{Kind: EventSynchronizing, Progress: progress})
				send = append(send, p.sendSyncRequest())
				p.lastSendTime = now
			}
		}

	case wire.KindInput:
		in, err := wire.UnmarshalInput(env.Body)
		if err != nil {
			p.report(telemetry.Warning, "malformed Input: "+err.Error())
			return send, events
		}
		p.handleInput(in)

	case wire.KindInputAck:
		ack, err := wire.UnmarshalInputAck(env.Body)
		if err != nil {
			p.report(telemetry.Warning, "malformed InputAck: "+err.Error())
			return send, events
		}
		p.advanceRemoteAck(ack.AckFrame)

	case wire.KindQualityReport:
		qr, err := wire.UnmarshalQualityReport(env.Body)
		if err != nil {
			p.report(telemetry.Warning, "malformed QualityReport: "+err.Error())
			return send, events
		}
		// qr.LocalFrameAdvantage is the remote's own advantage measurement;
		// from here it reads as the remote's lead over us, the negative of
		// our own local-minus-remote samples (spec.md §4.4 TimeSync), so
		// folding it in lets Recommend average both halves of the link.
		p.timeSync.AddSample(-int(qr.LocalFrameAdvantage))
		body := wire.QualityReply{PingTimestamp: qr.PingTimestamp}.Marshal()
		send = append(send, wire.Encode(p.header(), wire.KindQualityReply, body))

	case wire.KindQualityReply:
		// RTT is derivable (now - PingTimestamp) but spec.md names no
		// required action beyond the measurement itself; nothing further to
		// update here than liveness, already recorded above.
		if _, err := wire.UnmarshalQualityReply(env.Body); err != nil {
			p.report(telemetry.Warning, "malformed QualityReply: "+err.Error())
		}

	case wire.KindKeepAlive:
		// Arrival alone already reset the liveness timer above.

	case wire.KindChecksumReport:
		cr, err := wire.UnmarshalChecksumReport(env.Body)
		if err != nil {
			p.report(telemetry.Warning, "malformed ChecksumReport: "+err.Error())
			return send, events
		}
		p.remoteChecksums[cr.Frame] = cr.Checksum
		events = append(events, p.compareChecksum(cr.Frame)...)

	default:
		p.report(telemetry.Warning, "dropped packet with unknown kind")
	}

	return send, events
}

func (p *Peer[I]) advanceRemoteAck(f frame.Frame) {
	if f.IsNull() {
		return
	}
	if p.remoteAckFrame.IsNull() || p.remoteAckFrame.Before(f) {
		p.remoteAckFrame = f
	}
}

func (p *Peer[I]) handleInput(in wire.Input) {
	p.advanceRemoteAck(in.AckFrame)
	copy(p.peerConnectStatus, in.ConnectStatus)

	width := p.codec.Width()
	reference := p.recvRefPayload
	if reference == nil {
		reference = make([]byte, width)
	}

	plains, err := rle.Decompress(in.Compressed, reference, width)
	if err != nil {
		p.report(telemetry.Warning, "failed to decompress Input body: "+err.Error())
		return
	}

	nextExpected := p.ourAckFrame.Add(1)
	f := in.StartFrame
	for _, raw := range plains {
		if !p.ourAckFrame.IsNull() && f.Before(nextExpected) {
			f = f.Add(1)
			continue
		}
		payload, err := p.codec.Decode(raw)
		if err != nil {
			p.report(telemetry.Warning, "failed to decode input payload: "+err.Error())
			f = f.Add(1)
			continue
		}
		p.recvInputs = append(p.recvInputs, RecvInput[I]{Frame: f, Payload: payload})
		p.recvRefPayload = raw
		p.ourAckFrame = f
		f = f.Add(1)
	}
}

func (p *Peer[I]) report(sev telemetry.Severity, msg string) {
	p.observer.Report(telemetry.Violation{
		Severity: sev,
		Kind:     telemetry.KindProtocol,
		Message:  msg,
		Location: "protocol.Peer",
	})
}
