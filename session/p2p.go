package session

import (
	"cmp"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/wallstop/fortress-rollback/config"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/frerr"
	"github.com/wallstop/fortress-rollback/protocol"
	"github.com/wallstop/fortress-rollback/savestate"
	"github.com/wallstop/fortress-rollback/socket"
	synclayer "github.com/wallstop/fortress-rollback/sync"
	"github.com/wallstop/fortress-rollback/telemetry"
	"github.com/wallstop/fortress-rollback/wire"
	"github.com/wallstop/fortress-rollback/xhash"
)

// Request re-exports the sync layer's request type so session callers need
// not import package sync directly.
type Request[I comparable, S any] = synclayer.Request[I, S]

const (
	RequestSaveGameState = synclayer.RequestSaveGameState
	RequestLoadGameState = synclayer.RequestLoadGameState
	RequestAdvanceFrame  = synclayer.RequestAdvanceFrame
)

type pendingChecksum[S any] struct {
	frame frame.Frame
	cell  *savestate.Cell[S]
}

// P2PSession is the primary session type (spec.md §4.5): every active
// player is either local or reached through one protocol.Peer each. It is
// not safe for concurrent use — one cooperative thread calls AddLocalInput,
// then AdvanceFrame, then fulfills the returned requests, per frame
// (spec.md §5).
type P2PSession[I comparable, S any, A cmp.Ordered] struct {
	cfg config.Config

	localHandles []frame.PlayerHandle
	addrOf       map[frame.PlayerHandle]A
	handleOf     map[A]frame.PlayerHandle
	remoteOrder  []A

	peers map[A]*protocol.Peer[I]
	layer *synclayer.Layer[I, S]
	sock  socket.Socket[A]
	codec protocol.Codec[I]
	clock protocol.Clock

	observer telemetry.Observer
	tracer   trace.Tracer

	events   *eventQueue[A]
	requests []Request[I, S]
	provided map[frame.PlayerHandle]bool
	health   map[frame.PlayerHandle]SyncHealth

	pendingChecksums []pendingChecksum[S]

	spectators        []A
	spectatorPeers    map[A]*protocol.Peer[I]
	spectatorRng      *xhash.PCG32
	lastSpectatorSent frame.Frame
}

// newP2PSession is called by Builder.StartP2PSession only; it assumes cfg
// and players have already passed config.Builder.Build's validation.
func newP2PSession[I comparable, S any, A cmp.Ordered](
	cfg config.Config,
	players config.Players,
	addrOf map[frame.PlayerHandle]A,
	sock socket.Socket[A],
	codec protocol.Codec[I],
	observer telemetry.Observer,
	clock protocol.Clock,
	tracer trace.Tracer,
) (*P2PSession[I, S, A], error) {
	if codec == nil || sock == nil {
		return nil, frerr.ErrInvalidRequest
	}
	if observer == nil {
		observer = telemetry.Nop
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("session")
	}

	s := &P2PSession[I, S, A]{
		cfg:               cfg,
		addrOf:            make(map[frame.PlayerHandle]A),
		handleOf:          make(map[A]frame.PlayerHandle),
		peers:             make(map[A]*protocol.Peer[I]),
		layer:             synclayer.New[I, S](cfg, cfg.NumPlayers, observer, tracer),
		sock:              sock,
		codec:             codec,
		clock:             clock,
		spectatorPeers:    make(map[A]*protocol.Peer[I]),
		lastSpectatorSent: frame.Null,
		observer:          observer,
		tracer:            tracer,
		events:            newEventQueue[A](cfg.EventQueueSize),
		provided:          make(map[frame.PlayerHandle]bool),
		health:            make(map[frame.PlayerHandle]SyncHealth),
	}

	rng := xhash.NewPCG32(uint64(players.Order[0])+1, 0xF057)
	s.spectatorRng = rng

	for _, handle := range players.Order {
		if delay, ok := players.InputDelay[handle]; ok {
			switch players.Types[handle] {
			case config.PlayerLocal, config.PlayerRemote:
				if err := s.layer.Queue(handle).SetFrameDelay(delay); err != nil {
					return nil, err
				}
			}
		}
		switch players.Types[handle] {
		case config.PlayerLocal:
			s.localHandles = append(s.localHandles, handle)
			s.health[handle] = SyncHealth{Status: InSync}
		case config.PlayerRemote:
			addr, ok := addrOf[handle]
			if !ok {
				return nil, fmt.Errorf("session: no address registered for remote handle %s: %w", handle, frerr.ErrInvalidRequest)
			}
			s.addrOf[handle] = addr
			s.handleOf[addr] = handle
			s.peers[addr] = protocol.New[I](cfg, cfg.NumPlayers, codec, clock, observer, rng)
			s.health[handle] = SyncHealth{Status: Pending}
		case config.PlayerSpectator:
			// Spectators contribute no input and hold no sync-layer queue in
			// a P2PSession; they are served by SpectatorSession instead.
		}
	}

	s.remoteOrder = make([]A, 0, len(s.peers))
	for addr := range s.peers {
		s.remoteOrder = append(s.remoteOrder, addr)
	}
	slices.Sort(s.remoteOrder)

	for _, addr := range s.remoteOrder {
		s.sock.Send(addr, s.peers[addr].Start())
	}

	return s, nil
}

// AddLocalInput supplies handle's input for the current frame. It must be
// called at most once per local handle per frame, before AdvanceFrame
// (spec.md §4.5/§7 "missing local input").
func (s *P2PSession[I, S, A]) AddLocalInput(handle frame.PlayerHandle, payload I) error {
	if !s.isLocal(handle) {
		return fmt.Errorf("session: %s is not a local player: %w", handle, frerr.ErrInvalidRequest)
	}
	if s.provided[handle] {
		return fmt.Errorf("session: input already supplied for %s this frame: %w", handle, frerr.ErrInvalidRequest)
	}

	current := s.layer.CurrentFrame()
	effective, err := s.layer.Queue(handle).AddInput(current, payload)
	if err != nil {
		return err
	}
	s.provided[handle] = true

	for _, addr := range s.remoteOrder {
		s.peers[addr].QueueLocalInput(effective, payload)
	}
	return nil
}

// AddSpectator registers addr to receive the confirmed-input broadcast a
// SpectatorSession at the other end consumes (spec.md §4.5). It starts a
// handshake/keepalive-only peer for addr, which tracks the spectator's
// connection state with the same state machine a player's peer uses; that
// peer's protocol events are not surfaced as session events.
func (s *P2PSession[I, S, A]) AddSpectator(addr A) {
	if _, exists := s.spectatorPeers[addr]; exists {
		return
	}
	peer := protocol.New[I](s.cfg, s.cfg.NumPlayers, s.codec, s.clock, s.observer, s.spectatorRng)
	s.spectatorPeers[addr] = peer
	s.spectators = append(s.spectators, addr)
	s.sock.Send(addr, prefixProtocol(peer.Start()))
}

// allRemotesRunning reports whether every remote peer has finished its
// handshake (or has since been judged disconnected, which must never block
// the session indefinitely). spec.md §6 AdvanceFrame precondition: "state is
// Running" — for a P2PSession that means no remote is still in
// Initializing/Synchronizing.
func (s *P2PSession[I, S, A]) allRemotesRunning() bool {
	for _, addr := range s.remoteOrder {
		switch s.peers[addr].State() {
		case protocol.StateInitializing, protocol.StateSynchronizing:
			return false
		}
	}
	return true
}

func (s *P2PSession[I, S, A]) isLocal(handle frame.PlayerHandle) bool {
	for _, h := range s.localHandles {
		if h == handle {
			return true
		}
	}
	return false
}

// pollRemoteClients drains the socket, feeds every packet to its owning
// peer, and folds the resulting protocol-level occurrences into the
// session's own event queue and sync-layer state.
func (s *P2PSession[I, S, A]) pollRemoteClients() {
	for _, pkt := range s.sock.ReceiveAll() {
		handle, ok := s.handleOf[pkt.Addr]
		if !ok {
			if specPeer, isSpec := s.spectatorPeers[pkt.Addr]; isSpec {
				if len(pkt.Data) > 0 && pkt.Data[0] == spectatorTagProtocol {
					send, _ := specPeer.HandlePacket(pkt.Data[1:])
					for _, raw := range send {
						s.sock.Send(pkt.Addr, prefixProtocol(raw))
					}
				}
			}
			continue
		}
		peer := s.peers[pkt.Addr]
		send, evs := peer.HandlePacket(pkt.Data)
		for _, raw := range send {
			s.sock.Send(pkt.Addr, raw)
		}
		s.translateEvents(handle, pkt.Addr, peer, evs)

		for _, in := range peer.DrainRecvInputs() {
			if err := s.layer.Queue(handle).AddRemoteInput(in.Frame, in.Payload); err != nil {
				s.observer.Report(telemetry.Violation{
					Severity: telemetry.Warning,
					Kind:     telemetry.KindProtocol,
					Frame:    in.Frame,
					Message:  "dropped out-of-order remote input from " + handle.String(),
					Location: "session.P2PSession.pollRemoteClients",
				})
			}
		}
	}

	for _, addr := range s.remoteOrder {
		peer := s.peers[addr]
		handle := s.handleOf[addr]
		send, evs := peer.Tick(s.layer.CurrentFrame())
		for _, raw := range send {
			s.sock.Send(addr, raw)
		}
		s.translateEvents(handle, addr, peer, evs)
	}

	for _, addr := range s.spectators {
		send, _ := s.spectatorPeers[addr].Tick(s.layer.CurrentFrame())
		for _, raw := range send {
			s.sock.Send(addr, prefixProtocol(raw))
		}
	}
}

func (s *P2PSession[I, S, A]) translateEvents(handle frame.PlayerHandle, addr A, peer *protocol.Peer[I], evs []protocol.Event) {
	for _, e := range evs {
		kind := EventKind(e.Kind)
		s.events.push(Event[A]{
			Kind:           kind,
			Player:         handle,
			Addr:           addr,
			Progress:       e.Progress,
			Frame:          e.Frame,
			LocalChecksum:  e.LocalChecksum,
			RemoteChecksum: e.RemoteChecksum,
		})

		switch e.Kind {
		case protocol.EventSynchronized:
			s.health[handle] = SyncHealth{Status: InSync}
		case protocol.EventDisconnected:
			s.layer.SetDisconnected(handle, s.layer.CurrentFrame())
		case protocol.EventDesyncDetected:
			s.health[handle] = SyncHealth{
				Status: Desynced,
				Frame:  e.Frame,
				Local:  e.LocalChecksum,
				Remote: e.RemoteChecksum,
			}
		}
	}

	if peer.State() == protocol.StateDisconnected {
		s.layer.SetDisconnected(handle, s.layer.CurrentFrame())
	}
}

// AdvanceFrame delivers checksums scheduled by the previous call, polls
// remote clients, synchronizes each remote's view of local input, and runs
// the sync layer one frame forward (spec.md §4.5's per-frame procedure).
// The returned requests alias an internal slice valid only until the next
// AdvanceFrame call; the caller must fulfill every request before calling
// again.
func (s *P2PSession[I, S, A]) AdvanceFrame() ([]Request[I, S], error) {
	s.deliverPendingChecksums()
	s.pollRemoteClients()
	s.updateConfirmedFrame()

	if !s.allRemotesRunning() {
		return nil, frerr.ErrNotSynchronized
	}
	for _, h := range s.localHandles {
		if !s.provided[h] {
			return nil, fmt.Errorf("session: %s has not supplied input for frame %s: %w", h, s.layer.CurrentFrame(), frerr.ErrMissingInput)
		}
	}

	localStatus := make([]wire.ConnectStatus, s.cfg.NumPlayers)
	for p := 0; p < s.cfg.NumPlayers; p++ {
		cs := s.layer.ConnectStatus(frame.PlayerHandle(p))
		localStatus[p] = wire.ConnectStatus{Disconnected: cs.Disconnected, LastFrame: cs.LastFrame}
	}
	for _, addr := range s.remoteOrder {
		s.peers[addr].SetLocalConnectStatus(localStatus)
	}

	s.requests = s.requests[:0]
	if err := s.layer.AdvanceFrame(&s.requests); err != nil {
		return nil, err
	}

	s.scheduleChecksums()
	s.flushPeerOutputs()
	s.broadcastToSpectators()
	s.emitWaitRecommendations()

	for _, h := range s.localHandles {
		delete(s.provided, h)
	}

	return s.requests, nil
}

// scheduleChecksums records every SaveGameState cell this AdvanceFrame call
// just emitted at a desync-detection interval boundary. The cell's checksum
// is not yet populated — the host fulfills SaveGameState requests
// synchronously after AdvanceFrame returns — so delivery is deferred to the
// top of the NEXT AdvanceFrame call (spec.md §4.4 "Checksum exchange").
func (s *P2PSession[I, S, A]) scheduleChecksums() {
	if !s.cfg.DesyncDetection.Enabled || s.cfg.DesyncDetection.Interval <= 0 {
		return
	}
	for _, req := range s.requests {
		if req.Kind != RequestSaveGameState {
			continue
		}
		if int(req.Frame)%s.cfg.DesyncDetection.Interval != 0 {
			continue
		}
		s.pendingChecksums = append(s.pendingChecksums, pendingChecksum[S]{frame: req.Frame, cell: req.Cell})
	}
}

func (s *P2PSession[I, S, A]) deliverPendingChecksums() {
	if len(s.pendingChecksums) == 0 {
		return
	}
	remaining := s.pendingChecksums[:0]
	for _, pc := range s.pendingChecksums {
		checksum, ok := pc.cell.Checksum()
		if !ok {
			// The host has not fulfilled this save yet; try again next call.
			remaining = append(remaining, pc)
			continue
		}
		for _, addr := range s.remoteOrder {
			s.sock.Send(addr, s.peers[addr].BuildChecksumReport(pc.frame, checksum))
			evs := s.peers[addr].NoteLocalChecksum(pc.frame, checksum)
			s.translateEvents(s.handleOf[addr], addr, s.peers[addr], evs)
		}
	}
	s.pendingChecksums = append([]pendingChecksum[S](nil), remaining...)
}

// updateConfirmedFrame advances the sync layer's last_confirmed_frame to the
// lowest of the frames received contiguously from each remote (or, with no
// remotes at all, to the previous frame,
// since a purely local session confirms input the instant it is supplied).
func (s *P2PSession[I, S, A]) updateConfirmedFrame() {
	if len(s.remoteOrder) == 0 {
		n := s.layer.CurrentFrame().Add(-1)
		if n.After(s.layer.LastConfirmedFrame()) {
			_ = s.layer.SetLastConfirmedFrame(n)
		}
		return
	}

	confirmed := frame.Null
	for _, addr := range s.remoteOrder {
		pf := s.peers[addr].ConfirmedFrame()
		if pf.IsNull() {
			return
		}
		if confirmed.IsNull() || pf.Before(confirmed) {
			confirmed = pf
		}
	}
	if confirmed.After(s.layer.LastConfirmedFrame()) {
		_ = s.layer.SetLastConfirmedFrame(confirmed)
	}
}

// broadcastToSpectators pushes every newly confirmed frame to every
// registered spectator, fixed-width-encoded per encodeSpectatorFrame
// (spec.md §4.5 spectator sketch). Only confirmed frames are sent: a
// spectator never predicts or rolls back, so it must never see a frame that
// might still change.
func (s *P2PSession[I, S, A]) broadcastToSpectators() {
	if len(s.spectators) == 0 {
		return
	}
	confirmed := s.layer.LastConfirmedFrame()
	if confirmed.IsNull() {
		return
	}
	width := s.codec.Width()
	start := frame.Frame(0)
	if !s.lastSpectatorSent.IsNull() {
		start = s.lastSpectatorSent.Add(1)
	}
	for f := start; !f.After(confirmed); f = f.Add(1) {
		inputs := s.layer.SynchronizedInputs(f)
		payloads := make([][]byte, len(inputs))
		for i, in := range inputs {
			payloads[i] = s.codec.Encode(in.Payload)
		}
		pkt := encodeSpectatorFrame(f, payloads, width)
		for _, addr := range s.spectators {
			s.sock.Send(addr, pkt)
		}
		s.lastSpectatorSent = f
	}
}

func (s *P2PSession[I, S, A]) flushPeerOutputs() {
	for _, addr := range s.remoteOrder {
		if pkt := s.peers[addr].FlushOutput(); pkt != nil {
			s.sock.Send(addr, pkt)
		}
	}
}

// emitWaitRecommendations surfaces a WaitRecommendation event when any
// remote's time-sync window indicates the local side is running too far
// ahead (spec.md §4.4 TimeSync).
func (s *P2PSession[I, S, A]) emitWaitRecommendations() {
	for _, addr := range s.remoteOrder {
		wait, recommend := s.peers[addr].Recommend(s.layer.CurrentFrame())
		if !recommend {
			continue
		}
		s.events.push(Event[A]{
			Kind:       EventWaitRecommendation,
			Player:     s.handleOf[addr],
			Addr:       addr,
			WaitFrames: wait,
		})
	}
}

// Events drains every session event queued since the last call.
func (s *P2PSession[I, S, A]) Events() []Event[A] {
	return s.events.drain()
}

// CurrentFrame returns the sync layer's current frame.
func (s *P2PSession[I, S, A]) CurrentFrame() frame.Frame {
	return s.layer.CurrentFrame()
}

// ConfirmedFrame returns the most recent frame confirmed for every active
// player.
func (s *P2PSession[I, S, A]) ConfirmedFrame() frame.Frame {
	return s.layer.LastConfirmedFrame()
}

// SyncHealth reports handle's last-known synchronization status.
func (s *P2PSession[I, S, A]) SyncHealth(handle frame.PlayerHandle) SyncHealth {
	return s.health[handle]
}

// DisconnectPlayer forces handle into the disconnected state immediately
// (spec.md §6 "session.disconnect_player").
func (s *P2PSession[I, S, A]) DisconnectPlayer(handle frame.PlayerHandle) {
	s.layer.SetDisconnected(handle, s.layer.CurrentFrame())
	if addr, ok := s.addrOf[handle]; ok {
		s.peers[addr].Disconnect()
	}
}
