package session

import (
	"cmp"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/wallstop/fortress-rollback/config"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/frerr"
	"github.com/wallstop/fortress-rollback/protocol"
	"github.com/wallstop/fortress-rollback/socket"
	"github.com/wallstop/fortress-rollback/telemetry"
)

// Builder assembles a Config and player roster and starts exactly one of
// the three session shapes spec.md §4.5 describes (P2PSession,
// SpectatorSession, SyncTestSession). It wraps config.Builder with the
// address-to-handle bookkeeping and dependency injection (codec, clock,
// observer, tracer) those session constructors need.
type Builder[I comparable, S any, A cmp.Ordered] struct {
	cfgBuilder *config.Builder
	addrOf     map[frame.PlayerHandle]A

	codec    protocol.Codec[I]
	observer telemetry.Observer
	clock    protocol.Clock
	tracer   trace.Tracer
}

// NewBuilder starts a Builder from optional Config overrides, mirroring
// config.NewBuilder.
func NewBuilder[I comparable, S any, A cmp.Ordered](overrides *config.Config, codec protocol.Codec[I]) *Builder[I, S, A] {
	return &Builder[I, S, A]{
		cfgBuilder: config.NewBuilder(overrides),
		addrOf:     make(map[frame.PlayerHandle]A),
		codec:      codec,
	}
}

// AddLocalPlayer registers handle as a local input source.
func (b *Builder[I, S, A]) AddLocalPlayer(handle frame.PlayerHandle) *Builder[I, S, A] {
	b.cfgBuilder.AddPlayer(config.PlayerLocal, handle)
	return b
}

// AddRemotePlayer registers handle as reached through addr.
func (b *Builder[I, S, A]) AddRemotePlayer(handle frame.PlayerHandle, addr A) *Builder[I, S, A] {
	b.cfgBuilder.AddPlayer(config.PlayerRemote, handle)
	b.addrOf[handle] = addr
	return b
}

// AddSpectator registers handle as a non-participating observer.
func (b *Builder[I, S, A]) AddSpectator(handle frame.PlayerHandle) *Builder[I, S, A] {
	b.cfgBuilder.AddPlayer(config.PlayerSpectator, handle)
	return b
}

// SetInputDelay configures per-player local input buffering.
func (b *Builder[I, S, A]) SetInputDelay(handle frame.PlayerHandle, delay int) *Builder[I, S, A] {
	b.cfgBuilder.SetInputDelay(handle, delay)
	return b
}

// WithObserver installs a telemetry.Observer; nil is replaced with
// telemetry.Nop at session construction time.
func (b *Builder[I, S, A]) WithObserver(o telemetry.Observer) *Builder[I, S, A] {
	b.observer = o
	return b
}

// WithClock installs a protocol.Clock; nil defaults to protocol.SystemClock.
func (b *Builder[I, S, A]) WithClock(c protocol.Clock) *Builder[I, S, A] {
	b.clock = c
	return b
}

// WithTracer installs an OpenTelemetry tracer for the sync layer's spans.
func (b *Builder[I, S, A]) WithTracer(t trace.Tracer) *Builder[I, S, A] {
	b.tracer = t
	return b
}

// StartP2PSession validates the accumulated configuration and starts a
// P2PSession driven over sock.
func (b *Builder[I, S, A]) StartP2PSession(sock socket.Socket[A]) (*P2PSession[I, S, A], error) {
	cfg, players, err := b.cfgBuilder.Build()
	if err != nil {
		return nil, err
	}
	return newP2PSession[I, S, A](cfg, players, b.addrOf, sock, b.codec, b.observer, b.clock, b.tracer)
}

// StartSpectatorSession validates the accumulated configuration and starts
// a SpectatorSession following host's confirmed-input broadcast.
func (b *Builder[I, S, A]) StartSpectatorSession(sock socket.Socket[A], host A) (*SpectatorSession[I, S, A], error) {
	cfg, players, err := b.cfgBuilder.Build()
	if err != nil {
		return nil, err
	}
	return newSpectatorSession[I, S, A](cfg, players, host, sock, b.codec, b.observer, b.clock, b.tracer)
}

// StartSyncTestSession validates the accumulated configuration and starts a
// single-process SyncTestSession that rolls back and resimulates every
// checkDistance frames to verify determinism, needing no network at all.
func (b *Builder[I, S, A]) StartSyncTestSession(checkDistance int) (*SyncTestSession[I, S], error) {
	if checkDistance < 1 {
		return nil, fmt.Errorf("session: check distance %d must be >= 1: %w", checkDistance, frerr.ErrInvalidRequest)
	}
	cfg, players, err := b.cfgBuilder.Build()
	if err != nil {
		return nil, err
	}
	return newSyncTestSession[I, S](cfg, players, checkDistance, b.observer, b.tracer)
}
