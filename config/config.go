// Package config implements spec.md §6/component C12: the validated
// parameter bundle every session is built from, plus the builder that
// registers players and enumerates a couple of recognized presets. Default
// merging (a caller-supplied partial Config layered over DefaultConfig())
// uses dario.cat/mergo, the same default-merge idiom kedacore/keda uses for
// layering a CRD's spec over built-in defaults.
package config

import (
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/frerr"
)

// SaveMode selects how aggressively the sync layer checkpoints state
// (spec.md §6: "save_mode: EveryFrame | Sparse").
type SaveMode int

const (
	SaveModeEveryFrame SaveMode = iota
	SaveModeSparse
)

// DesyncDetection configures periodic checksum exchange (spec.md §6:
// "desync_detection.interval: 60 frames (on): {Off | On{interval}}").
type DesyncDetection struct {
	Enabled  bool
	Interval int
}

// Config is the fully-resolved, validated parameter bundle for one
// session. Build one via Builder rather than constructing it directly, so
// defaults and validation are always applied.
type Config struct {
	NumPlayers int

	MaxPrediction int
	QueueLength   int
	FPS           int

	DisconnectTimeout     time.Duration
	DisconnectNotifyStart time.Duration

	SyncPackets       int
	SyncRetryInterval time.Duration

	// QualityReportInterval paces QualityReport emission (spec.md §4.4:
	// "every quality_report_interval (default 1000 ms)").
	QualityReportInterval time.Duration

	DesyncDetection DesyncDetection

	TimeSyncWindow          int
	RecommendationInterval int

	SaveMode SaveMode

	SpectatorMaxFramesBehind int
	SpectatorCatchupSpeed    int

	// EventQueueSize bounds the session's event queue (spec.md §3: "bounded
	// to 100 entries").
	EventQueueSize int
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxPrediction:            8,
		QueueLength:              128,
		FPS:                      60,
		DisconnectTimeout:        2000 * time.Millisecond,
		DisconnectNotifyStart:    750 * time.Millisecond,
		SyncPackets:              5,
		SyncRetryInterval:        200 * time.Millisecond,
		QualityReportInterval:    1000 * time.Millisecond,
		DesyncDetection:          DesyncDetection{Enabled: true, Interval: 60},
		TimeSyncWindow:           40,
		RecommendationInterval:  60,
		SaveMode:                SaveModeEveryFrame,
		SpectatorMaxFramesBehind: 4 * 60,
		SpectatorCatchupSpeed:    4,
		EventQueueSize:           100,
	}
}

// Preset is a named, recognized configuration recipe (spec.md §7:
// "unknown preset" is a Configuration error).
type Preset string

const (
	// PresetLocalTest favors fast convergence for same-machine testing:
	// shorter timeouts, a smaller prediction window, frequent desync checks.
	PresetLocalTest Preset = "local-test"
	// PresetWideAreaNetwork favors tolerance of latency and jitter over a
	// public internet path: longer timeouts, a larger prediction window.
	PresetWideAreaNetwork Preset = "wide-area-network"
)

// ApplyPreset returns DefaultConfig adjusted for a recognized preset, or
// frerr.ErrUnknownPreset wrapped with the offending name.
func ApplyPreset(p Preset) (Config, error) {
	cfg := DefaultConfig()
	switch p {
	case PresetLocalTest:
		cfg.MaxPrediction = 4
		cfg.DisconnectTimeout = 500 * time.Millisecond
		cfg.DisconnectNotifyStart = 200 * time.Millisecond
		cfg.DesyncDetection = DesyncDetection{Enabled: true, Interval: 15}
	case PresetWideAreaNetwork:
		cfg.MaxPrediction = 12
		cfg.DisconnectTimeout = 5000 * time.Millisecond
		cfg.DisconnectNotifyStart = 1500 * time.Millisecond
		cfg.TimeSyncWindow = 60
	default:
		return Config{}, fmt.Errorf("config: %q: %w", p, frerr.ErrUnknownPreset)
	}
	return cfg, nil
}

// PlayerType distinguishes the three participant kinds spec.md §6 names.
type PlayerType int

const (
	PlayerLocal PlayerType = iota
	PlayerRemote
	PlayerSpectator
)

// Builder validates parameters and registers players, mirroring spec.md
// §6's SessionBuilder. Merge overrides over DefaultConfig() before adding
// players: NewBuilder(nil) starts from pure defaults, NewBuilder(&partial)
// layers partial's non-zero fields over the defaults via mergo.
type Builder struct {
	cfg        Config
	players    map[frame.PlayerHandle]PlayerType
	inputDelay map[frame.PlayerHandle]int
	order      []frame.PlayerHandle
	err        error
}

// NewBuilder starts a Builder from DefaultConfig(), optionally merging
// overrides over it. A merge failure (which mergo only returns for
// structurally incompatible inputs, never for zero-value fields) is
// recorded and surfaces from Build.
func NewBuilder(overrides *Config) *Builder {
	cfg := DefaultConfig()
	if overrides != nil {
		if err := mergo.Merge(&cfg, *overrides, mergo.WithOverride); err != nil {
			return &Builder{err: fmt.Errorf("config: merging overrides: %w", err)}
		}
	}
	return &Builder{
		cfg:        cfg,
		players:    make(map[frame.PlayerHandle]PlayerType),
		inputDelay: make(map[frame.PlayerHandle]int),
	}
}

// AddPlayer registers handle as the given PlayerType. Handles must be
// unique; spec.md §6: "handle not reused" -> frerr.ErrInvalidPlayerHandle.
func (b *Builder) AddPlayer(t PlayerType, handle frame.PlayerHandle) *Builder {
	if b.err != nil {
		return b
	}
	if handle.IsNull() {
		b.err = fmt.Errorf("config: null handle: %w", frerr.ErrInvalidPlayerHandle)
		return b
	}
	if _, exists := b.players[handle]; exists {
		b.err = fmt.Errorf("config: handle %s already registered: %w", handle, frerr.ErrInvalidPlayerHandle)
		return b
	}
	b.players[handle] = t
	b.order = append(b.order, handle)
	return b
}

// SetInputDelay configures per-player local input buffering (spec.md §6:
// "input_delay: 0 per player"). Must reference an already-registered
// player.
func (b *Builder) SetInputDelay(handle frame.PlayerHandle, delay int) *Builder {
	if b.err != nil {
		return b
	}
	if _, exists := b.players[handle]; !exists {
		b.err = fmt.Errorf("config: input delay for unregistered handle %s: %w", handle, frerr.ErrInvalidPlayerHandle)
		return b
	}
	if delay < 0 || delay >= b.cfg.QueueLength {
		b.err = fmt.Errorf("config: delay %d out of range [0, %d): %w", delay, b.cfg.QueueLength, frerr.ErrInvalidFrameDelay)
		return b
	}
	b.inputDelay[handle] = delay
	return b
}

// Players is the set of registered players, in registration order.
type Players struct {
	Order      []frame.PlayerHandle
	Types      map[frame.PlayerHandle]PlayerType
	InputDelay map[frame.PlayerHandle]int
}

// Build validates the accumulated configuration and returns the resolved
// Config and Players, or the first Configuration error encountered.
func (b *Builder) Build() (Config, Players, error) {
	if b.err != nil {
		return Config{}, Players{}, b.err
	}

	numActive := 0
	for _, t := range b.players {
		if t != PlayerSpectator {
			numActive++
		}
	}
	if numActive == 0 {
		return Config{}, Players{}, fmt.Errorf("config: no active players registered: %w", frerr.ErrInvalidRequest)
	}

	// spec.md §3: "Handles [0, num_players) are active players; handles >=
	// num_players are spectators." Active queues are indexed directly by
	// handle (sync.Layer.queues[handle]), so a handle outside its expected
	// half is not just a semantic mismatch but an out-of-bounds index
	// waiting to happen; reject it here as InvalidPlayerHandle instead
	// (spec.md §7 requires this surface as a value, never a panic, P7).
	for handle, t := range b.players {
		if t == PlayerSpectator {
			if int(handle) < numActive {
				return Config{}, Players{}, fmt.Errorf("config: spectator handle %s falls within the active range [0, %d): %w", handle, numActive, frerr.ErrInvalidPlayerHandle)
			}
			continue
		}
		if int(handle) >= numActive {
			return Config{}, Players{}, fmt.Errorf("config: active handle %s outside [0, %d): %w", handle, numActive, frerr.ErrInvalidPlayerHandle)
		}
	}

	cfg := b.cfg
	cfg.NumPlayers = numActive

	players := Players{
		Order:      append([]frame.PlayerHandle(nil), b.order...),
		Types:      b.players,
		InputDelay: b.inputDelay,
	}
	return cfg, players, nil
}
