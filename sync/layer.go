// Package sync implements the Sync Layer (spec.md §3/§4.3, component C7):
// it owns the per-player input queues and the saved-state ring, decides
// when to save, when to roll back and resimulate, and emits the ordered
// list of requests the host game must execute (component C7's
// responsibility in spec.md's data-flow description, §2).
//
// Package sync never touches the network; it knows nothing about peers,
// sockets, or wire formats. Component C9 (package protocol) and C10
// (package session) sit above it.
package sync

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/wallstop/fortress-rollback/config"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/frerr"
	"github.com/wallstop/fortress-rollback/inputqueue"
	"github.com/wallstop/fortress-rollback/savestate"
	"github.com/wallstop/fortress-rollback/telemetry"
)

// ConnectStatus tracks one player's known progression, used so a
// disconnected player's absence doesn't stall every other player's
// simulation (spec.md §3).
type ConnectStatus struct {
	Disconnected bool
	LastFrame    frame.Frame
}

// RequestKind distinguishes the three request shapes spec.md §3 defines.
type RequestKind int

const (
	RequestSaveGameState RequestKind = iota
	RequestLoadGameState
	RequestAdvanceFrame
)

func (k RequestKind) String() string {
	switch k {
	case RequestSaveGameState:
		return "SaveGameState"
	case RequestLoadGameState:
		return "LoadGameState"
	case RequestAdvanceFrame:
		return "AdvanceFrame"
	default:
		return "Unknown"
	}
}

// SyncedInput is one player's input for the frame an AdvanceFrame request
// carries, tagged with how it was obtained (spec.md §4.3 "synchronized
// inputs").
type SyncedInput[I comparable] struct {
	Player       frame.PlayerHandle
	Payload      I
	Status       inputqueue.Status
	Disconnected bool
}

// Request is one entry in the ordered sequence the host must execute
// (spec.md §3 "Requests"). Exactly one of Cell/Inputs is populated,
// depending on Kind.
type Request[I comparable, S any] struct {
	Kind   RequestKind
	Frame  frame.Frame
	Cell   *savestate.Cell[S]
	Inputs []SyncedInput[I]
}

// Layer is the Sync Layer (component C7). It is not safe for concurrent
// use; it is driven by the single cooperative thread spec.md §5 describes.
type Layer[I comparable, S any] struct {
	currentFrame       frame.Frame
	maxPrediction      int
	lastConfirmedFrame frame.Frame
	lastSavedFrame     frame.Frame

	queues        []*inputqueue.Queue[I]
	connectStatus []ConnectStatus
	saved         *savestate.Ring[S]

	saveMode config.SaveMode
	observer telemetry.Observer
	tracer   trace.Tracer
}

// New builds a Layer for numPlayers active participants (spectators are
// not represented here; they have no input queue of their own, spec.md
// §4.5).
func New[I comparable, S any](cfg config.Config, numPlayers int, observer telemetry.Observer, tracer trace.Tracer) *Layer[I, S] {
	if observer == nil {
		observer = telemetry.Nop
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("sync")
	}

	queues := make([]*inputqueue.Queue[I], numPlayers)
	connectStatus := make([]ConnectStatus, numPlayers)
	for p := 0; p < numPlayers; p++ {
		queues[p] = inputqueue.New[I](frame.PlayerHandle(p), cfg.QueueLength, observer)
		connectStatus[p] = ConnectStatus{LastFrame: frame.Null}
	}

	return &Layer[I, S]{
		currentFrame:       0,
		maxPrediction:      cfg.MaxPrediction,
		lastConfirmedFrame: frame.Null,
		lastSavedFrame:     frame.Null,
		queues:             queues,
		connectStatus:      connectStatus,
		saved:              savestate.NewRing[S](cfg.MaxPrediction),
		saveMode:           cfg.SaveMode,
		observer:           observer,
		tracer:             tracer,
	}
}

// CurrentFrame returns the layer's current frame.
func (l *Layer[I, S]) CurrentFrame() frame.Frame {
	return l.currentFrame
}

// LastConfirmedFrame returns the most recent frame known to be confirmed
// for every active player.
func (l *Layer[I, S]) LastConfirmedFrame() frame.Frame {
	return l.lastConfirmedFrame
}

// LastSavedFrame returns the most recent frame the layer has emitted a
// SaveGameState request for.
func (l *Layer[I, S]) LastSavedFrame() frame.Frame {
	return l.lastSavedFrame
}

// Queue returns the input queue for player p.
func (l *Layer[I, S]) Queue(p frame.PlayerHandle) *inputqueue.Queue[I] {
	return l.queues[p]
}

// SetDisconnected marks player p as disconnected as of lastFrame: from
// lastFrame+1 onward, SynchronizedInputs synthesizes a disconnect-flagged
// default input for them instead of consulting their queue (spec.md §4.3,
// scenario 5).
func (l *Layer[I, S]) SetDisconnected(p frame.PlayerHandle, lastFrame frame.Frame) {
	l.connectStatus[p] = ConnectStatus{Disconnected: true, LastFrame: lastFrame}
}

// ConnectStatus returns the tracked status for player p.
func (l *Layer[I, S]) ConnectStatus(p frame.PlayerHandle) ConnectStatus {
	return l.connectStatus[p]
}

// SetLastConfirmedFrame advances last_confirmed_frame to n (n must be <=
// current_frame) and opportunistically discards now-unreachable input
// history. Per the spec.md §4.3 state-transition table.
func (l *Layer[I, S]) SetLastConfirmedFrame(n frame.Frame) error {
	if !n.Before(l.currentFrame.Add(1)) {
		return fmt.Errorf("sync: SetLastConfirmedFrame(%s) exceeds current_frame %s: %w", n, l.currentFrame, frerr.ErrInvalidRequest)
	}
	l.lastConfirmedFrame = n
	l.discardOldInputs()
	return nil
}

func (l *Layer[I, S]) discardOldInputs() {
	floor := l.currentFrame.Add(-l.maxPrediction - 1)
	for _, q := range l.queues {
		_ = q.DiscardConfirmedFrames(floor) // best-effort; refusal is safe to ignore
	}
}

// AdvanceFrame runs the core operation of spec.md §4.3: it detects
// mispredictions, performs a rollback and resimulation if one is needed,
// and always ends by producing the request(s) to advance exactly one
// frame further than when it was called. Requests are appended to out
// (which the session owns and clears between calls, per spec.md §4.5's
// pre-allocation contract); AdvanceFrame never allocates the slice itself.
func (l *Layer[I, S]) AdvanceFrame(out *[]Request[I, S]) error {
	if !l.lastConfirmedFrame.IsNull() && l.currentFrame.Sub(l.lastConfirmedFrame) > l.maxPrediction {
		return frerr.ErrPredictionThreshold
	}

	_, span := l.tracer.Start(context.Background(), "sync.AdvanceFrame")
	defer span.End()

	// Step 1: unconditional bootstrap save at the very first frame.
	if l.currentFrame == 0 && l.saveMode != config.SaveModeSparse {
		l.emitSave(out, 0)
	}

	// Step 2: rollback, if a misprediction is outstanding.
	firstIncorrect := l.firstIncorrectFrame()
	if !firstIncorrect.IsNull() && !firstIncorrect.Before(l.currentFrame) {
		// Skip-rollback (spec.md §8 P10): the misprediction was only
		// just discovered at the frame we have not yet advanced past, so
		// there is nothing to load; clear predictions and fall through to
		// the normal save+advance below.
		l.clearPredictions()
	} else if !firstIncorrect.IsNull() {
		originalCurrent := l.currentFrame
		frameToLoad := firstIncorrect
		if l.saveMode == config.SaveModeSparse {
			frameToLoad = l.lastSavedFrame
		}

		if frameToLoad.IsNull() || !frameToLoad.Before(l.currentFrame) || frameToLoad.Before(l.currentFrame.Add(-l.maxPrediction)) {
			l.observer.Report(telemetry.Violation{
				Severity: telemetry.Error,
				Kind:     telemetry.KindState,
				Frame:    frameToLoad,
				Message:  fmt.Sprintf("refusing to load invalid frame %s (current %s, max_prediction %d)", frameToLoad, l.currentFrame, l.maxPrediction),
				Location: "sync.AdvanceFrame",
			})
			return fmt.Errorf("sync: load frame %s invalid relative to current %s: %w", frameToLoad, l.currentFrame, frerr.ErrInvalidLoadFrame)
		}

		span.AddEvent("rollback")
		l.emitLoad(out, frameToLoad)
		l.currentFrame = frameToLoad
		l.clearPredictions()

		for f := frameToLoad; f.Before(originalCurrent); f = f.Add(1) {
			inputs := l.SynchronizedInputs(f)
			if l.saveMode == config.SaveModeEveryFrame || allConfirmed(inputs) {
				l.emitSave(out, f)
			}
			l.emitAdvanceWith(out, f, inputs)
			l.currentFrame = f.Add(1)
		}
	}

	// Steps 3-4: always save and advance exactly one frame past where this
	// call started (the resim loop above, if it ran, only catches back up
	// to the original current_frame; it never performs this tail step).
	inputs := l.SynchronizedInputs(l.currentFrame)
	if l.saveMode == config.SaveModeEveryFrame || allConfirmed(inputs) {
		l.emitSave(out, l.currentFrame)
	}
	l.emitAdvanceWith(out, l.currentFrame, inputs)
	l.currentFrame = l.currentFrame.Add(1)

	return nil
}

// firstIncorrectFrame returns the minimum FirstIncorrectFrame across all
// active (non-disconnected-past-their-last-frame) players' queues, or
// frame.Null if none is outstanding.
func (l *Layer[I, S]) firstIncorrectFrame() frame.Frame {
	result := frame.Null
	for p, q := range l.queues {
		status := l.connectStatus[p]
		if status.Disconnected && l.currentFrame.Sub(status.LastFrame) > 0 {
			continue
		}
		fi := q.FirstIncorrectFrame()
		if fi.IsNull() {
			continue
		}
		if result.IsNull() || fi.Before(result) {
			result = fi
		}
	}
	return result
}

func (l *Layer[I, S]) clearPredictions() {
	for _, q := range l.queues {
		q.ResetPrediction()
	}
}

func (l *Layer[I, S]) emitSave(out *[]Request[I, S], f frame.Frame) {
	cell := l.saved.GetCell(f)
	*out = append(*out, Request[I, S]{Kind: RequestSaveGameState, Frame: f, Cell: cell})
	l.lastSavedFrame = f
}

func (l *Layer[I, S]) emitLoad(out *[]Request[I, S], f frame.Frame) {
	cell := l.saved.GetCell(f)
	*out = append(*out, Request[I, S]{Kind: RequestLoadGameState, Frame: f, Cell: cell})
}

func (l *Layer[I, S]) emitAdvanceWith(out *[]Request[I, S], f frame.Frame, inputs []SyncedInput[I]) {
	*out = append(*out, Request[I, S]{Kind: RequestAdvanceFrame, Frame: f, Inputs: inputs})
}

// allConfirmed reports whether every input in a synchronized set is
// Confirmed (used in sparse-save mode to decide whether a frame is "newly
// confirmed" and therefore worth checkpointing, spec.md §4.3 step 3).
func allConfirmed[I comparable](inputs []SyncedInput[I]) bool {
	for _, in := range inputs {
		if in.Status != inputqueue.StatusConfirmed {
			return false
		}
	}
	return true
}

// SynchronizedInputs computes the per-player input set for frame f
// (spec.md §4.3 "Synchronized inputs"): ascending handle order for
// determinism (P6), disconnect-flagged defaults for players known
// disconnected as of f, confirmed-or-predicted otherwise.
func (l *Layer[I, S]) SynchronizedInputs(f frame.Frame) []SyncedInput[I] {
	out := make([]SyncedInput[I], len(l.queues))
	for p := 0; p < len(l.queues); p++ {
		status := l.connectStatus[p]
		if status.Disconnected && f.Sub(status.LastFrame) > 0 {
			var zero I
			out[p] = SyncedInput[I]{
				Player:       frame.PlayerHandle(p),
				Payload:      zero,
				Status:       inputqueue.StatusConfirmed,
				Disconnected: true,
			}
			continue
		}

		in := l.queues[p].Input(f)
		out[p] = SyncedInput[I]{
			Player:  frame.PlayerHandle(p),
			Payload: in.Payload,
			Status:  in.Status,
		}
	}
	return out
}
