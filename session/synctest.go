package session

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	diff "github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"

	"github.com/wallstop/fortress-rollback/config"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/frerr"
	"github.com/wallstop/fortress-rollback/inputqueue"
	"github.com/wallstop/fortress-rollback/savestate"
	synclayer "github.com/wallstop/fortress-rollback/sync"
	"github.com/wallstop/fortress-rollback/telemetry"
)

type origRecord[S any] struct {
	frame frame.Frame
	cell  *savestate.Cell[S]
}

type verifyRecord[S any] struct {
	frame frame.Frame
	cell  *savestate.Cell[S]
}

// Mismatch is one confirmed determinism failure: resimulating the same
// recorded inputs from a checkpoint produced a different checksum than the
// original run did, at the given frame.
type Mismatch struct {
	Frame frame.Frame
	Diff  string
}

// SyncTestSession drives a single process through its own input history
// twice: once normally, and again every checkDistance frames by rolling
// back to an earlier checkpoint and resimulating forward with the exact
// same recorded inputs (spec.md §4.5 sketch). Any difference in the
// resulting checksum is a determinism bug in the host's simulation code,
// not a networking problem — there is no peer here to disagree with.
type SyncTestSession[I comparable, S any] struct {
	cfg           config.Config
	numPlayers    int
	checkDistance int
	observer      telemetry.Observer
	tracer        trace.Tracer

	currentFrame frame.Frame
	saved        *savestate.Ring[S]
	history      map[frame.Frame][]I

	provided map[frame.PlayerHandle]I

	checksums        map[frame.Frame]uint32
	pendingOriginals []origRecord[S]
	pendingVerify    *verifyRecord[S]

	requests   []Request[I, S]
	events     *eventQueue[struct{}]
	mismatches []Mismatch
}

func newSyncTestSession[I comparable, S any](
	cfg config.Config,
	players config.Players,
	checkDistance int,
	observer telemetry.Observer,
	tracer trace.Tracer,
) (*SyncTestSession[I, S], error) {
	if observer == nil {
		observer = telemetry.Nop
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("session")
	}
	return &SyncTestSession[I, S]{
		cfg:           cfg,
		numPlayers:    cfg.NumPlayers,
		checkDistance: checkDistance,
		observer:      observer,
		tracer:        tracer,
		currentFrame:  0,
		saved:         savestate.NewRing[S](checkDistance + 2),
		history:       make(map[frame.Frame][]I),
		provided:      make(map[frame.PlayerHandle]I),
		checksums:     make(map[frame.Frame]uint32),
		events:        newEventQueue[struct{}](cfg.EventQueueSize),
	}, nil
}

// AddLocalInput supplies handle's input for the current frame. Every
// registered handle must provide input exactly once before AdvanceFrame,
// since a sync test harness has no remote to predict from.
func (s *SyncTestSession[I, S]) AddLocalInput(handle frame.PlayerHandle, payload I) error {
	if int(handle) >= s.numPlayers {
		return fmt.Errorf("session: %s out of range for %d players: %w", handle, s.numPlayers, frerr.ErrInvalidRequest)
	}
	if _, exists := s.provided[handle]; exists {
		return fmt.Errorf("session: input already supplied for %s this frame: %w", handle, frerr.ErrInvalidRequest)
	}
	s.provided[handle] = payload
	return nil
}

// AdvanceFrame requires every player's input to already have been supplied
// this frame, records it, saves, and advances one frame. Every
// checkDistance frames it also rolls back and resimulates, comparing the
// resulting checksum against the originally recorded one.
func (s *SyncTestSession[I, S]) AdvanceFrame() ([]Request[I, S], error) {
	s.deliverPendingOriginals()
	s.deliverPendingVerify()

	if len(s.provided) != s.numPlayers {
		return nil, fmt.Errorf("session: %d of %d players supplied input: %w", len(s.provided), s.numPlayers, frerr.ErrMissingInput)
	}

	inputs := make([]I, s.numPlayers)
	synced := make([]synclayer.SyncedInput[I], s.numPlayers)
	for p := 0; p < s.numPlayers; p++ {
		payload := s.provided[frame.PlayerHandle(p)]
		inputs[p] = payload
		synced[p] = synclayer.SyncedInput[I]{Player: frame.PlayerHandle(p), Payload: payload, Status: inputqueue.StatusConfirmed}
	}
	s.history[s.currentFrame] = inputs
	for h := range s.provided {
		delete(s.provided, h)
	}

	s.requests = s.requests[:0]
	cell := s.saved.GetCell(s.currentFrame)
	s.requests = append(s.requests, Request[I, S]{Kind: RequestSaveGameState, Frame: s.currentFrame, Cell: cell})
	s.pendingOriginals = append(s.pendingOriginals, origRecord[S]{frame: s.currentFrame, cell: cell})
	s.requests = append(s.requests, Request[I, S]{Kind: RequestAdvanceFrame, Frame: s.currentFrame, Inputs: synced})

	finished := s.currentFrame
	s.currentFrame = s.currentFrame.Add(1)

	if s.pendingVerify == nil && s.checkDistance > 0 && int(s.currentFrame)%s.checkDistance == 0 && int(s.currentFrame) >= s.checkDistance {
		s.scheduleVerify(finished)
	}

	return s.requests, nil
}

// scheduleVerify appends a rollback-and-resimulate cycle covering the last
// checkDistance frames ending at upTo, to the requests just produced.
func (s *SyncTestSession[I, S]) scheduleVerify(upTo frame.Frame) {
	checkpoint := upTo.Add(-(s.checkDistance - 1))
	if checkpoint.IsNull() || int(checkpoint) < 0 {
		return
	}
	loadCell := s.saved.GetCell(checkpoint)
	s.requests = append(s.requests, Request[I, S]{Kind: RequestLoadGameState, Frame: checkpoint, Cell: loadCell})

	for f := checkpoint; !f.After(upTo); f = f.Add(1) {
		inputs, ok := s.history[f]
		if !ok {
			return
		}
		synced := make([]synclayer.SyncedInput[I], s.numPlayers)
		for p := 0; p < s.numPlayers; p++ {
			synced[p] = synclayer.SyncedInput[I]{Player: frame.PlayerHandle(p), Payload: inputs[p], Status: inputqueue.StatusConfirmed}
		}
		if f == upTo {
			// A cell of its own: the ring cell for f still holds the
			// original save, whose checksum is read on the next call.
			resimCell := new(savestate.Cell[S])
			s.requests = append(s.requests, Request[I, S]{Kind: RequestSaveGameState, Frame: f, Cell: resimCell})
			s.pendingVerify = &verifyRecord[S]{frame: f, cell: resimCell}
		}
		s.requests = append(s.requests, Request[I, S]{Kind: RequestAdvanceFrame, Frame: f, Inputs: synced})
	}
}

func (s *SyncTestSession[I, S]) deliverPendingOriginals() {
	if len(s.pendingOriginals) == 0 {
		return
	}
	remaining := s.pendingOriginals[:0]
	for _, rec := range s.pendingOriginals {
		checksum, ok := rec.cell.Checksum()
		if !ok {
			remaining = append(remaining, rec)
			continue
		}
		s.checksums[rec.frame] = checksum
	}
	s.pendingOriginals = append([]origRecord[S](nil), remaining...)
}

func (s *SyncTestSession[I, S]) deliverPendingVerify() {
	if s.pendingVerify == nil {
		return
	}
	checksum, ok := s.pendingVerify.cell.Checksum()
	if !ok {
		return
	}
	original, haveOriginal := s.checksums[s.pendingVerify.frame]
	if haveOriginal && original != checksum {
		state, _ := s.pendingVerify.cell.Load()
		d := diffChecksums(s.pendingVerify.frame, state, original, checksum)
		s.mismatches = append(s.mismatches, Mismatch{Frame: s.pendingVerify.frame, Diff: d})
		s.events.push(Event[struct{}]{Kind: EventDesyncDetected, Frame: s.pendingVerify.frame, LocalChecksum: checksum, RemoteChecksum: original})
	}
	s.pendingVerify = nil
}

// diffChecksums renders a human-readable unified diff between the original
// run's outcome and the resimulated one, for a mismatch report a developer
// can paste into a bug.
func diffChecksums[S any](f frame.Frame, resimState S, original, resimulated uint32) string {
	before := fmt.Sprintf("frame %s checksum 0x%08x (original)\n", f, original)
	after := fmt.Sprintf("frame %s checksum 0x%08x (resimulated)\nstate: %#v\n", f, resimulated, resimState)
	edits := myers.ComputeEdits(``, before, after)
	return fmt.Sprint(diff.ToUnified(`original`, `resimulated`, before, edits))
}

// Mismatches returns every confirmed determinism failure detected so far.
func (s *SyncTestSession[I, S]) Mismatches() []Mismatch {
	return s.mismatches
}

// Events drains every session event queued since the last call.
func (s *SyncTestSession[I, S]) Events() []Event[struct{}] {
	return s.events.drain()
}

// CurrentFrame returns the harness's current frame.
func (s *SyncTestSession[I, S]) CurrentFrame() frame.Frame {
	return s.currentFrame
}
