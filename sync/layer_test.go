package sync

import (
	"errors"
	"testing"

	"github.com/wallstop/fortress-rollback/config"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/frerr"
	"github.com/wallstop/fortress-rollback/inputqueue"
)

func newTestLayer(t *testing.T, numPlayers int) *Layer[int, int] {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MaxPrediction = 8
	cfg.QueueLength = 64
	return New[int, int](cfg, numPlayers, nil, nil)
}

func kinds[I comparable, S any](reqs []Request[I, S]) []RequestKind {
	out := make([]RequestKind, len(reqs))
	for i, r := range reqs {
		out[i] = r.Kind
	}
	return out
}

func equalKinds(got, want []RequestKind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestAdvanceFrameBootstrapAtFrameZero(t *testing.T) {
	l := newTestLayer(t, 2)
	for p := 0; p < 2; p++ {
		if _, err := l.Queue(frame.PlayerHandle(p)).AddInput(0, 1); err != nil {
			t.Fatalf("AddInput: %v", err)
		}
	}

	var reqs []Request[int, int]
	if err := l.AdvanceFrame(&reqs); err != nil {
		t.Fatalf("AdvanceFrame: %v", err)
	}

	want := []RequestKind{RequestSaveGameState, RequestSaveGameState, RequestAdvanceFrame}
	if got := kinds(reqs); !equalKinds(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if reqs[0].Frame != 0 || reqs[1].Frame != 0 || reqs[2].Frame != 0 {
		t.Fatalf("expected all requests for frame 0, got %+v", reqs)
	}
	if l.CurrentFrame() != 1 {
		t.Fatalf("CurrentFrame() = %s, want 1", l.CurrentFrame())
	}
}

func TestAdvanceFrameNormalPathAfterBootstrap(t *testing.T) {
	l := newTestLayer(t, 2)
	for f := 0; f < 3; f++ {
		for p := 0; p < 2; p++ {
			if _, err := l.Queue(frame.PlayerHandle(p)).AddInput(frame.Frame(f), 1); err != nil {
				t.Fatalf("AddInput: %v", err)
			}
		}
		var reqs []Request[int, int]
		if err := l.AdvanceFrame(&reqs); err != nil {
			t.Fatalf("AdvanceFrame at %d: %v", f, err)
		}
		if f > 0 {
			want := []RequestKind{RequestSaveGameState, RequestAdvanceFrame}
			if got := kinds(reqs); !equalKinds(got, want) {
				t.Fatalf("frame %d: kinds = %v, want %v", f, got, want)
			}
		}
	}
	if l.CurrentFrame() != 3 {
		t.Fatalf("CurrentFrame() = %s, want 3", l.CurrentFrame())
	}
}

// TestAdvanceFrameRollback exercises P4: a misprediction discovered two
// frames in the past triggers Load(f); (Save;Advance)^{c-f+1}.
func TestAdvanceFrameRollback(t *testing.T) {
	l := newTestLayer(t, 2)

	// Player 0 is local and always on time; player 1 is remote and will
	// mispredict at frame 1.
	local := l.Queue(0)
	remote := l.Queue(1)

	// Frame 0: both confirmed as 1.
	mustAdd(t, local, 0, 1)
	mustAdd(t, remote, 0, 1)
	var reqs []Request[int, int]
	if err := l.AdvanceFrame(&reqs); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	if l.CurrentFrame() != 1 {
		t.Fatalf("CurrentFrame() = %s, want 1", l.CurrentFrame())
	}

	// Frame 1: local confirmed 1, remote not yet available (predicted).
	mustAdd(t, local, 1, 1)
	reqs = reqs[:0]
	if err := l.AdvanceFrame(&reqs); err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	if l.CurrentFrame() != 2 {
		t.Fatalf("CurrentFrame() = %s, want 2", l.CurrentFrame())
	}

	// Frame 2: local confirmed 1, remote still predicted.
	mustAdd(t, local, 2, 1)
	reqs = reqs[:0]
	if err := l.AdvanceFrame(&reqs); err != nil {
		t.Fatalf("frame 2: %v", err)
	}
	if l.CurrentFrame() != 3 {
		t.Fatalf("CurrentFrame() = %s, want 3", l.CurrentFrame())
	}

	// Now the real remote input for frame 1 arrives and disagrees with the
	// prediction (2 instead of 1): this sets first_incorrect_frame=1.
	if err := remote.AddRemoteInput(1, 2); err != nil {
		t.Fatalf("AddRemoteInput: %v", err)
	}
	if remote.FirstIncorrectFrame() != 1 {
		t.Fatalf("FirstIncorrectFrame() = %s, want 1", remote.FirstIncorrectFrame())
	}

	// Frame 3: local confirmed, remote input for frame 2 also in (agrees
	// with the prediction so no further mismatch), then advance_frame
	// should roll back to frame 1.
	if err := remote.AddRemoteInput(2, 1); err != nil {
		t.Fatalf("AddRemoteInput: %v", err)
	}
	mustAdd(t, local, 3, 1)
	reqs = reqs[:0]
	if err := l.AdvanceFrame(&reqs); err != nil {
		t.Fatalf("frame 3 (rollback): %v", err)
	}

	want := []RequestKind{
		RequestLoadGameState,
		RequestSaveGameState, RequestAdvanceFrame, // resim frame 1
		RequestSaveGameState, RequestAdvanceFrame, // resim frame 2
		RequestSaveGameState, RequestAdvanceFrame, // tail: frame 3
	}
	if got := kinds(reqs); !equalKinds(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if reqs[0].Frame != 1 {
		t.Fatalf("Load frame = %s, want 1", reqs[0].Frame)
	}
	if l.CurrentFrame() != 4 {
		t.Fatalf("CurrentFrame() = %s, want 4", l.CurrentFrame())
	}

	// Resimulated frame 1's inputs must reflect the corrected remote value.
	resimFrame1 := reqs[2]
	if resimFrame1.Inputs[1].Payload != 2 {
		t.Fatalf("resimulated frame 1 remote payload = %v, want 2", resimFrame1.Inputs[1].Payload)
	}

	// The misprediction is resolved after the rollback.
	if remote.FirstIncorrectFrame() != frame.Null {
		t.Fatalf("FirstIncorrectFrame() after rollback = %s, want null", remote.FirstIncorrectFrame())
	}
}

// TestAdvanceFrameSkipRollback exercises P10: a misprediction discovered
// at (not before) current_frame clears predictions without a Load.
func TestAdvanceFrameSkipRollback(t *testing.T) {
	l := newTestLayer(t, 2)
	local := l.Queue(0)
	remote := l.Queue(1)

	mustAdd(t, local, 0, 1)
	mustAdd(t, remote, 0, 1)
	var reqs []Request[int, int]
	if err := l.AdvanceFrame(&reqs); err != nil {
		t.Fatalf("frame 0: %v", err)
	}

	// current_frame is now 1. Predict remote's frame-1 input via Input(1),
	// then immediately correct it before calling AdvanceFrame again: the
	// mismatch frame (1) is not before current_frame (1), so this must be
	// a skip-rollback, not a real rollback.
	_ = remote.Input(1)
	if err := remote.AddRemoteInput(1, 2); err != nil {
		t.Fatalf("AddRemoteInput: %v", err)
	}

	reqs = reqs[:0]
	if err := l.AdvanceFrame(&reqs); err != nil {
		t.Fatalf("AdvanceFrame: %v", err)
	}
	for _, r := range reqs {
		if r.Kind == RequestLoadGameState {
			t.Fatalf("unexpected LoadGameState in skip-rollback path: %+v", reqs)
		}
	}
}

func TestAdvanceFramePredictionThreshold(t *testing.T) {
	l := newTestLayer(t, 1)
	q := l.Queue(0)

	for f := 0; f <= l.maxPrediction; f++ {
		mustAdd(t, q, frame.Frame(f), 1)
		var reqs []Request[int, int]
		if err := l.AdvanceFrame(&reqs); err != nil {
			t.Fatalf("frame %d: %v", f, err)
		}
	}

	// last_confirmed_frame is still null (never explicitly confirmed), so
	// the threshold check is inert until SetLastConfirmedFrame is used.
	if err := l.SetLastConfirmedFrame(0); err != nil {
		t.Fatalf("SetLastConfirmedFrame: %v", err)
	}

	mustAdd(t, q, frame.Frame(l.maxPrediction+1), 1)
	var reqs []Request[int, int]
	err := l.AdvanceFrame(&reqs)
	if !errors.Is(err, frerr.ErrPredictionThreshold) {
		t.Fatalf("AdvanceFrame error = %v, want ErrPredictionThreshold", err)
	}
	if len(reqs) != 0 {
		t.Fatalf("expected no requests on threshold overflow, got %+v", reqs)
	}
}

// TestAdvanceFrameInvalidLoadFrame exercises the load_frame precondition
// guard (spec.md §4.3): in sparse-save mode, a misprediction discovered
// before any frame has ever been checkpointed has no valid frame_to_load
// (last_saved_frame is still null), so AdvanceFrame must refuse rather
// than emit a broken LoadGameState.
func TestAdvanceFrameInvalidLoadFrame(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxPrediction = 8
	cfg.QueueLength = 64
	cfg.SaveMode = config.SaveModeSparse
	l := New[int, int](cfg, 2, nil, nil)

	local := l.Queue(0)
	remote := l.Queue(1)

	mustAdd(t, local, 0, 1)
	var reqs []Request[int, int]
	if err := l.AdvanceFrame(&reqs); err != nil {
		t.Fatalf("frame 0: %v", err)
	}
	for _, r := range reqs {
		if r.Kind == RequestSaveGameState {
			t.Fatalf("sparse mode should not have saved an unconfirmed frame: %+v", reqs)
		}
	}

	// Remote's prediction for frame 0 (made above) is now contradicted.
	if err := remote.AddRemoteInput(0, 5); err != nil {
		t.Fatalf("AddRemoteInput: %v", err)
	}
	if remote.FirstIncorrectFrame() != 0 {
		t.Fatalf("FirstIncorrectFrame() = %s, want 0", remote.FirstIncorrectFrame())
	}

	mustAdd(t, local, 1, 1)
	reqs = reqs[:0]
	err := l.AdvanceFrame(&reqs)
	if !errors.Is(err, frerr.ErrInvalidLoadFrame) {
		t.Fatalf("AdvanceFrame error = %v, want ErrInvalidLoadFrame", err)
	}
	if len(reqs) != 0 {
		t.Fatalf("expected no requests when the load precondition fails, got %+v", reqs)
	}
}

func TestSynchronizedInputsAscendingOrderAndDisconnect(t *testing.T) {
	l := newTestLayer(t, 3)
	for p := 0; p < 3; p++ {
		mustAdd(t, l.Queue(frame.PlayerHandle(p)), 0, p+1)
	}
	l.SetDisconnected(2, 0)

	inputs := l.SynchronizedInputs(1)
	if len(inputs) != 3 {
		t.Fatalf("len(inputs) = %d, want 3", len(inputs))
	}
	for i, in := range inputs {
		if in.Player != frame.PlayerHandle(i) {
			t.Fatalf("inputs[%d].Player = %s, want %d", i, in.Player, i)
		}
	}
	if !inputs[2].Disconnected {
		t.Fatalf("expected player 2 flagged disconnected")
	}
}

func mustAdd(t *testing.T, q *inputqueue.Queue[int], f frame.Frame, payload int) {
	t.Helper()
	if _, err := q.AddInput(f, payload); err != nil {
		t.Fatalf("AddInput(%s, %d): %v", f, payload, err)
	}
}
