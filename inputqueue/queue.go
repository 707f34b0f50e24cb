// Package inputqueue implements the per-player input queue described by
// spec.md §3/§4.1 (component C4): the authoritative history of one
// player's inputs, a "repeat last confirmed input" predictor for frames not
// yet received, and first-mismatch tracking so the sync layer knows exactly
// how far back a rollback must reach.
package inputqueue

import (
	"fmt"

	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/internal/ringbuf"
	"github.com/wallstop/fortress-rollback/telemetry"
)

// DefaultCapacity is the default ring size (spec.md §3: "default 128").
const DefaultCapacity = 128

// MinCapacity is the smallest legal ring size (spec.md §3: "minimum 2").
const MinCapacity = 2

// Status distinguishes an input the queue is certain about from one it
// synthesized.
type Status int

const (
	StatusConfirmed Status = iota
	StatusPredicted
)

func (s Status) String() string {
	if s == StatusConfirmed {
		return "confirmed"
	}
	return "predicted"
}

// Input is one player's input for one frame, tagged with how the queue
// obtained it. I is the caller-chosen payload type: copyable, comparable
// (for the equality spec.md requires to detect mispredictions), with a
// useful zero value (the "blank" input used for the very first predictions).
type Input[I comparable] struct {
	Frame   frame.Frame
	Payload I
	Status  Status
}

// Queue is the per-player input queue (spec.md §3/§4.1, component C4).
// A Queue is not safe for concurrent use; like the rest of the sync-layer
// core it is driven by the single cooperative thread described in §5.
type Queue[I comparable] struct {
	ring *ringbuf.Ring[Input[I]]

	length     int
	frameDelay int

	lastAddedFrame     frame.Frame
	lastConfirmedInput I
	haveLastConfirmed  bool

	// Prediction-streak bookkeeping. A streak starts the first time Input
	// synthesizes a prediction after the queue has caught up to its
	// previous one (or after an explicit ResetPrediction); every frame
	// predicted during the streak is handed the same frozen payload, so a
	// single frozen value suffices to check any of them for misprediction
	// once its real input arrives, however many frames later that is.
	predicting      bool
	predictionStart frame.Frame // earliest frame predicted this streak
	predictionFrame frame.Frame // latest frame predicted this streak
	predictedPayload I

	firstIncorrectFrame frame.Frame
	lastRequestedFrame  frame.Frame

	observer telemetry.Observer
	player   frame.PlayerHandle
}

// New builds a Queue for the given player with the given ring capacity
// (clamped up to MinCapacity). A nil observer is replaced with
// telemetry.Nop.
func New[I comparable](player frame.PlayerHandle, capacity int, observer telemetry.Observer) *Queue[I] {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	if observer == nil {
		observer = telemetry.Nop
	}
	return &Queue[I]{
		ring:                ringbuf.New[Input[I]](capacity),
		lastAddedFrame:      frame.Null,
		predictionStart:     frame.Null,
		predictionFrame:     frame.Null,
		firstIncorrectFrame: frame.Null,
		lastRequestedFrame:  frame.Null,
		observer:            observer,
		player:              player,
	}
}

// Capacity returns the ring's fixed size.
func (q *Queue[I]) Capacity() int {
	return q.ring.Cap()
}

// Length returns the number of frames currently stored (Q1: length <=
// ring.len()).
func (q *Queue[I]) Length() int {
	return q.length
}

// LastAddedFrame returns the most recent frame inserted, or frame.Null if
// empty.
func (q *Queue[I]) LastAddedFrame() frame.Frame {
	return q.lastAddedFrame
}

// FirstIncorrectFrame returns the smallest frame whose confirmed input
// disagreed with a previously-returned prediction, or frame.Null if no
// misprediction is outstanding.
func (q *Queue[I]) FirstIncorrectFrame() frame.Frame {
	return q.firstIncorrectFrame
}

// LastRequestedFrame returns the highest frame any consumer has asked for
// via Input.
func (q *Queue[I]) LastRequestedFrame() frame.Frame {
	return q.lastRequestedFrame
}

// SetFrameDelay sets the local input-buffering delay. Permitted only
// before any input has been added (spec.md §4.1); otherwise it is rejected,
// since a new implementer's Open Question in spec.md §9 resolves "reject
// delay changes post-start" as the implemented behavior (option (a) in the
// spec's explicit note).
func (q *Queue[I]) SetFrameDelay(delay int) error {
	if !q.lastAddedFrame.IsNull() {
		q.report(telemetry.Error, "cannot change frame delay after input has been added")
		return fmt.Errorf("inputqueue: cannot set frame delay after input has been added")
	}
	if delay < 0 || delay >= q.ring.Cap() {
		return fmt.Errorf("inputqueue: frame delay %d out of range [0, %d)", delay, q.ring.Cap())
	}
	q.frameDelay = delay
	return nil
}

// FrameDelay returns the configured frame delay.
func (q *Queue[I]) FrameDelay() int {
	return q.frameDelay
}

// AddInput inserts a local input supplied for conceptual frame f; it is
// stored at the delayed frame f+frame_delay. Returns the effective
// (delayed) frame the input was stored at, or an error if the insertion
// was non-sequential (in which case the input is dropped and a warning
// violation is reported, per spec.md §4.1's error conditions).
func (q *Queue[I]) AddInput(f frame.Frame, payload I) (frame.Frame, error) {
	effective := f.Add(q.frameDelay)
	if err := q.insert(effective, payload); err != nil {
		return frame.Null, err
	}
	return effective, nil
}

// AddRemoteInput inserts a remote input already tagged with its final
// frame (remote inputs carry no local delay; the delay is a purely local
// buffering concept). If f falls within the current prediction streak
// (spec.md §3's prediction_frame generalized to a range, since the sync
// layer may run several frames ahead of a lagging remote before any of
// them confirm) and the real payload differs from what the streak's frozen
// prediction handed out for every frame in it, FirstIncorrectFrame is set
// (or left at its current, earlier, value). The streak itself is left
// running — a later-confirmed frame within the same streak still needs
// checking — and only ends when Input next observes the queue has caught
// up to it, or ResetPrediction is called explicitly.
func (q *Queue[I]) AddRemoteInput(f frame.Frame, payload I) error {
	mispredicted := q.predicting && !f.Before(q.predictionStart) && !f.After(q.predictionFrame)
	predictedPayload := q.predictedPayload

	if err := q.insert(f, payload); err != nil {
		return err
	}

	if mispredicted && predictedPayload != payload {
		if q.firstIncorrectFrame.IsNull() || f.Before(q.firstIncorrectFrame) {
			q.firstIncorrectFrame = f
		}
	}

	return nil
}

func (q *Queue[I]) insert(effective frame.Frame, payload I) error {
	if !q.lastAddedFrame.IsNull() && effective != q.lastAddedFrame.Add(1) {
		q.report(telemetry.Warning, fmt.Sprintf(
			"dropped non-sequential input for player %s: got frame %s, expected %s",
			q.player, effective, q.lastAddedFrame.Add(1)))
		return fmt.Errorf("inputqueue: non-sequential insert: got %s, want %s", effective, q.lastAddedFrame.Add(1))
	}

	slot := effective.Mod(q.ring.Cap())
	q.ring.Set(slot, Input[I]{Frame: effective, Payload: payload, Status: StatusConfirmed})

	q.lastAddedFrame = effective
	q.lastConfirmedInput = payload
	q.haveLastConfirmed = true

	if q.length < q.ring.Cap() {
		q.length++
	}
	// length stays at capacity when the ring is full; the oldest frame's
	// slot has just been silently reused. Callers are expected to keep
	// discard_confirmed_frames running far enough ahead of max_prediction
	// that this path is never exercised in practice (spec.md Q1/Q2).

	return nil
}

// Input returns the input for requestedFrame: Confirmed if stored,
// otherwise a synthesized prediction (StatusPredicted) built from the
// last confirmed payload — or the zero value if nothing has ever been
// confirmed yet (the "blank" input at session start, spec.md §3).
func (q *Queue[I]) Input(requestedFrame frame.Frame) Input[I] {
	if q.lastRequestedFrame.IsNull() || q.lastRequestedFrame.Before(requestedFrame) {
		q.lastRequestedFrame = requestedFrame
	}

	if q.length > 0 {
		tailFrame := q.firstStoredFrame()
		if !requestedFrame.Before(tailFrame) && !q.lastAddedFrame.Before(requestedFrame) {
			slot := requestedFrame.Mod(q.ring.Cap())
			return q.ring.At(slot)
		}
	}

	if q.predicting && !q.lastAddedFrame.Before(q.predictionFrame) {
		// The previous streak has been fully confirmed; a new one starts
		// fresh from whatever the queue now knows is confirmed.
		q.predicting = false
	}
	if !q.predicting {
		q.predicting = true
		q.predictionStart = requestedFrame
		q.predictedPayload = q.lastConfirmedInput
		if !q.haveLastConfirmed {
			var zero I
			q.predictedPayload = zero
		}
	}
	q.predictionFrame = requestedFrame

	return Input[I]{Frame: requestedFrame, Payload: q.predictedPayload, Status: StatusPredicted}
}

func (q *Queue[I]) firstStoredFrame() frame.Frame {
	if q.length == 0 {
		return frame.Null
	}
	return q.lastAddedFrame.Add(-(q.length - 1))
}

// DiscardConfirmedFrames drops stored inputs with frame <= upTo, refusing
// (and reporting an error violation) if that would discard a frame at or
// past LastRequestedFrame, since a pending consumer may still need to
// reproduce that output (spec.md §4.1).
func (q *Queue[I]) DiscardConfirmedFrames(upTo frame.Frame) error {
	if q.length == 0 || upTo.IsNull() {
		return nil
	}
	if !q.lastRequestedFrame.IsNull() && !upTo.Before(q.lastRequestedFrame) {
		q.report(telemetry.Error, fmt.Sprintf(
			"refused to discard frames up to %s: would cross last requested frame %s",
			upTo, q.lastRequestedFrame))
		return fmt.Errorf("inputqueue: discard up to %s would cross last requested frame %s", upTo, q.lastRequestedFrame)
	}

	tailFrame := q.firstStoredFrame()
	if upTo.Before(tailFrame) {
		return nil
	}

	drop := upTo.Sub(tailFrame) + 1
	if drop > q.length {
		drop = q.length
	}
	q.length -= drop
	return nil
}

// ResetPrediction clears any outstanding prediction bookkeeping. Called by
// the sync layer after a rollback reconverges (spec.md §4.3).
func (q *Queue[I]) ResetPrediction() {
	q.predicting = false
	q.predictionStart = frame.Null
	q.predictionFrame = frame.Null
	q.firstIncorrectFrame = frame.Null
}

func (q *Queue[I]) report(sev telemetry.Severity, msg string) {
	q.observer.Report(telemetry.Violation{
		Severity: sev,
		Kind:     telemetry.KindState,
		Frame:    q.lastAddedFrame,
		Message:  msg,
		Location: "inputqueue",
	})
}
