package recorder

import (
	"errors"
	"fmt"
	"io"

	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/session"
)

// Fulfill executes one request a SyncTestSession emitted, the same contract
// a live host's game loop satisfies for Save/Load/Advance requests.
type Fulfill[I comparable, S any] func(req session.Request[I, S]) error

// DriveSyncTest replays every record in p against sess: for each frame it
// supplies every player's recorded input, calls AdvanceFrame, and executes
// the returned requests via fulfill, in order. It stops cleanly at end of
// log (io.EOF) and otherwise returns the first error encountered, wrapping
// it with the frame it occurred on.
func DriveSyncTest[I comparable, S any](p *Replay[I], sess *session.SyncTestSession[I, S], fulfill Fulfill[I, S]) error {
	for {
		rec, err := p.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		for h, payload := range rec.Inputs {
			if err := sess.AddLocalInput(frame.PlayerHandle(h), payload); err != nil {
				return fmt.Errorf("recorder: frame %s: supplying input for player %d: %w", rec.Frame, h, err)
			}
		}

		reqs, err := sess.AdvanceFrame()
		if err != nil {
			return fmt.Errorf("recorder: frame %s: AdvanceFrame: %w", rec.Frame, err)
		}
		for _, req := range reqs {
			if err := fulfill(req); err != nil {
				return fmt.Errorf("recorder: frame %s: fulfilling %s request: %w", rec.Frame, req.Kind, err)
			}
		}
	}
}
