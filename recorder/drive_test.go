package recorder

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/inputqueue"
	"github.com/wallstop/fortress-rollback/session"
	"github.com/wallstop/fortress-rollback/sync"
	"github.com/wallstop/fortress-rollback/xhash"
)

// gameState is a trivial deterministic "simulation" for drive tests: its
// checksum is derivable purely from Sum, so recording and replaying the same
// inputs always reproduces the same checksum.
type gameState struct {
	Sum int
}

func (s gameState) checksum() uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(s.Sum))
	return xhash.Checksum(buf[:])
}

func applyInputs(s gameState, inputs []sync.SyncedInput[uint8]) gameState {
	for _, in := range inputs {
		s.Sum += int(in.Payload)
	}
	return s
}

func TestDriveSyncTestReplaysRecordedMatch(t *testing.T) {
	const numPlayers = 2

	var log bytes.Buffer
	rec := New[uint8](&log, byteCodec{})

	// Record a tiny deterministic match directly (no live session needed: the
	// recorder only cares about the {frame, inputs, checksum} triples).
	state := gameState{}
	for f := 0; f < 5; f++ {
		inputs := []uint8{uint8(f % 3), uint8((f + 1) % 3)}
		synced := make([]sync.SyncedInput[uint8], numPlayers)
		for p, v := range inputs {
			synced[p] = sync.SyncedInput[uint8]{Player: frame.PlayerHandle(p), Payload: v, Status: inputqueue.StatusConfirmed}
		}
		state = applyInputs(state, synced)
		if err := rec.Record(frame.Frame(f), inputs, state.checksum()); err != nil {
			t.Fatalf("Record(%d): %v", f, err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	builder := session.NewBuilder[uint8, gameState, string](nil, byteCodec{})
	builder.AddLocalPlayer(0).AddLocalPlayer(1)
	sess, err := builder.StartSyncTestSession(2)
	if err != nil {
		t.Fatalf("StartSyncTestSession: %v", err)
	}

	replay := Open[uint8](&log, byteCodec{}, numPlayers)
	defer replay.Close()

	replayState := gameState{}
	fulfill := Fulfill[uint8, gameState](func(req session.Request[uint8, gameState]) error {
		switch req.Kind {
		case session.RequestSaveGameState:
			checksum := replayState.checksum()
			req.Cell.Save(req.Frame, &replayState, &checksum)
		case session.RequestLoadGameState:
			if s, ok := req.Cell.Load(); ok {
				replayState = s
			}
		case session.RequestAdvanceFrame:
			replayState = applyInputs(replayState, req.Inputs)
		}
		return nil
	})

	if err := DriveSyncTest[uint8, gameState](replay, sess, fulfill); err != nil {
		t.Fatalf("DriveSyncTest: %v", err)
	}

	if got, want := replayState.Sum, state.Sum; got != want {
		t.Fatalf("replayed Sum = %d, want %d", got, want)
	}
	if mismatches := sess.Mismatches(); len(mismatches) != 0 {
		t.Fatalf("unexpected mismatches after deterministic replay: %+v", mismatches)
	}
}
