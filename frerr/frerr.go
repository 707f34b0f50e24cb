// Package frerr defines the sentinel errors for Fortress Rollback's error
// taxonomy (spec.md §7): Configuration errors surface at builder time (and
// ErrInvalidRequest also from session and sync-layer calls made out of
// contract), State errors surface from Session.AdvanceFrame as returned values, and
// neither is ever a panic. Callers branch on these with errors.Is.
package frerr

import "errors"

// Configuration errors (spec.md §7 "Configuration"): invalid handle,
// invalid delay, unknown preset. Surfaced from SessionBuilder methods;
// ErrInvalidRequest is also returned by AddLocalInput and
// sync.Layer.SetLastConfirmedFrame when called out of contract.
var (
	ErrInvalidPlayerHandle = errors.New("fortress-rollback: invalid player handle")
	ErrInvalidFrameDelay   = errors.New("fortress-rollback: invalid frame delay")
	ErrUnknownPreset       = errors.New("fortress-rollback: unknown preset")
	ErrInvalidRequest      = errors.New("fortress-rollback: invalid session request")
)

// State errors (spec.md §7 "State"): surfaced from Session.AdvanceFrame
// (or the sync layer underneath it) as returned values.
var (
	ErrNotSynchronized     = errors.New("fortress-rollback: session is not yet synchronized")
	ErrMissingInput        = errors.New("fortress-rollback: local input missing for current frame")
	ErrPredictionThreshold = errors.New("fortress-rollback: prediction window exhausted")
	ErrInvalidLoadFrame    = errors.New("fortress-rollback: invalid frame for load_frame")
)
