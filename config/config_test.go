package config

import (
	"errors"
	"testing"
	"time"

	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/frerr"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxPrediction != 8 {
		t.Errorf("MaxPrediction = %d, want 8", cfg.MaxPrediction)
	}
	if cfg.QueueLength != 128 {
		t.Errorf("QueueLength = %d, want 128", cfg.QueueLength)
	}
	if !cfg.DesyncDetection.Enabled || cfg.DesyncDetection.Interval != 60 {
		t.Errorf("DesyncDetection = %+v, want enabled/60", cfg.DesyncDetection)
	}
}

func TestBuilderAddPlayers(t *testing.T) {
	b := NewBuilder(nil)
	b.AddPlayer(PlayerLocal, frame.PlayerHandle(0))
	b.AddPlayer(PlayerRemote, frame.PlayerHandle(1))

	cfg, players, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.NumPlayers != 2 {
		t.Fatalf("NumPlayers = %d, want 2", cfg.NumPlayers)
	}
	if len(players.Order) != 2 {
		t.Fatalf("Order len = %d, want 2", len(players.Order))
	}
}

func TestBuilderRejectsDuplicateHandle(t *testing.T) {
	b := NewBuilder(nil)
	b.AddPlayer(PlayerLocal, frame.PlayerHandle(0))
	b.AddPlayer(PlayerRemote, frame.PlayerHandle(0))

	if _, _, err := b.Build(); !errors.Is(err, frerr.ErrInvalidPlayerHandle) {
		t.Fatalf("Build error = %v, want ErrInvalidPlayerHandle", err)
	}
}

func TestBuilderRejectsNoActivePlayers(t *testing.T) {
	b := NewBuilder(nil)
	b.AddPlayer(PlayerSpectator, frame.PlayerHandle(5))

	if _, _, err := b.Build(); err == nil {
		t.Fatal("expected error when no active players are registered")
	}
}

func TestBuilderOverridesMergeOverDefaults(t *testing.T) {
	overrides := Config{MaxPrediction: 16}
	b := NewBuilder(&overrides)
	b.AddPlayer(PlayerLocal, frame.PlayerHandle(0))

	cfg, _, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.MaxPrediction != 16 {
		t.Fatalf("MaxPrediction = %d, want 16 (override)", cfg.MaxPrediction)
	}
	if cfg.QueueLength != 128 {
		t.Fatalf("QueueLength = %d, want 128 (default preserved)", cfg.QueueLength)
	}
}

func TestSetInputDelayValidation(t *testing.T) {
	b := NewBuilder(nil)
	b.AddPlayer(PlayerLocal, frame.PlayerHandle(0))
	b.SetInputDelay(frame.PlayerHandle(0), -1)

	if _, _, err := b.Build(); !errors.Is(err, frerr.ErrInvalidFrameDelay) {
		t.Fatalf("Build error = %v, want ErrInvalidFrameDelay", err)
	}
}

func TestApplyPresetUnknown(t *testing.T) {
	if _, err := ApplyPreset("nonexistent"); !errors.Is(err, frerr.ErrUnknownPreset) {
		t.Fatalf("ApplyPreset error = %v, want ErrUnknownPreset", err)
	}
}

func TestApplyPresetKnown(t *testing.T) {
	cfg, err := ApplyPreset(PresetWideAreaNetwork)
	if err != nil {
		t.Fatalf("ApplyPreset: %v", err)
	}
	if cfg.DisconnectTimeout != 5000*time.Millisecond {
		t.Errorf("DisconnectTimeout = %v, want 5s", cfg.DisconnectTimeout)
	}
}
