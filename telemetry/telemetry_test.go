package telemetry

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/joeycumines/logiface"

	"github.com/wallstop/fortress-rollback/frame"
)

func TestReporterLogsRepeatedViolation(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, nil)

	r := NewReporter(handler, logiface.LevelTrace)
	defer r.Close()

	r.Report(Violation{
		Severity: Warning,
		Kind:     KindProtocol,
		Frame:    frame.Frame(10),
		Message:  "dropped malformed packet",
		Location: "protocol.decode",
	})
	r.Report(Violation{
		Severity: Warning,
		Kind:     KindProtocol,
		Frame:    frame.Frame(11),
		Message:  "dropped malformed packet",
		Location: "protocol.decode",
	})

	out := buf.String()
	if out == "" {
		t.Fatal("expected log output")
	}
	if !bytes.Contains(buf.Bytes(), []byte("dropped malformed packet")) {
		t.Fatalf("log output missing message: %s", out)
	}
}

func TestNopObserverNeverPanics(t *testing.T) {
	Nop.Report(Violation{Severity: Critical, Kind: KindInvariant, Message: "x"})
}

func TestRunIDStable(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(slog.NewTextHandler(&buf, nil), logiface.LevelInfo)
	defer r.Close()

	id1 := r.RunID()
	id2 := r.RunID()
	if id1 != id2 {
		t.Fatal("RunID changed across calls")
	}
}
