// Package telemetry implements the violation observer spec.md designs in
// §4.4/§7: a sink for structured reports of internal invariant breaches
// that never panics and always offers a best-effort recovery path. It also
// owns the ambient structured-logging setup (github.com/joeycumines/logiface
// over a log/slog backend) and the OpenTelemetry wiring for the domain
// metrics and trace events the rest of the core emits.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/joeycumines/logiface"
	logifaceslog "github.com/joeycumines/logiface-slog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/xhash"
)

// Severity classifies how serious a reported violation is. Invariant
// breaches are always reported; Severity only affects how loudly.
type Severity int

const (
	Warning Severity = iota
	Error
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Kind names the error taxonomy from spec.md §7. It is not an exhaustive
// closed set — new kinds may be added as the core grows — but these are the
// ones named by the spec.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindState         Kind = "state"
	KindProtocol      Kind = "protocol"
	KindDeterminism   Kind = "determinism"
	KindResource      Kind = "resource"
	KindInvariant     Kind = "invariant"
)

// Violation is one structured report of an internal invariant breach or a
// locally-recovered anomaly (dropped packet, clamped value, suppressed
// duplicate). Frame is frame.Null when not applicable.
type Violation struct {
	Severity Severity
	Kind     Kind
	Frame    frame.Frame
	Message  string
	Location string
}

// Observer receives Violation reports. Implementations must never block
// indefinitely and must never panic; Report is called from hot paths (the
// sync layer, the peer protocol) and a misbehaving observer must not be
// able to wedge the session loop.
type Observer interface {
	Report(v Violation)
}

// Nop discards every report. It is the safe zero-configuration default.
var Nop Observer = nopObserver{}

type nopObserver struct{}

func (nopObserver) Report(Violation) {}

// Reporter is the default Observer: it logs via logiface and increments an
// OTel counter with Kind and Severity attributes for every report. It adds a
// span event only when its own context carries a recording span; the
// context NewReporter creates carries none, and Report takes no caller
// context, so no span event is recorded. A mutex guards
// the shared dedup cache and counters, per spec.md §5's requirement that
// the only blocking in the core besides saved-state cells is this
// observer's own short critical section.
type Reporter struct {
	log    *logiface.Logger[*logifaceslog.Event]
	tracer trace.Tracer
	meter  metric.Meter
	runID  uuid.UUID

	violations metric.Int64Counter

	mu      sync.Mutex
	seen    map[uint64]int // local-only dedup key -> repeat count, never cross-peer
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures a Reporter at construction time.
type Option func(*Reporter)

// WithTracer overrides the default global OTel tracer provider's tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Reporter) { r.tracer = tracer }
}

// WithMeter overrides the default global OTel meter provider's meter.
func WithMeter(meter metric.Meter) Option {
	return func(r *Reporter) { r.meter = meter }
}

// NewReporter builds a Reporter writing structured logs to handler (a
// log/slog.Handler) at minimum level, tagging every record with a fresh
// per-session run ID for cross-log correlation.
func NewReporter(handler slog.Handler, level logiface.Level, opts ...Option) *Reporter {
	runID, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system clock/entropy source is broken;
		// fall back to the nil UUID rather than letting observer construction
		// itself violate the zero-panic discipline it exists to enforce.
		runID = uuid.UUID{}
	}

	logger := logiface.New[*logifaceslog.Event](
		logifaceslog.NewLogger(handler, logifaceslog.WithLevel(level)),
	)

	ctx, cancel := context.WithCancel(context.Background())

	r := &Reporter{
		log:    logger,
		tracer: otel.Tracer("github.com/wallstop/fortress-rollback"),
		meter:  otel.Meter("github.com/wallstop/fortress-rollback"),
		runID:  runID,
		seen:   make(map[uint64]int),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	if counter, err := r.meter.Int64Counter(
		"fortress_rollback.violations",
		metric.WithDescription("count of reported internal violations, by kind and severity"),
	); err == nil {
		r.violations = counter
	}

	return r
}

// Close releases the Reporter's internal context. Sessions call this on
// shutdown; it is safe to skip (Reporter holds no OS resources) but keeps
// any future context-scoped instrumentation well-behaved.
func (r *Reporter) Close() {
	r.cancel()
}

// Report implements Observer.
func (r *Reporter) Report(v Violation) {
	key := xhash.LocalKey([]byte(string(v.Kind) + "|" + v.Location + "|" + v.Message))

	r.mu.Lock()
	repeat := r.seen[key]
	r.seen[key] = repeat + 1
	r.mu.Unlock()

	event := r.log.Info()
	switch v.Severity {
	case Warning:
		event = r.log.Warning()
	case Error:
		event = r.log.Err()
	case Critical:
		event = r.log.Err()
	}

	event = event.
		Str("run_id", r.runID.String()).
		Str("kind", string(v.Kind)).
		Str("severity", v.Severity.String()).
		Str("location", v.Location).
		Int("repeat_count", repeat)
	if !v.Frame.IsNull() {
		event = event.Int("frame", int(v.Frame))
	}
	event.Log(v.Message)

	if span := trace.SpanFromContext(r.ctx); span.IsRecording() {
		span.AddEvent("fortress_rollback.violation")
	}
	if r.violations != nil {
		r.violations.Add(r.ctx, 1, metric.WithAttributes(
			attrKind(v.Kind), attrSeverity(v.Severity),
		))
	}
}

func attrKind(k Kind) attribute.KeyValue {
	return attribute.String("fortress_rollback.kind", string(k))
}

func attrSeverity(s Severity) attribute.KeyValue {
	return attribute.String("fortress_rollback.severity", s.String())
}

// RunID returns the reporter's correlation ID for this session.
func (r *Reporter) RunID() uuid.UUID {
	return r.runID
}

// Tracer exposes the configured OTel tracer so other packages (session,
// sync) can start spans around rollback sequences without importing otel
// themselves.
func (r *Reporter) Tracer() trace.Tracer {
	return r.tracer
}

// Meter exposes the configured OTel meter for gauges/counters owned by
// other packages (queue depth, rollback distance).
func (r *Reporter) Meter() metric.Meter {
	return r.meter
}
