// Package harness runs a protocol's parameter assignments through a
// simulation engine and collects the verdicts into a batch report.
package harness

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"rtpfuzz/internal/engine"
	"rtpfuzz/internal/logging"
	"rtpfuzz/internal/metrics"
	"rtpfuzz/internal/protocol"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "rtpfuzz/harness"

// Verdict is the recorded outcome of one assignment.
type Verdict string

const (
	VerdictPass             Verdict = "pass"
	VerdictFail             Verdict = "fail"
	VerdictSimulationFailed Verdict = "simulation_failed"
)

// Entry is one (assignment, verdict, diagnostics) record.
type Entry struct {
	Index       int                 `json:"index" yaml:"index"`
	Assignment  protocol.Assignment `json:"assignment" yaml:"assignment"`
	Verdict     Verdict             `json:"verdict" yaml:"verdict"`
	Diagnostics engine.Diagnostics  `json:"diagnostics" yaml:"diagnostics"`
	Elapsed     time.Duration       `json:"elapsed_ns" yaml:"elapsed"`
}

// Summary counts entries by verdict. Skipped counts assignments that were
// never submitted because the batch was cancelled.
type Summary struct {
	Total            int `json:"total" yaml:"total"`
	Passed           int `json:"passed" yaml:"passed"`
	Failed           int `json:"failed" yaml:"failed"`
	SimulationFailed int `json:"simulation_failed" yaml:"simulation_failed"`
	Skipped          int `json:"skipped" yaml:"skipped"`
}

// Report is the batch simulation report. Entries are in generation order.
type Report struct {
	RunID     string        `json:"run_id" yaml:"run_id"`
	Identity  string        `json:"identity" yaml:"identity"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns" yaml:"elapsed"`
	Entries   []Entry       `json:"entries" yaml:"entries"`
	Summary   Summary       `json:"summary" yaml:"summary"`
	Cancelled bool          `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
}

// Recorder persists finished reports.
type Recorder interface {
	SaveSimulation(ctx context.Context, r *Report) error
}

// Harness submits assignments to an engine with bounded concurrency.
type Harness struct {
	engine      engine.Engine
	concurrency int
	metrics     *metrics.Collector
	recorder    Recorder
	tracer      trace.Tracer
}

// New creates a Harness. A concurrency below 1 is treated as 1.
func New(e engine.Engine, concurrency int) *Harness {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Harness{engine: e, concurrency: concurrency, tracer: otel.Tracer(tracerName)}
}

// WithTracerProvider traces batches through tp instead of the global provider.
func (h *Harness) WithTracerProvider(tp trace.TracerProvider) *Harness {
	h.tracer = tp.Tracer(tracerName)
	return h
}

// WithMetrics attaches a collector; nil disables metrics.
func (h *Harness) WithMetrics(c *metrics.Collector) *Harness {
	h.metrics = c
	return h
}

// WithRecorder persists every report Run returns; nil disables it.
func (h *Harness) WithRecorder(r Recorder) *Harness {
	h.recorder = r
	return h
}

// Run simulates every assignment against the model's source. Failures of
// individual assignments are recorded, never returned. When ctx is
// cancelled no further assignments are submitted and the report holds the
// entries completed so far with Cancelled set.
func (h *Harness) Run(ctx context.Context, m *protocol.Model, assignments []protocol.Assignment) (*Report, error) {
	if m == nil {
		return nil, errors.New("harness: nil model")
	}
	if h.engine == nil {
		return nil, errors.New("harness: no simulation engine")
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Identity:  m.Identity,
		StartedAt: time.Now().UTC(),
	}
	logging.Harness("%s: simulating %d assignments (concurrency %d)", m.Identity, len(assignments), h.concurrency)

	ctx, span := h.tracer.Start(ctx, "simulate "+m.Identity, trace.WithAttributes(
		attribute.String("rtpfuzz.run_id", report.RunID),
		attribute.Int("rtpfuzz.assignments", len(assignments)),
		attribute.Int("rtpfuzz.concurrency", h.concurrency),
	))
	defer span.End()

	results := make([]*Entry, len(assignments))
	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, a := range assignments {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = h.runOne(ctx, m, i, a)
			return nil
		})
	}
	_ = g.Wait()

	report.Entries = make([]Entry, 0, len(assignments))
	for _, e := range results {
		if e == nil {
			report.Summary.Skipped++
			continue
		}
		report.Entries = append(report.Entries, *e)
		switch e.Verdict {
		case VerdictPass:
			report.Summary.Passed++
		case VerdictFail:
			report.Summary.Failed++
		default:
			report.Summary.SimulationFailed++
		}
	}
	report.Summary.Total = len(report.Entries)
	report.Cancelled = ctx.Err() != nil
	report.Elapsed = time.Since(report.StartedAt)

	span.SetAttributes(
		attribute.Int("rtpfuzz.passed", report.Summary.Passed),
		attribute.Int("rtpfuzz.failed", report.Summary.Failed),
		attribute.Int("rtpfuzz.simulation_failed", report.Summary.SimulationFailed),
		attribute.Int("rtpfuzz.skipped", report.Summary.Skipped),
	)
	if report.Cancelled {
		span.SetStatus(codes.Error, "cancelled")
		logging.HarnessWarn("%s: cancelled after %d of %d assignments", m.Identity, report.Summary.Total, len(assignments))
	}
	logging.Harness("%s: %d passed, %d failed, %d simulation failures, %d skipped in %s",
		m.Identity, report.Summary.Passed, report.Summary.Failed,
		report.Summary.SimulationFailed, report.Summary.Skipped, report.Elapsed)

	if h.recorder != nil {
		if err := h.recorder.SaveSimulation(context.WithoutCancel(ctx), report); err != nil {
			logging.HarnessWarn("failed to record run %s: %v", report.RunID, err)
		}
	}
	return report, nil
}

// runOne materializes and simulates a single assignment. A panic in the
// engine is contained to this entry.
func (h *Harness) runOne(ctx context.Context, m *protocol.Model, index int, a protocol.Assignment) (entry *Entry) {
	entry = &Entry{Index: index, Assignment: a}
	ctx, span := h.tracer.Start(ctx, "assignment", trace.WithAttributes(
		attribute.Int("rtpfuzz.index", index),
		attribute.String("rtpfuzz.assignment", a.String()),
	))
	start := time.Now()
	h.metrics.SimulationStarted()
	defer func() {
		if r := recover(); r != nil {
			entry.Verdict = VerdictSimulationFailed
			entry.Diagnostics = engine.Diagnostics{ExitCode: -1, Message: fmt.Sprintf("%v: engine panic: %v", protocol.ErrSimulationFailed, r)}
			logging.HarnessWarn("%s #%d: engine panic: %v\n%s", m.Identity, index, r, debug.Stack())
		}
		entry.Elapsed = time.Since(start)
		h.metrics.SimulationFinished(string(entry.Verdict), entry.Elapsed)
		span.SetAttributes(attribute.String("rtpfuzz.verdict", string(entry.Verdict)))
		if entry.Verdict == VerdictSimulationFailed {
			span.SetStatus(codes.Error, entry.Diagnostics.Message)
		}
		span.End()
	}()

	src, err := Materialize(m, a)
	if err != nil {
		entry.Verdict = VerdictSimulationFailed
		entry.Diagnostics = engine.Diagnostics{ExitCode: -1, Message: fmt.Sprintf("%v: %v", protocol.ErrSimulationFailed, err)}
		return entry
	}

	res, err := h.engine.Simulate(ctx, engine.Request{
		Identity:   m.Identity,
		Index:      index,
		Assignment: a,
		Source:     src,
	})
	entry.Diagnostics = res.Diagnostics
	switch {
	case err != nil:
		entry.Verdict = VerdictSimulationFailed
		if entry.Diagnostics.Message == "" {
			entry.Diagnostics.Message = fmt.Sprintf("%v: %v", protocol.ErrSimulationFailed, err)
		}
	case res.Verdict == engine.VerdictPass:
		entry.Verdict = VerdictPass
	case res.Verdict == engine.VerdictFail:
		entry.Verdict = VerdictFail
	default:
		entry.Verdict = VerdictSimulationFailed
	}
	logging.HarnessDebug("%s #%d %s -> %s", m.Identity, index, a, entry.Verdict)
	return entry
}
