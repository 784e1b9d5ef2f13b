// Package engine defines the contract with the external simulation engine
// and provides a subprocess implementation that drives opentrons_simulate.
package engine

import (
	"context"
	"time"

	"rtpfuzz/internal/protocol"
)

// Verdict is the engine's outcome for one variant.
type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictFail  Verdict = "fail"  // the protocol failed simulation
	VerdictError Verdict = "error" // the engine itself could not complete
)

// Request is one bound protocol variant.
type Request struct {
	Identity   string
	Index      int
	Assignment protocol.Assignment
	// Source is the materialized variant text.
	Source []byte
}

// Diagnostics carries what the engine reported.
type Diagnostics struct {
	Message   string `json:"message,omitempty" yaml:"message,omitempty"`
	ExitCode  int    `json:"exit_code" yaml:"exit_code"`
	Stdout    string `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	Truncated bool   `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	Artifact  string `json:"artifact,omitempty" yaml:"artifact,omitempty"`
}

// Result is the engine's answer for one Request.
type Result struct {
	Verdict     Verdict
	Diagnostics Diagnostics
	Elapsed     time.Duration
}

// Engine simulates protocol variants. Implementations must be safe for
// concurrent use when the harness runs with a concurrency limit above 1.
type Engine interface {
	Simulate(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Engine interface.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Simulate(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }
