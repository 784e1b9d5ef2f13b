package config

import (
	"fmt"
	"strings"
	"time"

	"rtpfuzz/internal/protocol"
	"rtpfuzz/internal/reservoir"
)

// ValidationError lists every configuration problem found. It unwraps to
// protocol.ErrConfiguration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return protocol.ErrConfiguration }

// Validate checks the whole configuration. It must be called before any
// batch work starts.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	a := c.Audit
	if a.ZHeightRange.Min > a.ZHeightRange.Max {
		add("zheight_acceptable_range: min %v > max %v", a.ZHeightRange.Min, a.ZHeightRange.Max)
	}
	if a.TopRange != nil && a.TopRange.Min > a.TopRange.Max {
		add("top_acceptable_range: min %v > max %v", a.TopRange.Min, a.TopRange.Max)
	}
	if _, err := reservoir.Compile(a.ReservoirPatterns); err != nil {
		add("reservoir_name_patterns: %v", err)
	}

	g := c.Generation
	switch g.Mode {
	case ModeFull:
	case ModeRandom:
		if g.RandomSampleCount <= 0 {
			add("random_sample_count must be positive, got %d", g.RandomSampleCount)
		}
	default:
		add("combination_mode must be %q or %q, got %q", ModeFull, ModeRandom, g.Mode)
	}
	if g.MaxCombinationsCap <= 0 {
		add("max_combinations_cap must be positive, got %d", g.MaxCombinationsCap)
	}

	s := c.Simulation
	if s.ConcurrencyLimit < 1 {
		add("concurrency_limit must be at least 1, got %d", s.ConcurrencyLimit)
	}
	if s.Timeout != "" {
		if d, err := time.ParseDuration(s.Timeout); err != nil {
			add("simulation timeout: %v", err)
		} else if d < 0 {
			add("simulation timeout must not be negative")
		}
	}
	if s.MaxOutputBytes < 0 {
		add("max_output_bytes must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	problems = append(problems, c.Tracing.Validate()...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidateSimulation additionally requires an engine binary.
func (c *Config) ValidateSimulation() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Simulation.Binary) == "" {
		return &ValidationError{Problems: []string{"simulation binary is empty"}}
	}
	return nil
}
