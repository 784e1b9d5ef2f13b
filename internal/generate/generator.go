// Package generate turns an RTP schema into parameter assignments that
// exercise boundary and interior values.
//
// Two modes are supported. Full mode enumerates the Cartesian product of every
// parameter's candidates in declaration order (first parameter varies
// slowest) and stops at a hard cap. Random mode draws a fixed number of
// assignments from a seeded source, choosing each parameter's candidate
// uniformly. Unbounded parameters never vary: they always receive their
// declared default and the plan lists them under Defaulted.
package generate

import (
	"fmt"
	"math"
	"math/rand/v2"

	"rtpfuzz/internal/config"
	"rtpfuzz/internal/logging"
	"rtpfuzz/internal/metrics"
	"rtpfuzz/internal/protocol"
)

// Options selects the combination policy.
type Options struct {
	Mode        string
	SampleCount int
	Seed        int64
	Cap         int
}

// OptionsFromConfig copies the generation section of the configuration.
func OptionsFromConfig(cfg config.GenerationConfig) Options {
	return Options{
		Mode:        cfg.Mode,
		SampleCount: cfg.RandomSampleCount,
		Seed:        cfg.RandomSeed,
		Cap:         cfg.MaxCombinationsCap,
	}
}

func (o Options) validate() error {
	switch o.Mode {
	case config.ModeFull:
		if o.Cap < 1 {
			return fmt.Errorf("%w: max_combinations_cap must be positive, got %d", protocol.ErrConfiguration, o.Cap)
		}
	case config.ModeRandom:
		if o.SampleCount < 1 {
			return fmt.Errorf("%w: random_sample_count must be positive, got %d", protocol.ErrConfiguration, o.SampleCount)
		}
	default:
		return fmt.Errorf("%w: unknown combination_mode %q", protocol.ErrConfiguration, o.Mode)
	}
	return nil
}

// Defaulted records an unbounded parameter that was held at its default.
type Defaulted struct {
	Name  string         `json:"name" yaml:"name"`
	Kind  protocol.Kind  `json:"kind" yaml:"kind"`
	Value protocol.Value `json:"value" yaml:"value"`
	Note  string         `json:"note" yaml:"note"`
}

// CandidateSet lists the values one parameter is exercised with.
type CandidateSet struct {
	Name   string           `json:"name" yaml:"name"`
	Values []protocol.Value `json:"values" yaml:"values"`
}

// Plan is the generator's output for one schema.
type Plan struct {
	Mode string `json:"mode" yaml:"mode"`
	Seed *int64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	Candidates  []CandidateSet        `json:"candidates" yaml:"candidates"`
	Defaulted   []Defaulted           `json:"defaulted,omitempty" yaml:"defaulted,omitempty"`
	Assignments []protocol.Assignment `json:"assignments" yaml:"assignments"`

	// Total is the size of the full product, saturating at math.MaxUint64.
	// Zero in random mode.
	Total uint64 `json:"total,omitempty" yaml:"total,omitempty"`
	// Truncated is set when the cap cut the full product short.
	Truncated bool `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}

// Generator produces plans. It is stateless apart from its options and safe
// for concurrent use.
type Generator struct {
	opts    Options
	metrics *metrics.Collector
}

// New validates opts and returns a Generator. Invalid options are a
// configuration error.
func New(opts Options) (*Generator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Generator{opts: opts}, nil
}

// WithMetrics attaches a collector; nil disables metrics.
func (g *Generator) WithMetrics(c *metrics.Collector) *Generator {
	g.metrics = c
	return g
}

// Options returns the generator's options.
func (g *Generator) Options() Options { return g.opts }

// Generate builds the plan for schema. A schema with nothing to vary yields
// exactly one assignment, the protocol as declared.
func (g *Generator) Generate(schema []protocol.RTPDecl) *Plan {
	timer := logging.StartTimer(logging.CategoryGenerate, "generate")
	defer timer.Stop()

	plan := &Plan{
		Mode:        g.opts.Mode,
		Candidates:  []CandidateSet{},
		Assignments: []protocol.Assignment{},
	}

	// fixed holds the value for every position; varying positions are
	// overwritten per assignment.
	fixed := make([]protocol.Value, len(schema))
	var varying []int
	var sets [][]protocol.Value
	for i, d := range schema {
		c := Candidates(d)
		if len(c) == 0 {
			plan.Defaulted = append(plan.Defaulted, hold(d))
			if d.Default != nil {
				fixed[i] = *d.Default
			}
			continue
		}
		varying = append(varying, i)
		sets = append(sets, c)
		plan.Candidates = append(plan.Candidates, CandidateSet{Name: d.Name, Values: c})
	}

	switch {
	case len(varying) == 0:
		plan.Assignments = append(plan.Assignments, bind(schema, fixed))
		plan.Total = 1
	case g.opts.Mode == config.ModeRandom:
		seed := g.opts.Seed
		plan.Seed = &seed
		plan.Assignments = sample(schema, fixed, varying, sets, g.opts.SampleCount, seed)
	default:
		plan.Total = productSize(sets)
		plan.Assignments = product(schema, fixed, varying, sets, g.opts.Cap)
		plan.Truncated = plan.Total > uint64(len(plan.Assignments))
		if plan.Truncated {
			logging.GenerateWarn("full product of %d assignments truncated to cap %d", plan.Total, g.opts.Cap)
		}
	}

	g.metrics.AssignmentsGenerated(g.opts.Mode, len(plan.Assignments))
	logging.Generate("generated %d assignments (%s mode, %d varying, %d defaulted)",
		len(plan.Assignments), g.opts.Mode, len(varying), len(plan.Defaulted))
	return plan
}

func hold(d protocol.RTPDecl) Defaulted {
	def := Defaulted{Name: d.Name, Kind: d.Kind}
	err := &protocol.UnboundedError{Param: d.Name, Kind: d.Kind}
	if d.Default != nil {
		def.Value = *d.Default
		def.Note = fmt.Sprintf("%v; held at default %s", err, d.Default)
	} else {
		def.Note = fmt.Sprintf("%v and no default; bound to None", err)
	}
	logging.GenerateWarn("%s", def.Note)
	return def
}

func bind(schema []protocol.RTPDecl, vals []protocol.Value) protocol.Assignment {
	a := make(protocol.Assignment, len(schema))
	for i, d := range schema {
		a[i] = protocol.Binding{Name: d.Name, Value: vals[i]}
	}
	return a
}

// productSize multiplies set sizes, saturating instead of overflowing.
func productSize(sets [][]protocol.Value) uint64 {
	total := uint64(1)
	for _, s := range sets {
		n := uint64(len(s))
		if total > math.MaxUint64/n {
			return math.MaxUint64
		}
		total *= n
	}
	return total
}

// product enumerates the Cartesian product like an odometer whose last
// wheel turns fastest, stopping after limit assignments.
func product(schema []protocol.RTPDecl, fixed []protocol.Value, varying []int, sets [][]protocol.Value, limit int) []protocol.Assignment {
	out := make([]protocol.Assignment, 0, min(limit, 1024))
	idx := make([]int, len(sets))
	vals := append([]protocol.Value(nil), fixed...)
	for len(out) < limit {
		for k, pos := range varying {
			vals[pos] = sets[k][idx[k]]
		}
		out = append(out, bind(schema, vals))

		k := len(idx) - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < len(sets[k]) {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			break
		}
	}
	return out
}

// sample draws n assignments. Parameters are drawn in declaration order from
// a PCG source keyed by seed, so the sequence depends only on the schema,
// the seed and n.
func sample(schema []protocol.RTPDecl, fixed []protocol.Value, varying []int, sets [][]protocol.Value, n int, seed int64) []protocol.Assignment {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	out := make([]protocol.Assignment, 0, n)
	vals := append([]protocol.Value(nil), fixed...)
	for range n {
		for k, pos := range varying {
			vals[pos] = sets[k][rng.IntN(len(sets[k]))]
		}
		out = append(out, bind(schema, vals))
	}
	return out
}
