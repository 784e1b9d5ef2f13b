package main

import (
	"context"
	"errors"

	"rtpfuzz/internal/extract"
	"rtpfuzz/internal/generate"
	"rtpfuzz/internal/logging"
	"rtpfuzz/internal/protocol"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// generationFlags override the generation section of the configuration.
type generationFlags struct {
	mode  string
	seed  int64
	count int
	cap   int
}

func (g *generationFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.mode, "mode", "", "Combination mode: full or random (default from config)")
	fs.Int64Var(&g.seed, "seed", 0, "Random mode seed (default from config)")
	fs.IntVar(&g.count, "count", 0, "Random mode sample count (default from config)")
	fs.IntVar(&g.cap, "cap", 0, "Full mode combination cap (default from config)")
}

// options applies the flags that were set on top of the configured options.
func (g *generationFlags) options(a *app, fs *pflag.FlagSet) generate.Options {
	opts := generate.OptionsFromConfig(a.cfg.Generation)
	if fs.Changed("mode") {
		opts.Mode = g.mode
	}
	if fs.Changed("seed") {
		opts.Seed = g.seed
	}
	if fs.Changed("count") {
		opts.SampleCount = g.count
	}
	if fs.Changed("cap") {
		opts.Cap = g.cap
	}
	return opts
}

// loadProtocol extracts one protocol file. A malformed source still yields
// its partial model; the problems are logged.
func (a *app) loadProtocol(ctx context.Context, path string) (*protocol.Model, error) {
	opts, err := extract.OptionsFromConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	m, err := extract.New(opts).ExtractFile(ctx, path)
	var malformed *protocol.MalformedError
	switch {
	case errors.As(err, &malformed) && m != nil:
		logging.ExtractWarn("%v", malformed)
	case err != nil:
		return nil, err
	}
	return m, nil
}

func newGenerateCmd(a *app) *cobra.Command {
	var gf generationFlags
	cmd := &cobra.Command{
		Use:   "generate <file>",
		Short: "Generate run-time parameter assignments for a protocol",
		Long: `Extracts the RTP schema of <file> and emits the plan: each parameter's
candidate values, the parameters held at their defaults, and the assignments.

Full mode enumerates every combination up to --cap in a stable order.
Random mode draws --count assignments from --seed; the same seed always
yields the same assignments.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.loadProtocol(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			g, err := generate.New(gf.options(a, cmd.Flags()))
			if err != nil {
				return err
			}
			collector, err := newCollector()
			if err != nil {
				return err
			}
			plan := g.WithMetrics(collector).Generate(m.RTPSchema)
			return a.emit(cmd.OutOrStdout(), plan)
		},
	}
	gf.register(cmd.Flags())
	return cmd
}
