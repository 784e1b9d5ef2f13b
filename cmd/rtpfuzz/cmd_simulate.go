package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"rtpfuzz/internal/engine"
	"rtpfuzz/internal/generate"
	"rtpfuzz/internal/harness"
	"rtpfuzz/internal/logging"
	"rtpfuzz/internal/metrics"
	"rtpfuzz/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// errCancelled is returned after a partial report was emitted.
var errCancelled = errors.New("simulation batch cancelled")

// simulateOutput is what simulate emits: the plan that was run and the batch.
type simulateOutput struct {
	Plan   *generate.Plan  `json:"plan" yaml:"plan"`
	Report *harness.Report `json:"report" yaml:"report"`
}

func newSimulateCmd(a *app) *cobra.Command {
	var (
		gf          generationFlags
		concurrency int
		metricsAddr string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate <file>",
		Short: "Simulate every generated assignment of a protocol",
		Long: `Generates assignments for <file> like 'generate', writes one variant per
assignment with the parameter defaults replaced, and runs the configured
simulator on each. Every assignment gets exactly one verdict: pass, fail or
simulation_failed.

Interrupting the command stops new simulations; the entries completed so
far are still reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			flags := cmd.Flags()

			if flags.Changed("concurrency") {
				if concurrency < 1 {
					return fmt.Errorf("--concurrency must be at least 1, got %d", concurrency)
				}
				a.cfg.Simulation.ConcurrencyLimit = concurrency
			}
			if flags.Changed("timeout") {
				if timeout < 0 {
					return fmt.Errorf("--timeout must not be negative, got %s", timeout)
				}
				a.cfg.Simulation.Timeout = timeout.String()
			}
			if err := a.cfg.ValidateSimulation(); err != nil {
				return err
			}
			if !flags.Changed("metrics-addr") {
				metricsAddr = a.cfg.Metrics.Addr
			}

			shutdownTracing, err := tracing.Init(ctx, a.cfg.Tracing)
			if err != nil {
				return err
			}
			defer tracing.Shutdown(shutdownTracing)

			collector, err := newCollector()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				stopMetrics, err := serveMetrics(metricsAddr, collector.Handler())
				if err != nil {
					return err
				}
				defer stopMetrics()
			}

			m, err := a.loadProtocol(ctx, args[0])
			if err != nil {
				return err
			}
			g, err := generate.New(gf.options(a, flags))
			if err != nil {
				return err
			}
			plan := g.WithMetrics(collector).Generate(m.RTPSchema)

			sub, err := engine.NewSubprocess(engine.SubprocessConfigFrom(a.cfg))
			if err != nil {
				return err
			}
			defer sub.Close()

			h := harness.New(sub, a.cfg.Simulation.ConcurrencyLimit).WithMetrics(collector)
			st, err := a.openStore()
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
				h.WithRecorder(st)
			}

			report, err := h.Run(ctx, m, plan.Assignments)
			if err != nil {
				return err
			}
			if err := a.emit(cmd.OutOrStdout(), simulateOutput{Plan: plan, Report: report}); err != nil {
				return err
			}
			if report.Cancelled {
				return errCancelled
			}
			return nil
		},
	}
	gf.register(cmd.Flags())
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 1, "Simultaneous simulator runs (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-assignment timeout (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	return cmd
}

// newCollector registers the rtpfuzz metrics and the runtime collectors on a
// fresh registry.
func newCollector() (*metrics.Collector, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.NewCollector(reg)
}

// serveMetrics exposes handler at /metrics on addr until the returned stop
// function is called.
func serveMetrics(addr string, handler http.Handler) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get(logging.CategoryBoot).Error("metrics server: %v", err)
		}
	}()
	logging.Boot("serving metrics on http://%s/metrics", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}, nil
}
