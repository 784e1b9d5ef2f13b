package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"rtpfuzz/internal/audit"
	"rtpfuzz/internal/extract"
	"rtpfuzz/internal/logging"
	"rtpfuzz/internal/store"
	"rtpfuzz/internal/watch"

	"github.com/spf13/cobra"
)

func newAuditCmd(a *app) *cobra.Command {
	var (
		watchDir bool
		bodyOnly bool
	)
	cmd := &cobra.Command{
		Use:   "audit <dir>",
		Short: "Audit every protocol in a directory",
		Long: `Extracts every .py protocol in <dir> and reports, per protocol, the
z-heights outside the acceptable range, unrecognized or legacy reservoirs,
missing metadata and unbounded or invalid run-time parameters, followed by a
batch summary.

With --watch the audit is repeated whenever a protocol in <dir> changes,
until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]

			opts, err := extract.OptionsFromConfig(a.cfg)
			if err != nil {
				return err
			}
			auditor, err := audit.New(a.cfg.Audit)
			if err != nil {
				return err
			}
			collector, err := newCollector()
			if err != nil {
				return err
			}
			auditor.WithMetrics(collector)
			if watchDir && a.cfg.Metrics.Addr != "" {
				stopMetrics, err := serveMetrics(a.cfg.Metrics.Addr, collector.Handler())
				if err != nil {
					return err
				}
				defer stopMetrics()
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
			}

			run := &auditRun{
				app:       a,
				dir:       dir,
				extractor: extract.New(opts),
				auditor:   auditor,
				store:     st,
				out:       cmd.OutOrStdout(),
				bodyOnly:  bodyOnly,
			}
			ctx := cmd.Context()
			if err := run.once(ctx); err != nil {
				return err
			}
			if !watchDir {
				return nil
			}

			w, err := watch.New(dir, 0, func(ctx context.Context, paths []string) {
				if err := run.once(ctx); err != nil {
					logging.WatchError("re-audit of %s failed: %v", dir, err)
				}
			})
			if err != nil {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&watchDir, "watch", "w", false, "Re-run the audit when protocols change")
	cmd.Flags().BoolVar(&bodyOnly, "body-only", false, "Emit only the deterministic report body")
	return cmd
}

type auditRun struct {
	app       *app
	dir       string
	extractor *extract.Extractor
	auditor   *audit.Auditor
	store     *store.Store
	out       io.Writer
	bodyOnly  bool
}

func (r *auditRun) once(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryAudit, "audit "+r.dir)
	defer timer.Stop()

	models, err := r.extractor.ExtractDir(ctx, r.dir)
	if err != nil {
		return err
	}
	report, err := r.auditor.Audit(models)
	if err != nil {
		return err
	}

	if r.store != nil {
		subject, _ := filepath.Abs(r.dir)
		if err := r.store.SaveAudit(context.WithoutCancel(ctx), subject, report); err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to record audit %s: %v", report.RunID, err)
		}
	}

	if r.bodyOnly {
		return r.app.emit(r.out, report.Body)
	}
	return r.app.emit(r.out, report)
}
