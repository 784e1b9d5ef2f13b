// Package main implements the rtpfuzz CLI: static audits of Opentrons
// protocols, run-time parameter combination generation, and batch simulation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"rtpfuzz/internal/config"
	"rtpfuzz/internal/logging"
	"rtpfuzz/internal/store"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// app holds the global flags and the state PersistentPreRunE builds from them.
type app struct {
	configPath string
	verbose    bool
	format     string
	dbPath     string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "rtpfuzz",
		Short: "Audit and fuzz Opentrons protocol run-time parameters",
		Long: `rtpfuzz statically analyzes Opentrons protocol sources and exercises their
run-time parameters (RTPs).

  audit     extract every protocol in a directory and report z-height,
            reservoir, metadata and parameter findings
  generate  build boundary/interior parameter assignments for one protocol
  simulate  run every generated assignment through the simulator
  history   list and show stored runs
  config    write the default configuration or show the effective one`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", config.DefaultFileName, "Path to the YAML configuration")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVarP(&a.format, "format", "f", formatJSON, "Output format: json or yaml")
	pf.StringVar(&a.dbPath, "db", "", "Run history database (overrides store.path)")

	root.AddCommand(
		newAuditCmd(a),
		newGenerateCmd(a),
		newSimulateCmd(a),
		newHistoryCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup loads and validates configuration, then initializes logging. Any
// configuration problem stops the command before work starts.
func (a *app) setup() error {
	if a.format != formatJSON && a.format != formatYAML {
		return fmt.Errorf("unknown --format %q (want %s or %s)", a.format, formatJSON, formatYAML)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	if a.dbPath != "" {
		cfg.Store.Path = a.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		return err
	}
	a.cfg = cfg
	logging.BootDebug("config=%s format=%s db=%q", a.configPath, a.format, cfg.Store.Path)
	return nil
}

// openStore opens the run history, or returns nil when none is configured.
func (a *app) openStore() (*store.Store, error) {
	if a.cfg.Store.Path == "" {
		return nil, nil
	}
	return store.Open(a.cfg.Store.Path)
}

// emit writes v to w in the selected format.
func (a *app) emit(w io.Writer, v interface{}) error {
	if a.format == formatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
