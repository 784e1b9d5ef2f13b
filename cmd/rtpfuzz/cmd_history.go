package main

import (
	"errors"

	"rtpfuzz/internal/store"

	"github.com/spf13/cobra"
)

var errNoStore = errors.New("no run history configured (set store.path or --db)")

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored audit and simulation runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.requireStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one stored run in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.requireStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			run, err := st.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if run.Kind == store.KindAudit {
				report, err := st.LoadAudit(ctx, run.ID)
				if err != nil {
					return err
				}
				return a.emit(cmd.OutOrStdout(), report)
			}
			report, err := st.LoadSimulation(ctx, run.ID)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), report)
		},
	})
	return cmd
}

func (a *app) requireStore() (*store.Store, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errNoStore
	}
	return st, nil
}
