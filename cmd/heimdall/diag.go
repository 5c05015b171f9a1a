package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDiagCmd(root *rootOptions) *cobra.Command {
	var (
		bundle bool
		probe  bool
	)
	cmd := &cobra.Command{
		Use:   "diag",
		Short: "Print the diagnostics snapshot or upload a debug bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := root.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			out := cmd.OutOrStdout()

			if probe {
				results := rt.Orchestrator.Probe(ctx)
				if root.jsonOutput() {
					return writeJSON(out, results)
				}
				for _, r := range results {
					fmt.Fprintf(out, "%-12s %s\n", r.Provider, r.Mode)
				}
				return nil
			}
			if bundle {
				key, err := rt.Orchestrator.UploadBundle(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "bundle uploaded:", key)
				return nil
			}
			if root.jsonOutput() {
				return writeJSON(out, rt.Orchestrator.Diagnostics())
			}
			fmt.Fprint(out, rt.Orchestrator.DebugBundle())
			return nil
		},
	}
	cmd.Flags().BoolVar(&bundle, "bundle", false, "upload the debug bundle to object storage")
	cmd.Flags().BoolVar(&probe, "probe", false, "probe every authorized provider and print its mode")
	return cmd
}
