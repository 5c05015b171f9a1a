package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear persisted provider state",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "bans",
			Short: "Lift every quarantine except permanent ones",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx := cmd.Context()
				rt, err := root.runtime(ctx)
				if err != nil {
					return err
				}
				defer rt.Close()
				rt.Orchestrator.ResetBans(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "quarantines cleared")
				return nil
			},
		},
		&cobra.Command{
			Use:   "locks <provider>",
			Short: "Lift the quarantines held by one provider",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				rt, err := root.runtime(ctx)
				if err != nil {
					return err
				}
				defer rt.Close()
				id, err := lookupProvider(rt.Orchestrator.Matrix(), args[0])
				if err != nil {
					return err
				}
				n := rt.Orchestrator.ResetLocks(ctx, id)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d locks removed\n", id, n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "quota <provider>",
			Short: "Zero the daily counters of one provider",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				rt, err := root.runtime(ctx)
				if err != nil {
					return err
				}
				defer rt.Close()
				id, err := lookupProvider(rt.Orchestrator.Matrix(), args[0])
				if err != nil {
					return err
				}
				rt.Orchestrator.ResetQuota(id)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: quota reset\n", id)
				return nil
			},
		},
	)
	return cmd
}
