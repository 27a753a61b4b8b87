package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pixdesk/ledgersync/internal/checkpoint"
)

func checkpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List or reset backfill checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := checkpoint.Open(cfg.Checkpoint.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACCOUNT\tPROVIDER\tFILTERS\tPAGES\tDONE\tUPDATED")
			for _, cp := range all {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%v\t%s\n",
					cp.AccountID, cp.Provider, cp.Filters, cp.Pages, cp.Done,
					cp.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reset ACCOUNT",
		Short: "Delete every checkpoint of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := checkpoint.Open(cfg.Checkpoint.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Reset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d checkpoints for %s\n", n, args[0])
			return nil
		},
	})
	return cmd
}
