package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset START END",
		Short: "Forget every identifier issued for exactly [START, END]",
		Long: `Deletes the ledger for the exact range. Other ranges are untouched and a
range that was never run is not an error.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRangeArgs(args)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return withService(cmd, func(svc Service, _ runtime) error {
				if err := svc.Reset(cmd.Context(), r); err != nil {
					return fmt.Errorf("reset %s: %w", r, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ledger for %s reset\n", r)
				return nil
			})
		},
	}
}
