package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// PersistentPreRunE already loaded and validated resolvedCfg.
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK: %d phases\n", len(resolvedCfg.Phases))
			for i, p := range resolvedCfg.Phases {
				fmt.Fprintf(out, "  phase %d: %s (%s)\n", i, p.Key, p.Type)
			}
			return nil
		},
	}
}
