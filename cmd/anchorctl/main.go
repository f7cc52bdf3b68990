package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "anchorctl",
		Short: "Inspect and repair ledger anchoring of pollution reports",
		Long: `anchorctl talks to the report database and the ledger configured in the
environment (the same variables as report-service). It lists reports whose
anchoring failed, requeues them, and can anchor a report synchronously.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(failedCmd())
	rootCmd.AddCommand(requeueCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(anchorCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
