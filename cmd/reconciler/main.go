package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "reconciler",
		Short:         "Settlement reconciliation between MSC, QBO and Blueprint",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(reevaluateCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(unmatchCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(staleCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
