// Package cmd defines the crawld command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawld",
		Short: "A crawl job orchestration service.",
		Long: `crawld accepts named crawl jobs over HTTP, bounds how many run
concurrently, and tracks each job through a strict lifecycle from
submission to a terminal state.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus CRAWLD_* env vars)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "crawld: %v\n", err)
		os.Exit(1)
	}
}
