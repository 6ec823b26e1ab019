// Package main is the entry point for the polis-analyst binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultLogLevel = "info"
	serviceName     = "polis-analyst"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-analyst.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-analyst",
		Short: "Guarded market and policy analysis pipelines",
		Long: `Runs a staged analysis pipeline behind a guardrail.

Market pipeline:   acquisition -> analysis -> validation -> report
Advocacy pipeline: document -> policy -> report

Example:
  polis-analyst run --subject ACME --prices ./data/prices --news ./data/news`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Console log encoding instead of JSON")

	rootCmd.AddCommand(newRunCmd(), newGuardrailCmd(), newBacktestCmd())
	return rootCmd
}
