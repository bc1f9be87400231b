// Package main is the entry point for the metabuilder CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/metabuilder/internal/config"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "metabuilder",
		Short: "Distributed, self-healing build orchestration",
		Long: `Metabuilder drives a fixed pipeline of build agents across a pool of
queue-class workers. Failing steps are repaired automatically through an
escalating ladder of retries, patches, and replans, bounded by per-run
cost and time ceilings; runs that exhaust automation are escalated for
human approval.`,
		Version: "0.1.0",
	}

	rootCmd.AddCommand(
		runCmd(),
		statusCmd(),
		modelsCmd(),
		statsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
