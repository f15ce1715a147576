// Package main is the entry point for the skillflow service and its
// definition tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/skillflow/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	observability.Version = version
	observability.Commit = commit

	root := &cobra.Command{
		Use:   "skillflow",
		Short: "Run chained skill workflows",
		Long: `skillflow executes workflows that chain skills together. Steps whose
dependencies are satisfied run concurrently, outputs feed later steps, and
runs can pause for human review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newValidateCommand(),
		newPlanCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "skillflow %s (%s)\n", version, commit)
		},
	}
}
