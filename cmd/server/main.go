// Package main provides the entry point for the guardduty-sentinel pipeline:
// GuardDuty findings exported to S3 are parsed, batched, deduplicated and
// pushed to a Microsoft Sentinel workspace through the Logs Ingestion API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "guardduty-sentinel",
		Short: "Ship GuardDuty findings from S3 to Microsoft Sentinel",
		Long: `guardduty-sentinel reads GuardDuty finding exports from an S3 bucket,
decrypts and decompresses them, normalizes each finding and submits the
records to an Azure Monitor data collection rule.

Run it as a long-lived service (serve) or as a single time-boxed invocation
(run), or replay specific export objects by key (replay).`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to config file")

	rootCmd.AddCommand(
		newServeCommand(),
		newRunCommand(),
		newReplayCommand(),
		newVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "guardduty-sentinel %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		},
	}
}
