package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gokay-avci/unifiedlab/pkg/log"
	"github.com/gokay-avci/unifiedlab/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "unilab",
	Short: "UnifiedLab - distributed orchestrator for scientific compute workflows",
	Long: `UnifiedLab schedules DAGs of computational jobs across a fleet of
worker nodes over a shared filesystem. The coordinator owns the workflow
graph and grants work; each worker's guardian owns the local hardware and
runs engine drivers inside resource sandboxes.

All communication rides on append-only event logs under one root
directory; a relational checkpoint makes every participant crash-safe.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"UnifiedLab version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)

	metrics.SetVersion(Version)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
