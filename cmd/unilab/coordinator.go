package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gokay-avci/unifiedlab/pkg/config"
	"github.com/gokay-avci/unifiedlab/pkg/coordinator"
	"github.com/gokay-avci/unifiedlab/pkg/metrics"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the global coordinator",
	Long: `Run the coordinator: ingest job submissions, maintain the workflow
DAG, grant work to heartbeating workers, and checkpoint state for
crash-safe restarts.

Examples:
  # Start against a shared scratch directory
  unilab coordinator --root /scratch/unilab

  # Start from a config file with metrics enabled
  unilab coordinator --config coordinator.yaml`,
	RunE: runCoordinator,
}

func init() {
	coordinatorCmd.Flags().String("root", "", "Shared root directory for logs and checkpoint")
	coordinatorCmd.Flags().String("config", "", "YAML config file")
	coordinatorCmd.Flags().String("metrics-addr", "", "Address for /metrics and health endpoints (empty = disabled)")
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	root, _ := cmd.Flags().GetString("root")
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg := config.DefaultCoordinator(root)
	if configPath != "" {
		loaded, err := config.LoadCoordinator(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if root != "" {
			cfg.Root = root
		}
	}
	if cfg.Root == "" {
		return fmt.Errorf("--root or a config file with root is required")
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	metrics.SetCriticalComponents([]string{"transport", "checkpoint"})

	c, err := coordinator.New(coordinator.Config{
		Root:                 cfg.Root,
		TickInterval:         cfg.TickInterval,
		CheckpointInterval:   cfg.CheckpointInterval,
		ExpansionLimit:       cfg.ExpansionLimit,
		MaxInflightPerWorker: cfg.MaxInflightPerWorker,
		WorkerTTL:            cfg.WorkerTTL,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer c.Close()

	metrics.RegisterComponent("transport", true, "")
	metrics.RegisterComponent("checkpoint", true, "")

	if cfg.MetricsAddr != "" {
		collector := metrics.NewCollector(c)
		collector.Start()
		defer collector.Stop()
		go serveMetrics(cfg.MetricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Coordinator running on %s (Ctrl+C to stop)\n", cfg.Root)
	err = c.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// serveMetrics exposes /metrics plus the health surface.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	_ = http.ListenAndServe(addr, mux)
}
