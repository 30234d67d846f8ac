package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gokay-avci/unifiedlab/pkg/checkpoint"
	"github.com/gokay-avci/unifiedlab/pkg/config"
	"github.com/gokay-avci/unifiedlab/pkg/driver"
	"github.com/gokay-avci/unifiedlab/pkg/guardian"
	"github.com/gokay-avci/unifiedlab/pkg/metrics"
	"github.com/gokay-avci/unifiedlab/pkg/resources"
	"github.com/gokay-avci/unifiedlab/pkg/transport"
	"github.com/gokay-avci/unifiedlab/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker node",
	Long: `Run a worker: detect the node's topology, heartbeat free capacity to
the coordinator, and execute granted jobs through engine drivers inside
resource sandboxes.

Examples:
  # Join the deployment under a shared scratch directory
  unilab worker --root /scratch/unilab --id hpc-node-07 --tags vasp,gpu

  # Configure engines from a file
  unilab worker --config worker.yaml`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("root", "", "Shared root directory for logs and checkpoint")
	workerCmd.Flags().String("id", "", "Worker id (defaults to hostname)")
	workerCmd.Flags().StringSlice("tags", nil, "Capability tags advertised to the coordinator")
	workerCmd.Flags().String("config", "", "YAML config file")
	workerCmd.Flags().Int("cores", 0, "Override detected core count")
	workerCmd.Flags().Int("gpus", -1, "Override detected GPU count")
}

func runWorker(cmd *cobra.Command, args []string) error {
	root, _ := cmd.Flags().GetString("root")
	id, _ := cmd.Flags().GetString("id")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	configPath, _ := cmd.Flags().GetString("config")
	coresFlag, _ := cmd.Flags().GetInt("cores")
	gpusFlag, _ := cmd.Flags().GetInt("gpus")

	cfg := config.DefaultWorker(root, id)
	if configPath != "" {
		loaded, err := config.LoadWorker(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if root != "" {
			cfg.Root = root
		}
		if id != "" {
			cfg.NodeID = id
		}
	}
	if cfg.Root == "" {
		return fmt.Errorf("--root or a config file with root is required")
	}
	if cfg.NodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("--id is required when the hostname is unavailable: %w", err)
		}
		cfg.NodeID = hostname
	}
	if len(tags) > 0 {
		cfg.Tags = tags
	}
	if coresFlag > 0 {
		cfg.Cores = coresFlag
	}
	if gpusFlag >= 0 {
		cfg.GPUs = gpusFlag
	}

	topo := resources.DetectTopology()
	if cfg.Cores > 0 {
		topo.Cores = cfg.Cores
	}
	if cfg.GPUs >= 0 {
		topo.GPUs = cfg.GPUs
	}
	ledger := resources.NewLedgerFromTopology(topo)

	opts := transport.DefaultOptions()
	if cfg.InboxFsync != nil {
		opts.Fsync = *cfg.InboxFsync
	}
	tr, err := transport.New(cfg.Root, transport.RoleWorker, cfg.NodeID, opts)
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}
	defer tr.Close()

	ckpt, err := checkpoint.Open(cfg.Root + "/checkpoint.db")
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer ckpt.Close()

	registry := driver.NewRegistry()
	for engine, engineCfg := range cfg.Engines {
		registerEngine(registry, engine, engineCfg)
	}

	g := guardian.New(guardian.Config{
		NodeID:     cfg.NodeID,
		Ledger:     ledger,
		Checkpoint: ckpt,
		Drivers:    registry,
	})

	w := worker.New(worker.Config{
		NodeID:            cfg.NodeID,
		Transport:         tr,
		Guardian:          g,
		Tags:              cfg.Tags,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	freeCores, freeGPUs := g.Capacity()
	fmt.Printf("Worker %s running on %s (%d cores, %d GPUs free)\n",
		cfg.NodeID, cfg.Root, freeCores, freeGPUs)

	metrics.SetCriticalComponents([]string{"transport", "checkpoint"})
	metrics.RegisterComponent("transport", true, "")
	metrics.RegisterComponent("checkpoint", true, "")
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	err = w.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// registerEngine wires a configured engine name to one of the built-in
// driver kinds. The "driver" key selects the kind; everything else is
// handed to the factory.
func registerEngine(registry *driver.Registry, engine string, engineCfg map[string]any) {
	kind, _ := engineCfg["driver"].(string)
	if kind == "" {
		kind = engine
	}
	switch kind {
	case "daemon":
		registry.Register(engine, engineCfg, driver.NewDaemonDriver)
	default:
		registry.Register(engine, engineCfg, driver.NewShellDriver)
	}
}
