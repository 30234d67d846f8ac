package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CoordinatorConfig is the on-disk configuration for a coordinator
// process.
type CoordinatorConfig struct {
	Root                 string        `yaml:"root"`
	TickInterval         time.Duration `yaml:"tick_interval"`
	CheckpointInterval   time.Duration `yaml:"checkpoint_interval"`
	ExpansionLimit       int           `yaml:"expansion_limit"`
	MaxInflightPerWorker int           `yaml:"max_inflight_per_worker"`
	WorkerTTL            time.Duration `yaml:"worker_ttl"`
	MetricsAddr          string        `yaml:"metrics_addr"`
	LogLevel             string        `yaml:"log_level"`
	LogJSON              bool          `yaml:"log_json"`
}

// WorkerConfig is the on-disk configuration for a worker process.
type WorkerConfig struct {
	Root              string        `yaml:"root"`
	NodeID            string        `yaml:"node_id"`
	Tags              []string      `yaml:"tags"`
	Cores             int           `yaml:"cores"`     // 0 = detect
	GPUs              int           `yaml:"gpus"`      // -1 = detect
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	InboxFsync        *bool         `yaml:"inbox_fsync"` // nil = on
	MetricsAddr       string        `yaml:"metrics_addr"`
	LogLevel          string        `yaml:"log_level"`
	LogJSON           bool          `yaml:"log_json"`

	// Engines configures driver factories by engine name; the value map
	// is handed to the factory (daemon command lines etc).
	Engines map[string]map[string]any `yaml:"engines"`
}

// DefaultCoordinator returns the standard coordinator settings for a
// root.
func DefaultCoordinator(root string) CoordinatorConfig {
	return CoordinatorConfig{
		Root:                 root,
		TickInterval:         100 * time.Millisecond,
		CheckpointInterval:   5 * time.Second,
		ExpansionLimit:       100,
		MaxInflightPerWorker: 64,
		WorkerTTL:            5 * time.Minute,
		LogLevel:             "info",
	}
}

// DefaultWorker returns the standard worker settings for a root and id.
func DefaultWorker(root, nodeID string) WorkerConfig {
	return WorkerConfig{
		Root:              root,
		NodeID:            nodeID,
		GPUs:              -1,
		HeartbeatInterval: 3 * time.Second,
		LogLevel:          "info",
	}
}

// LoadCoordinator reads a coordinator config file, applying defaults for
// unset fields.
func LoadCoordinator(path string) (CoordinatorConfig, error) {
	cfg := DefaultCoordinator("")
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Root == "" {
		return cfg, fmt.Errorf("coordinator config %s has no root", path)
	}
	return cfg, nil
}

// LoadWorker reads a worker config file, applying defaults for unset
// fields.
func LoadWorker(path string) (WorkerConfig, error) {
	cfg := DefaultWorker("", "")
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Root == "" {
		return cfg, fmt.Errorf("worker config %s has no root", path)
	}
	if cfg.NodeID == "" {
		return cfg, fmt.Errorf("worker config %s has no node_id", path)
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}
