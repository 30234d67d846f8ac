package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadCoordinator(t *testing.T) {
	path := writeFile(t, `
root: /scratch/unilab
checkpoint_interval: 10s
expansion_limit: 50
worker_ttl: 2m
metrics_addr: ":9090"
`)

	cfg, err := LoadCoordinator(path)
	require.NoError(t, err)
	assert.Equal(t, "/scratch/unilab", cfg.Root)
	assert.Equal(t, 10*time.Second, cfg.CheckpointInterval)
	assert.Equal(t, 50, cfg.ExpansionLimit)
	assert.Equal(t, 2*time.Minute, cfg.WorkerTTL)
	assert.Equal(t, ":9090", cfg.MetricsAddr)

	// Defaults survive for unset fields.
	assert.Equal(t, 100*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 64, cfg.MaxInflightPerWorker)
}

func TestLoadCoordinatorRequiresRoot(t *testing.T) {
	path := writeFile(t, `log_level: debug`)
	_, err := LoadCoordinator(path)
	assert.Error(t, err)
}

func TestLoadWorker(t *testing.T) {
	path := writeFile(t, `
root: /scratch/unilab
node_id: hpc-node-07
tags: [gpu, vasp]
cores: 48
gpus: 4
engines:
  daemon:
    command: "python -m janus.kernel"
    boot_timeout_sec: 120
`)

	cfg, err := LoadWorker(path)
	require.NoError(t, err)
	assert.Equal(t, "hpc-node-07", cfg.NodeID)
	assert.Equal(t, []string{"gpu", "vasp"}, cfg.Tags)
	assert.Equal(t, 48, cfg.Cores)
	assert.Equal(t, 4, cfg.GPUs)
	require.Contains(t, cfg.Engines, "daemon")
	assert.Equal(t, "python -m janus.kernel", cfg.Engines["daemon"]["command"])
}

func TestLoadWorkerRequiresIdentity(t *testing.T) {
	_, err := LoadWorker(writeFile(t, `root: /scratch`))
	assert.Error(t, err)

	_, err = LoadWorker(writeFile(t, `node_id: w1`))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadCoordinator("/nonexistent/config.yaml")
	assert.Error(t, err)
}
