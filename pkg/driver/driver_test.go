package driver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokay-avci/unifiedlab/pkg/log"
	"github.com/gokay-avci/unifiedlab/pkg/resources"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func testJob(config map[string]any) *types.Job {
	return &types.Job{
		ID:        uuid.New(),
		Engine:    "shell",
		Status:    types.JobStatusRunning,
		Config:    config,
		Resources: types.ResourceRequest{Cores: 1},
	}
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()

	mock := &MockDriver{}
	r.Register("mock", nil, func(cfg map[string]any) (Driver, error) {
		return mock, nil
	})

	d, err := r.Get("mock")
	require.NoError(t, err)
	assert.Same(t, mock, d)

	// Instances are cached.
	d2, err := r.Get("mock")
	require.NoError(t, err)
	assert.Same(t, d, d2)

	_, err = r.Get("vasp")
	assert.Error(t, err, "unregistered engine")

	r.Invalidate("mock")
	d3, err := r.Get("mock")
	require.NoError(t, err)
	assert.Same(t, mock, d3, "factory returns the same instance here")
}

func TestMockDriver(t *testing.T) {
	d := &MockDriver{Fn: func(job *types.Job) (*types.CalculationResult, error) {
		return &types.CalculationResult{Energy: -1.23, Converged: true}, nil
	}}

	res, err := d.Execute(context.Background(), testJob(nil), &resources.Sandbox{}, t.TempDir())
	require.NoError(t, err)
	assert.InDelta(t, -1.23, res.Energy, 1e-12)
}

func TestShellDriverRunsCommand(t *testing.T) {
	d, err := NewShellDriver(nil)
	require.NoError(t, err)

	job := testJob(map[string]any{
		"command": `echo '{"energy":-4.5,"converged":true}'`,
	})
	sb := &resources.Sandbox{Cores: []int{0, 1}}

	res, err := d.Execute(context.Background(), job, sb, t.TempDir())
	require.NoError(t, err)
	assert.InDelta(t, -4.5, res.Energy, 1e-12)
	assert.True(t, res.Converged)
}

func TestShellDriverSeesSandboxEnv(t *testing.T) {
	d, err := NewShellDriver(nil)
	require.NoError(t, err)

	job := testJob(map[string]any{
		"command": `printf '{"properties":{"threads":"%s"}}\n' "$OMP_NUM_THREADS"`,
	})
	sb := &resources.Sandbox{Cores: []int{0, 1, 2}}

	res, err := d.Execute(context.Background(), job, sb, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "3", res.Properties["threads"])
}

func TestShellDriverFailures(t *testing.T) {
	d, err := NewShellDriver(nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		config map[string]any
	}{
		{name: "missing command", config: map[string]any{}},
		{name: "nonzero exit", config: map[string]any{"command": "exit 3"}},
		{name: "no result line", config: map[string]any{"command": "true"}},
		{name: "garbage output", config: map[string]any{"command": "echo not-json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Execute(context.Background(), testJob(tt.config), &resources.Sandbox{}, t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestScrubEnv(t *testing.T) {
	in := []string{
		"PATH=/usr/bin",
		"SLURM_JOB_ID=12345",
		"PBS_JOBID=9",
		"OMPI_COMM_WORLD_SIZE=8",
		"HOME=/home/u",
	}
	out := scrubEnv(in)
	assert.ElementsMatch(t, []string{"PATH=/usr/bin", "HOME=/home/u"}, out)
}

func TestDaemonDriverRoundTrip(t *testing.T) {
	d, err := NewDaemonDriver(map[string]any{
		"command": `echo READY; while read line; do echo '{"ok":true,"result":{"energy":-7.5}}'; done`,
	})
	require.NoError(t, err)

	sb := &resources.Sandbox{Cores: []int{0}}
	res, err := d.Execute(context.Background(), testJob(nil), sb, t.TempDir())
	require.NoError(t, err)
	assert.InDelta(t, -7.5, res.Energy, 1e-12)

	// The kernel stays warm for the next job.
	res, err = d.Execute(context.Background(), testJob(nil), sb, t.TempDir())
	require.NoError(t, err)
	assert.InDelta(t, -7.5, res.Energy, 1e-12)
}

func TestDaemonDriverBootTimeout(t *testing.T) {
	d, err := NewDaemonDriver(map[string]any{
		"command":          "sleep 10",
		"boot_timeout_sec": 0.2,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = d.Execute(context.Background(), testJob(nil), &resources.Sandbox{}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READY")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDaemonDriverKernelDeathInvalidates(t *testing.T) {
	// Kernel answers one request then exits.
	d, err := NewDaemonDriver(map[string]any{
		"command": `echo READY; read line; echo '{"ok":true,"result":{"energy":-1}}'`,
	})
	require.NoError(t, err)
	dd := d.(*DaemonDriver)

	sb := &resources.Sandbox{}
	_, err = d.Execute(context.Background(), testJob(nil), sb, t.TempDir())
	require.NoError(t, err)

	// Second request hits a dead kernel; the instance must invalidate.
	_, err = d.Execute(context.Background(), testJob(nil), sb, t.TempDir())
	require.Error(t, err)
	assert.Nil(t, dd.kernel, "dead kernel must be dropped")

	// Third request boots a fresh kernel and succeeds again.
	res, err := d.Execute(context.Background(), testJob(nil), sb, t.TempDir())
	require.NoError(t, err)
	assert.InDelta(t, -1.0, res.Energy, 1e-12)
}

func TestDaemonDriverRequiresCommand(t *testing.T) {
	_, err := NewDaemonDriver(map[string]any{})
	assert.Error(t, err)
}
