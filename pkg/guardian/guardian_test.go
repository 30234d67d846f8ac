package guardian

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokay-avci/unifiedlab/pkg/driver"
	"github.com/gokay-avci/unifiedlab/pkg/log"
	"github.com/gokay-avci/unifiedlab/pkg/resources"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func mockRegistry(fn func(job *types.Job) (*types.CalculationResult, error)) *driver.Registry {
	r := driver.NewRegistry()
	r.Register("mock", nil, func(cfg map[string]any) (driver.Driver, error) {
		return &driver.MockDriver{Fn: fn}, nil
	})
	return r
}

func grantJob(cores, gpus int) *types.Job {
	return &types.Job{
		ID:        uuid.New(),
		Engine:    "mock",
		Status:    types.JobStatusRunning,
		Resources: types.ResourceRequest{Cores: cores, GPUs: gpus},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func awaitReport(t *testing.T, g *Guardian) *types.CompletionReport {
	t.Helper()
	select {
	case rep := <-g.Reports():
		return rep
	case <-time.After(5 * time.Second):
		t.Fatal("no completion report")
		return nil
	}
}

func TestAcceptExecuteReport(t *testing.T) {
	g := New(Config{
		NodeID: "w1",
		Ledger: resources.NewLedger(4, 0),
		Drivers: mockRegistry(func(job *types.Job) (*types.CalculationResult, error) {
			return &types.CalculationResult{Energy: -1.23, Converged: true}, nil
		}),
	})

	job := grantJob(2, 0)
	require.True(t, g.TryAcceptJob(job))

	rep := awaitReport(t, g)
	assert.Equal(t, job.ID, rep.JobID)
	assert.Equal(t, types.JobStatusCompleted, rep.Status)
	require.NotNil(t, rep.Result)
	assert.InDelta(t, -1.23, rep.Result.Energy, 1e-12)

	g.Drain()
	freeCores, _ := g.Capacity()
	assert.Equal(t, 4, freeCores, "sandbox returned after completion")
}

func TestDriverFailureReportsFailed(t *testing.T) {
	g := New(Config{
		NodeID: "w1",
		Ledger: resources.NewLedger(2, 0),
		Drivers: mockRegistry(func(job *types.Job) (*types.CalculationResult, error) {
			return nil, fmt.Errorf("scf did not converge")
		}),
	})

	require.True(t, g.TryAcceptJob(grantJob(1, 0)))
	rep := awaitReport(t, g)
	assert.Equal(t, types.JobStatusFailed, rep.Status)
	assert.Contains(t, rep.Error, "scf did not converge")
	assert.Nil(t, rep.Result)

	g.Drain()
	freeCores, _ := g.Capacity()
	assert.Equal(t, 2, freeCores)
}

func TestRejectWhenResourcesExhausted(t *testing.T) {
	block := make(chan struct{})
	g := New(Config{
		NodeID: "w1",
		Ledger: resources.NewLedger(2, 0),
		Drivers: mockRegistry(func(job *types.Job) (*types.CalculationResult, error) {
			<-block
			return &types.CalculationResult{}, nil
		}),
	})

	require.True(t, g.TryAcceptJob(grantJob(2, 0)))
	assert.False(t, g.TryAcceptJob(grantJob(1, 0)), "no cores left")

	close(block)
	awaitReport(t, g)
	g.Drain()

	assert.True(t, g.TryAcceptJob(grantJob(1, 0)), "capacity restored after release")
	awaitReport(t, g)
	g.Drain()
}

func TestDuplicateGrantIsNoOp(t *testing.T) {
	block := make(chan struct{})
	g := New(Config{
		NodeID: "w1",
		Ledger: resources.NewLedger(4, 0),
		Drivers: mockRegistry(func(job *types.Job) (*types.CalculationResult, error) {
			<-block
			return &types.CalculationResult{}, nil
		}),
	})

	job := grantJob(1, 0)
	require.True(t, g.TryAcceptJob(job))
	require.True(t, g.TryAcceptJob(job), "duplicate grant accepted without a second execution")

	close(block)
	awaitReport(t, g)
	g.Drain()

	select {
	case rep := <-g.Reports():
		t.Fatalf("unexpected second report for %s", rep.JobID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPanickingDriverFreesSandbox(t *testing.T) {
	g := New(Config{
		NodeID: "w1",
		Ledger: resources.NewLedger(2, 0),
		Drivers: mockRegistry(func(job *types.Job) (*types.CalculationResult, error) {
			panic("driver bug")
		}),
	})

	require.True(t, g.TryAcceptJob(grantJob(2, 0)))
	rep := awaitReport(t, g)
	assert.Equal(t, types.JobStatusFailed, rep.Status)
	assert.Contains(t, rep.Error, "Panic")

	g.Drain()
	freeCores, _ := g.Capacity()
	assert.Equal(t, 2, freeCores, "sandbox must be freed even under panics")
}

func TestUnknownEngineFails(t *testing.T) {
	g := New(Config{
		NodeID:  "w1",
		Ledger:  resources.NewLedger(1, 0),
		Drivers: driver.NewRegistry(),
	})

	job := grantJob(1, 0)
	job.Engine = "vasp"
	require.True(t, g.TryAcceptJob(job))

	rep := awaitReport(t, g)
	assert.Equal(t, types.JobStatusFailed, rep.Status)
	assert.Contains(t, rep.Error, "Driver Resolution Failed")
}
