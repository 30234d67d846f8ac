package guardian

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gokay-avci/unifiedlab/pkg/checkpoint"
	"github.com/gokay-avci/unifiedlab/pkg/driver"
	"github.com/gokay-avci/unifiedlab/pkg/log"
	"github.com/gokay-avci/unifiedlab/pkg/metrics"
	"github.com/gokay-avci/unifiedlab/pkg/resources"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

// Guardian owns one node's hardware: it accepts granted jobs, allocates
// sandboxes from the resource ledger, runs the engine driver, persists
// lifecycle transitions, and surfaces completion reports for the worker
// loop to forward.
type Guardian struct {
	id      string
	ledger  *resources.Ledger
	ckpt    *checkpoint.Store
	drivers *driver.Registry

	// permits bounds concurrent execution tasks.
	permits chan struct{}

	// reports carries terminal transitions out to the worker loop.
	reports chan *types.CompletionReport

	mu     sync.Mutex
	active map[string]bool // job ids currently executing

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// Config holds guardian configuration.
type Config struct {
	// NodeID identifies this worker on the wire.
	NodeID string

	// Ledger is the node's resource ledger.
	Ledger *resources.Ledger

	// Checkpoint persists lifecycle transitions. Optional; the
	// coordinator also persists through its own checkpoint loop.
	Checkpoint *checkpoint.Store

	// Drivers resolves engines. Defaults to the built-in registry.
	Drivers *driver.Registry
}

// New creates a guardian. The task permit pool is sized max(2*cores, 4),
// bounding concurrent subprocess spawns.
func New(cfg Config) *Guardian {
	totalCores, _ := cfg.Ledger.Totals()
	poolSize := 2 * totalCores
	if poolSize < 4 {
		poolSize = 4
	}

	drivers := cfg.Drivers
	if drivers == nil {
		drivers = driver.NewRegistry()
	}

	return &Guardian{
		id:      cfg.NodeID,
		ledger:  cfg.Ledger,
		ckpt:    cfg.Checkpoint,
		drivers: drivers,
		permits: make(chan struct{}, poolSize),
		reports: make(chan *types.CompletionReport, 256),
		active:  make(map[string]bool),
		logger:  log.WithComponent("guardian").With().Str("worker_id", cfg.NodeID).Logger(),
	}
}

// Reports returns the channel of terminal transitions awaiting transport
// to the coordinator.
func (g *Guardian) Reports() <-chan *types.CompletionReport {
	return g.reports
}

// Capacity reads the ledger for truthful heartbeats, so the coordinator
// never over-commits a node with inflight local work.
func (g *Guardian) Capacity() (freeCores, freeGPUs int) {
	return g.ledger.FreeCounts()
}

// TryAcceptJob claims a task permit and a sandbox for the job. On any
// failure nothing is held and false is returned; the grant stays pending
// on the worker side. Duplicate grants for a job already executing are
// accepted as no-ops.
func (g *Guardian) TryAcceptJob(job *types.Job) bool {
	g.mu.Lock()
	if g.active[job.ID.String()] {
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()

	select {
	case g.permits <- struct{}{}:
	default:
		metrics.JobsRejected.WithLabelValues("permits").Inc()
		return false
	}

	sb, ok := g.ledger.TryAllocate(job.Resources.Cores, job.Resources.GPUs)
	if !ok {
		<-g.permits
		metrics.JobsRejected.WithLabelValues("resources").Inc()
		return false
	}
	sb.MemoryMB = job.Resources.MemoryMB

	g.mu.Lock()
	g.active[job.ID.String()] = true
	g.mu.Unlock()

	metrics.JobsAccepted.Inc()
	metrics.SandboxCoresInUse.Add(float64(len(sb.Cores)))
	metrics.SandboxGPUsInUse.Add(float64(len(sb.GPUs)))

	g.wg.Add(1)
	go g.executeLifecycle(job, sb)
	return true
}

// executeLifecycle runs one job from workspace creation to terminal
// report. The sandbox is freed on every path, including panics in the
// driver.
func (g *Guardian) executeLifecycle(job *types.Job, sb *resources.Sandbox) {
	logger := g.logger.With().Str("job_id", job.ID.String()).Str("engine", job.Engine).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Job execution panicked")
			g.finish(job, types.JobStatusFailed, nil, fmt.Sprintf("Execution Panic: %v", r))
		}
		g.ledger.Free(sb)
		metrics.SandboxCoresInUse.Sub(float64(len(sb.Cores)))
		metrics.SandboxGPUsInUse.Sub(float64(len(sb.GPUs)))

		g.mu.Lock()
		delete(g.active, job.ID.String())
		g.mu.Unlock()

		<-g.permits
		g.wg.Done()
	}()

	workDir, err := os.MkdirTemp("", "unilab-job-"+job.ID.String()+"-")
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create job workspace")
		g.finish(job, types.JobStatusFailed, nil, "Workspace Creation Failed")
		return
	}
	defer os.RemoveAll(workDir)

	job.Status = types.JobStatusRunning
	job.NodeID = g.id
	job.UpdatedAt = time.Now()
	g.persist(job, logger)

	d, err := g.drivers.Get(job.Engine)
	if err != nil {
		logger.Error().Err(err).Msg("No driver for engine")
		g.finish(job, types.JobStatusFailed, nil, fmt.Sprintf("Driver Resolution Failed: %v", err))
		return
	}

	logger.Info().Ints("cores", sb.Cores).Ints("gpus", sb.GPUs).Msg("Job started")
	timer := metrics.NewTimer()
	result, err := d.Execute(context.Background(), job, sb, workDir)
	timer.ObserveDurationVec(metrics.JobExecutionDuration, job.Engine)

	if err != nil {
		logger.Warn().Err(err).Msg("Job failed")
		g.finish(job, types.JobStatusFailed, nil, fmt.Sprintf("Execution Failed: %v", err))
		return
	}

	logger.Info().Msg("Job completed")
	g.finish(job, types.JobStatusCompleted, result, "")
}

// finish stamps the terminal state, persists it best-effort, and queues
// the completion report.
func (g *Guardian) finish(job *types.Job, status types.JobStatus, result *types.CalculationResult, errText string) {
	job.Status = status
	job.Result = result
	job.ErrorLog = errText
	job.UpdatedAt = time.Now()
	g.persist(job, g.logger)

	g.reports <- &types.CompletionReport{
		JobID:  job.ID,
		Status: status,
		Result: result,
		Error:  errText,
	}
}

// persist writes the job's state to the checkpoint. Failures are logged,
// not fatal: the coordinator persists through its own checkpoint loop
// too.
func (g *Guardian) persist(job *types.Job, logger zerolog.Logger) {
	if g.ckpt == nil {
		return
	}
	if err := g.ckpt.UpsertJob(job); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist job transition")
	}
}

// Drain waits for all inflight execution tasks to finish.
func (g *Guardian) Drain() {
	g.wg.Wait()
}
