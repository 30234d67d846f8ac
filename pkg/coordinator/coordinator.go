package coordinator

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gokay-avci/unifiedlab/pkg/checkpoint"
	"github.com/gokay-avci/unifiedlab/pkg/events"
	"github.com/gokay-avci/unifiedlab/pkg/log"
	"github.com/gokay-avci/unifiedlab/pkg/metrics"
	"github.com/gokay-avci/unifiedlab/pkg/transport"
	"github.com/gokay-avci/unifiedlab/pkg/types"
	"github.com/gokay-avci/unifiedlab/pkg/workflow"
)

// nodeState is the coordinator's per-job scheduling state, distinct from
// the graph node.
type nodeState struct {
	job          *types.Job
	parentsTotal int
	parentsDone  int
	blocked      bool
	inflight     bool
	enqueued     bool
	assignedTo   string
}

// WorkerLive is the coordinator-side view of one worker, created on first
// heartbeat.
type WorkerLive struct {
	ID           string    `json:"id"`
	LastSeen     time.Time `json:"last_seen"`
	FreeCores    int       `json:"free_cores"`
	FreeGPUs     int       `json:"free_gpus"`
	MaxJobs      int       `json:"max_jobs"`
	InflightJobs int       `json:"inflight_jobs"`
	WantsWork    bool      `json:"wants_work"`
	Tags         []string  `json:"tags,omitempty"`
}

// Config holds coordinator configuration.
type Config struct {
	// Root is the shared directory holding logs and the checkpoint.
	Root string

	// TickInterval paces the actor loop.
	TickInterval time.Duration

	// CheckpointInterval bounds how often dirty state is flushed.
	CheckpointInterval time.Duration

	// ExpansionLimit is the generator governor: expansions with more
	// candidates are rejected.
	ExpansionLimit int

	// MaxInflightPerWorker caps jobs granted but not yet reported per
	// worker.
	MaxInflightPerWorker int

	// WorkerTTL hides workers whose last heartbeat is older than this
	// from the scheduling pass. Zero disables the check.
	WorkerTTL time.Duration
}

// DefaultConfig returns the standard intervals and limits.
func DefaultConfig(root string) Config {
	return Config{
		Root:                 root,
		TickInterval:         100 * time.Millisecond,
		CheckpointInterval:   5 * time.Second,
		ExpansionLimit:       100,
		MaxInflightPerWorker: 64,
		WorkerTTL:            5 * time.Minute,
	}
}

// Coordinator is the global scheduler: a single logical actor owning the
// workflow graph, the per-job scheduling state, and the worker heartbeat
// map. All state is touched only from Tick.
type Coordinator struct {
	cfg    Config
	tr     *transport.FileTransport
	ckpt   *checkpoint.Store
	graph  *workflow.Graph
	broker *events.Broker

	states     map[uuid.UUID]*nodeState
	readyQueue []uuid.UUID
	workers    map[string]*WorkerLive
	dirty      map[uuid.UUID]bool

	// landscape maps config fingerprints of completed jobs to their ids
	// for memoization.
	landscape map[string]uuid.UUID

	// cursor is the last consumed offset, persisted for restart.
	cursor         uint64
	lastCheckpoint time.Time

	statsMu sync.RWMutex
	stats   snapshotStats

	logger zerolog.Logger
}

type snapshotStats struct {
	statusCounts map[types.JobStatus]int
	workerCount  int
	queueDepth   int
}

// New opens the transport and checkpoint under cfg.Root, restores any
// prior state, and seeks the log to the persisted cursor.
func New(cfg Config, broker *events.Broker) (*Coordinator, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 5 * time.Second
	}
	if cfg.ExpansionLimit <= 0 {
		cfg.ExpansionLimit = 100
	}
	if cfg.MaxInflightPerWorker <= 0 {
		cfg.MaxInflightPerWorker = 64
	}

	tr, err := transport.New(cfg.Root, transport.RoleCoordinator, "", transport.DefaultOptions())
	if err != nil {
		return nil, err
	}
	ckpt, err := checkpoint.Open(cfg.Root + "/checkpoint.db")
	if err != nil {
		tr.Close()
		return nil, err
	}

	if broker == nil {
		broker = events.NewBroker()
		broker.Start()
	}

	c := &Coordinator{
		cfg:       cfg,
		tr:        tr,
		ckpt:      ckpt,
		graph:     workflow.NewGraph(),
		broker:    broker,
		states:    make(map[uuid.UUID]*nodeState),
		workers:   make(map[string]*WorkerLive),
		dirty:     make(map[uuid.UUID]bool),
		landscape: make(map[string]uuid.UUID),
		logger:    log.WithComponent("coordinator"),
	}

	if err := c.restore(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Broker returns the event broker observers subscribe to.
func (c *Coordinator) Broker() *events.Broker {
	return c.broker
}

// Run drives the actor loop until ctx is cancelled, flushing a final
// checkpoint on the way out.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info().
		Str("root", c.cfg.Root).
		Int("jobs", len(c.states)).
		Msg("Coordinator started")

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.checkpointNow()
			c.logger.Info().Msg("Coordinator stopped")
			return ctx.Err()
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Close releases the transport and checkpoint.
func (c *Coordinator) Close() error {
	err := c.tr.Close()
	if cerr := c.ckpt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Tick runs one actor cycle: drain inboxes, schedule, maybe checkpoint.
// Exported so tests and embedding processes can pace the actor
// themselves.
func (c *Coordinator) Tick() {
	c.drainInboxes()
	c.schedulePass()
	c.maybeCheckpoint()
	c.updateStats()
}

// drainInboxes consumes worker uplinks and dispatches by kind.
func (c *Coordinator) drainInboxes() {
	envs, err := c.tr.RecvWorkerMessages()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read worker inboxes")
		return
	}
	for _, env := range envs {
		c.cursor = env.NextOffset
		switch env.Record.Kind {
		case types.KindWorkRequest:
			c.handleWorkRequest(env.Record.Payload)
		case types.KindJobCompleteReport:
			// Rebroadcast first so all workers observe the terminal
			// transition, then apply it.
			if _, err := c.tr.Broadcast(types.KindJobComplete, env.Record.Payload); err != nil {
				c.logger.Error().Err(err).Msg("Failed to rebroadcast completion")
			}
			var rep types.CompletionReport
			if err := json.Unmarshal(env.Record.Payload, &rep); err != nil {
				c.logger.Warn().Err(err).Msg("Undecodable completion report")
				continue
			}
			c.applyCompletion(&rep)
		case types.KindJobSubmit:
			// Rebroadcast so the originator's own workers see the
			// submission, then ingest.
			if _, err := c.tr.Broadcast(types.KindJobSubmit, env.Record.Payload); err != nil {
				c.logger.Error().Err(err).Msg("Failed to rebroadcast submission")
			}
			var sub types.JobSubmit
			if err := json.Unmarshal(env.Record.Payload, &sub); err != nil {
				c.logger.Warn().Err(err).Msg("Undecodable job submission")
				continue
			}
			c.ingest(&sub)
		default:
			// Unknown kinds are ignored.
		}
	}
}

// handleWorkRequest upserts the worker's live state and re-arms its
// wants-work latch.
func (c *Coordinator) handleWorkRequest(payload []byte) {
	var req types.WorkRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.logger.Warn().Err(err).Msg("Undecodable work request")
		return
	}
	if req.WorkerID == "" {
		return
	}

	w, ok := c.workers[req.WorkerID]
	if !ok {
		w = &WorkerLive{ID: req.WorkerID}
		c.workers[req.WorkerID] = w
		c.logger.Info().Str("worker_id", req.WorkerID).Strs("tags", req.Tags).Msg("Worker joined")
	}
	w.LastSeen = time.Now()
	w.FreeCores = req.AvailableCores
	w.FreeGPUs = req.AvailableGPUs
	w.MaxJobs = req.MaxJobs
	w.Tags = req.Tags
	w.WantsWork = true

	c.broker.Publish(&events.Event{Type: events.EventWorkerSeen, WorkerID: req.WorkerID})
}

// maybeCheckpoint flushes dirty state once the checkpoint interval has
// elapsed.
func (c *Coordinator) maybeCheckpoint() {
	if len(c.dirty) == 0 {
		return
	}
	if time.Since(c.lastCheckpoint) < c.cfg.CheckpointInterval {
		return
	}
	c.checkpointNow()
}

// checkpointNow writes all dirty jobs, the worker snapshot, and the
// cursor in one transaction. A failed write keeps the dirty set for the
// next attempt.
func (c *Coordinator) checkpointNow() {
	if len(c.dirty) == 0 {
		return
	}

	jobs := make([]*types.Job, 0, len(c.dirty))
	for id := range c.dirty {
		if st, ok := c.states[id]; ok {
			jobs = append(jobs, st.job)
		}
	}

	workers := make([]checkpoint.WorkerRow, 0, len(c.workers))
	for _, w := range c.workers {
		state, err := json.Marshal(w)
		if err != nil {
			continue
		}
		workers = append(workers, checkpoint.WorkerRow{
			ID:         w.ID,
			LastSeenMS: w.LastSeen.UnixMilli(),
			StateJSON:  state,
		})
	}

	timer := metrics.NewTimer()
	if err := c.ckpt.SaveSnapshot(jobs, workers, c.cursor); err != nil {
		metrics.CheckpointFailures.Inc()
		c.logger.Error().Err(err).Int("jobs", len(jobs)).Msg("Checkpoint write failed, retaining dirty set")
		return
	}
	timer.ObserveDuration(metrics.CheckpointDuration)

	c.logger.Debug().Int("jobs", len(jobs)).Uint64("cursor", c.cursor).Msg("Checkpoint saved")
	c.dirty = make(map[uuid.UUID]bool)
	c.lastCheckpoint = time.Now()
	c.broker.Publish(&events.Event{Type: events.EventCheckpointSaved})
}

// markDirty queues a job for the next checkpoint batch.
func (c *Coordinator) markDirty(id uuid.UUID) {
	c.dirty[id] = true
}

// enqueue appends a job to the ready queue unless it is already there.
func (c *Coordinator) enqueue(id uuid.UUID) {
	st, ok := c.states[id]
	if !ok || st.enqueued {
		return
	}
	st.enqueued = true
	c.readyQueue = append(c.readyQueue, id)
}

// updateStats refreshes the snapshot the metrics collector samples.
func (c *Coordinator) updateStats() {
	counts := make(map[types.JobStatus]int)
	for _, st := range c.states {
		counts[st.job.Status]++
	}

	c.statsMu.Lock()
	c.stats = snapshotStats{
		statusCounts: counts,
		workerCount:  len(c.workers),
		queueDepth:   len(c.readyQueue),
	}
	c.statsMu.Unlock()
}

// StatusCounts implements metrics.StatsSource.
func (c *Coordinator) StatusCounts() map[types.JobStatus]int {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	out := make(map[types.JobStatus]int, len(c.stats.statusCounts))
	for k, v := range c.stats.statusCounts {
		out[k] = v
	}
	return out
}

// WorkerCount implements metrics.StatsSource.
func (c *Coordinator) WorkerCount() int {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats.workerCount
}

// QueueDepth implements metrics.StatsSource.
func (c *Coordinator) QueueDepth() int {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats.queueDepth
}
