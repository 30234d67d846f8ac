package worker

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gokay-avci/unifiedlab/pkg/guardian"
	"github.com/gokay-avci/unifiedlab/pkg/log"
	"github.com/gokay-avci/unifiedlab/pkg/transport"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

const (
	defaultHeartbeatInterval = 3 * time.Second
	defaultPollInterval      = 500 * time.Millisecond

	// maxInflightJobs advertised to the coordinator per heartbeat.
	maxInflightJobs = 64
)

// Worker hosts one guardian and drives the transport: heartbeats out,
// grants in, completion reports back. All transport access happens on the
// single Run loop; execution tasks live inside the guardian.
type Worker struct {
	id       string
	tr       *transport.FileTransport
	guardian *guardian.Guardian
	tags     []string

	heartbeatInterval time.Duration
	pollInterval      time.Duration

	pending []*types.Job
	queued  map[uuid.UUID]bool

	logger zerolog.Logger
}

// Config holds worker configuration.
type Config struct {
	NodeID            string
	Transport         *transport.FileTransport
	Guardian          *guardian.Guardian
	Tags              []string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

// New creates a worker runtime.
func New(cfg Config) *Worker {
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = defaultHeartbeatInterval
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Worker{
		id:                cfg.NodeID,
		tr:                cfg.Transport,
		guardian:          cfg.Guardian,
		tags:              cfg.Tags,
		heartbeatInterval: hb,
		pollInterval:      poll,
		queued:            make(map[uuid.UUID]bool),
		logger:            log.WithComponent("worker").With().Str("worker_id", cfg.NodeID).Logger(),
	}
}

// Run drives the worker until ctx is cancelled. Restart needs only the
// worker id and the shared root: the broadcast log is read from offset 0
// and duplicate grants are harmless because acceptance checks local
// state.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Strs("tags", w.tags).Msg("Worker started")

	w.sendHeartbeat()
	lastHeartbeat := time.Now()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker stopping")
			w.guardian.Drain()
			w.drainReports()
			return ctx.Err()
		case <-ticker.C:
		}

		w.drainReports()
		w.receiveBroadcasts()
		w.retryPending()

		if time.Since(lastHeartbeat) >= w.heartbeatInterval {
			w.sendHeartbeat()
			lastHeartbeat = time.Now()
		}
	}
}

// drainReports forwards all queued completion reports to the
// coordinator.
func (w *Worker) drainReports() {
	for {
		select {
		case rep := <-w.guardian.Reports():
			payload, err := json.Marshal(rep)
			if err != nil {
				w.logger.Error().Err(err).Msg("Failed to serialize completion report")
				continue
			}
			if err := w.tr.SendToCoordinator(types.KindJobCompleteReport, payload); err != nil {
				w.logger.Error().Err(err).Msg("Failed to send completion report")
			}
		default:
			return
		}
	}
}

// receiveBroadcasts drains the global log and dispatches by kind.
func (w *Worker) receiveBroadcasts() {
	envs, err := w.tr.RecvBroadcasts()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to read broadcasts")
		return
	}
	for _, env := range envs {
		switch env.Record.Kind {
		case types.KindWorkGrant:
			var grant types.WorkGrant
			if err := json.Unmarshal(env.Record.Payload, &grant); err != nil {
				w.logger.Warn().Err(err).Msg("Undecodable work grant")
				continue
			}
			if grant.WorkerID != w.id {
				continue
			}
			w.acceptGrant(&grant)
		case types.KindJobComplete:
			// A peer (or a previous epoch of this node) finished the
			// job; drop any queued duplicate.
			var rep types.CompletionReport
			if err := json.Unmarshal(env.Record.Payload, &rep); err != nil {
				continue
			}
			w.dropPending(rep.JobID)
		default:
			// job.submit and work.request broadcasts are coordinator
			// concerns.
		}
	}
}

// acceptGrant queues the grant's jobs for acceptance.
func (w *Worker) acceptGrant(grant *types.WorkGrant) {
	w.logger.Info().
		Str("grant_id", grant.GrantID).
		Int("jobs", len(grant.Jobs)).
		Msg("Received work grant")

	for _, job := range grant.Jobs {
		if w.queued[job.ID] {
			continue
		}
		w.queued[job.ID] = true
		w.pending = append(w.pending, job)
	}
}

// retryPending hands queued jobs to the guardian, keeping what it cannot
// take yet.
func (w *Worker) retryPending() {
	if len(w.pending) == 0 {
		return
	}
	var remaining []*types.Job
	for _, job := range w.pending {
		if w.guardian.TryAcceptJob(job) {
			delete(w.queued, job.ID)
			continue
		}
		remaining = append(remaining, job)
	}
	w.pending = remaining
}

func (w *Worker) dropPending(id uuid.UUID) {
	if !w.queued[id] {
		return
	}
	delete(w.queued, id)
	for i, job := range w.pending {
		if job.ID == id {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			break
		}
	}
}

// sendHeartbeat advertises truthful ledger capacity and capability tags.
func (w *Worker) sendHeartbeat() {
	freeCores, freeGPUs := w.guardian.Capacity()
	req := types.WorkRequest{
		WorkerID:       w.id,
		AvailableCores: freeCores,
		AvailableGPUs:  freeGPUs,
		MaxJobs:        maxInflightJobs,
		Tags:           w.tags,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to serialize heartbeat")
		return
	}
	if err := w.tr.SendToCoordinator(types.KindWorkRequest, payload); err != nil {
		w.logger.Error().Err(err).Msg("Failed to send heartbeat")
	}
}
