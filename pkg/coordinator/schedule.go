package coordinator

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/gokay-avci/unifiedlab/pkg/events"
	"github.com/gokay-avci/unifiedlab/pkg/metrics"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

// schedulePass matches ready jobs to hungry workers. For each worker with
// an armed wants-work latch and headroom, the ready queue is rotated at
// most once: local capacity only decreases within a pass and tags never
// change mid-pass, so the rotation terminates.
func (c *Coordinator) schedulePass() {
	if len(c.readyQueue) == 0 || len(c.workers) == 0 {
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	for workerID, w := range c.workers {
		if !w.WantsWork {
			continue
		}
		if c.cfg.WorkerTTL > 0 && time.Since(w.LastSeen) > c.cfg.WorkerTTL {
			// Stale worker; it revives on its next heartbeat.
			continue
		}
		maxJobs := c.cfg.MaxInflightPerWorker
		if w.MaxJobs > 0 && w.MaxJobs < maxJobs {
			maxJobs = w.MaxJobs
		}
		if w.InflightJobs >= maxJobs {
			continue
		}

		capCores := w.FreeCores
		capGPUs := w.FreeGPUs
		tagSet := make(map[string]bool, len(w.Tags))
		for _, tag := range w.Tags {
			tagSet[tag] = true
		}

		var batch []*types.Job
		rotations := len(c.readyQueue)
		for i := 0; i < rotations && len(c.readyQueue) > 0; i++ {
			id := c.readyQueue[0]
			c.readyQueue = c.readyQueue[1:]

			st, ok := c.states[id]
			if !ok {
				continue
			}
			st.enqueued = false

			// Stale queue entries drop out; they re-enter on the next
			// state change.
			if st.inflight || st.blocked || st.parentsDone < st.parentsTotal ||
				st.job.Status != types.JobStatusPending {
				continue
			}

			if !fits(st.job, tagSet, capCores, capGPUs) {
				c.readyQueue = append(c.readyQueue, id)
				st.enqueued = true
				continue
			}

			st.inflight = true
			st.assignedTo = workerID
			st.job.Status = types.JobStatusRunning
			st.job.NodeID = workerID
			st.job.UpdatedAt = time.Now()
			c.markDirty(id)

			batch = append(batch, st.job)
			capCores -= st.job.Resources.Cores
			capGPUs -= st.job.Resources.GPUs
		}

		if len(batch) == 0 {
			continue
		}

		w.WantsWork = false
		w.InflightJobs += len(batch)

		grant := types.WorkGrant{
			WorkerID: workerID,
			GrantID:  uuid.New().String(),
			Jobs:     batch,
		}
		payload, err := json.Marshal(&grant)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to serialize work grant")
			continue
		}
		if _, err := c.tr.Broadcast(types.KindWorkGrant, payload); err != nil {
			c.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to broadcast grant")
			continue
		}

		metrics.GrantsTotal.Inc()
		metrics.JobsGranted.Add(float64(len(batch)))
		for _, job := range batch {
			c.broker.Publish(&events.Event{
				Type:     events.EventJobGranted,
				JobID:    job.ID,
				WorkerID: workerID,
			})
		}

		c.logger.Info().
			Str("worker_id", workerID).
			Str("grant_id", grant.GrantID).
			Int("jobs", len(batch)).
			Msg("Granted work")
	}
}

// fits reports whether the job's tags and resource demand fit the
// worker's remaining local capacity.
func fits(job *types.Job, tagSet map[string]bool, capCores, capGPUs int) bool {
	for _, tag := range job.RequiredTags {
		if !tagSet[tag] {
			return false
		}
	}
	return job.Resources.Cores <= capCores && job.Resources.GPUs <= capGPUs
}
