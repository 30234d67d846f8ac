package coordinator

import (
	"sort"
	"time"

	"github.com/gokay-avci/unifiedlab/pkg/types"
	"github.com/gokay-avci/unifiedlab/pkg/workflow"
)

// restore rebuilds coordinator state from the checkpoint: jobs, graph,
// memoization registry, readiness, and the broadcast log cursor. Jobs
// recorded as Running are reset to Pending: the previous runner's fate
// is unknown and re-execution is safe because completion is idempotent on
// job UUID.
func (c *Coordinator) restore() error {
	jobs, err := c.ckpt.LoadJobs()
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		// Parents were submitted before their children; creation order
		// lets AddSmartNode see resolvable parents.
		sort.Slice(jobs, func(i, j int) bool {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		})

		for _, job := range jobs {
			st := &nodeState{job: job}
			c.states[job.ID] = st

			if job.Status == types.JobStatusCompleted {
				c.landscape[workflow.ConfigFingerprint(job.Config)] = job.ID
			}
			if job.Status == types.JobStatusRunning {
				job.Status = types.JobStatusPending
				job.UpdatedAt = time.Now()
				st.inflight = false
				c.markDirty(job.ID)
			}
			c.addToGraph(job)
		}

		// Second pass wires edges whose parent loaded after the child.
		for _, job := range jobs {
			cidx, ok := c.graph.IndexOf(job.ID)
			if !ok {
				continue
			}
			for _, pid := range job.ParentIDs {
				if pidx, ok := c.graph.IndexOf(pid); ok {
					c.graph.AddEdge(pidx, cidx)
				}
			}
		}
		c.graph.RecomputePriorities()

		c.recomputeReadiness()
		c.rebuildReadyQueue()
		c.logger.Info().
			Int("jobs", len(jobs)).
			Int("ready", len(c.readyQueue)).
			Msg("Restored jobs from checkpoint")
	}

	cursor, ok, err := c.ckpt.Cursor()
	if err != nil {
		return err
	}
	if ok {
		c.cursor = cursor
		if err := c.tr.Seek(cursor); err != nil {
			return err
		}
		c.logger.Info().Uint64("cursor", cursor).Msg("Resumed broadcast log cursor")
	}

	c.lastCheckpoint = time.Now()
	return nil
}
