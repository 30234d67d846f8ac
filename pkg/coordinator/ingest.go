package coordinator

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gokay-avci/unifiedlab/pkg/events"
	"github.com/gokay-avci/unifiedlab/pkg/types"
	"github.com/gokay-avci/unifiedlab/pkg/workflow"
)

// ingest folds a JobSubmit into scheduler state and the graph, then
// recomputes readiness and rebuilds the ready queue from scratch.
// Application is idempotent on job UUID: replayed submissions are no-ops.
func (c *Coordinator) ingest(sub *types.JobSubmit) {
	for _, job := range sub.Jobs {
		if _, exists := c.states[job.ID]; exists {
			continue
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now()
		}
		job.UpdatedAt = time.Now()

		c.states[job.ID] = &nodeState{job: job}
		c.markDirty(job.ID)

		if job.Status == types.JobStatusCompleted {
			c.landscape[workflow.ConfigFingerprint(job.Config)] = job.ID
		}

		c.addToGraph(job)
		c.broker.Publish(&events.Event{Type: events.EventJobSubmitted, JobID: job.ID})
	}

	for _, edge := range sub.Deps {
		child, ok := c.states[edge.Child]
		if !ok {
			c.logger.Warn().
				Str("child", edge.Child.String()).
				Msg("Dependency edge references unknown child, ignoring")
			continue
		}
		if !child.job.HasParent(edge.Parent) {
			child.job.ParentIDs = append(child.job.ParentIDs, edge.Parent)
		}

		pidx, pok := c.graph.IndexOf(edge.Parent)
		cidx, cok := c.graph.IndexOf(edge.Child)
		if pok && cok {
			c.graph.AddEdge(pidx, cidx)
		}
	}

	c.recomputeReadiness()
	c.rebuildReadyQueue()
}

// addToGraph inserts a job into the workflow graph if it is not already
// there, wiring whichever parents are resolvable.
func (c *Coordinator) addToGraph(job *types.Job) {
	if _, ok := c.graph.IndexOf(job.ID); ok {
		return
	}
	var parentIdxs []int
	for _, pid := range job.ParentIDs {
		if pidx, ok := c.graph.IndexOf(pid); ok {
			parentIdxs = append(parentIdxs, pidx)
		}
	}
	c.graph.AddSmartNode(job, job.NodeType(), parentIdxs, job.Priority, job.Persist)
}

// recomputeReadiness recounts parents_done for every non-terminal job
// from the terminal statuses of its parents, clamping Blocked vs Pending
// accordingly.
func (c *Coordinator) recomputeReadiness() {
	for id, st := range c.states {
		if st.job.Status.Terminal() {
			continue
		}

		st.parentsTotal = len(st.job.ParentIDs)
		done := 0
		for _, pid := range st.job.ParentIDs {
			ps, ok := c.states[pid]
			if !ok {
				c.logger.Warn().
					Str("job_id", id.String()).
					Str("parent", pid.String()).
					Msg("Job references unknown parent")
				continue
			}
			if ps.job.Status == types.JobStatusCompleted || ps.job.Status == types.JobStatusFailed {
				done++
			}
		}
		st.parentsDone = done

		if st.inflight || st.job.Status == types.JobStatusRunning {
			continue
		}
		if done < st.parentsTotal {
			st.blocked = true
			st.job.Status = types.JobStatusBlocked
		} else if st.job.Status == types.JobStatusBlocked {
			st.blocked = false
			st.job.Status = types.JobStatusPending
		}
	}
}

// rebuildReadyQueue repopulates the queue from currently pending jobs
// with satisfied parents, highest priority first.
func (c *Coordinator) rebuildReadyQueue() {
	for _, id := range c.readyQueue {
		if st, ok := c.states[id]; ok {
			st.enqueued = false
		}
	}
	c.readyQueue = c.readyQueue[:0]

	var ready []uuid.UUID
	for id, st := range c.states {
		if st.job.Status == types.JobStatusPending && !st.inflight &&
			st.parentsDone >= st.parentsTotal {
			ready = append(ready, id)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		si, sj := c.states[ready[i]], c.states[ready[j]]
		pi, pj := c.priorityOf(ready[i]), c.priorityOf(ready[j])
		if pi != pj {
			return pi > pj
		}
		return si.job.CreatedAt.Before(sj.job.CreatedAt)
	})

	for _, id := range ready {
		c.enqueue(id)
	}
}

// priorityOf prefers the graph's recomputed priority over the job's
// submitted one.
func (c *Coordinator) priorityOf(id uuid.UUID) int {
	if idx, ok := c.graph.IndexOf(id); ok {
		return c.graph.Node(idx).Priority
	}
	if st, ok := c.states[id]; ok {
		return st.job.Priority
	}
	return 0
}
