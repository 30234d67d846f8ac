package coordinator

import (
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/gokay-avci/unifiedlab/pkg/events"
	"github.com/gokay-avci/unifiedlab/pkg/metrics"
	"github.com/gokay-avci/unifiedlab/pkg/types"
	"github.com/gokay-avci/unifiedlab/pkg/workflow"
)

// applyCompletion folds a terminal transition into scheduler state:
// memoization registry, worker accounting, switch pruning, generator
// expansion, and readiness propagation to children.
func (c *Coordinator) applyCompletion(rep *types.CompletionReport) {
	st, ok := c.states[rep.JobID]
	if !ok {
		c.logger.Warn().Str("job_id", rep.JobID.String()).Msg("Completion for unknown job, ignoring")
		return
	}
	if st.job.Status.Terminal() && !st.inflight {
		// At-least-once delivery: a replayed report for a settled job
		// is a no-op.
		return
	}

	st.inflight = false
	st.job.Status = rep.Status
	st.job.Result = rep.Result
	st.job.ErrorLog = rep.Error
	st.job.UpdatedAt = time.Now()
	c.markDirty(rep.JobID)

	if rep.Status == types.JobStatusCompleted {
		c.landscape[workflow.ConfigFingerprint(st.job.Config)] = rep.JobID
		c.broker.Publish(&events.Event{Type: events.EventJobCompleted, JobID: rep.JobID})
	} else {
		c.broker.Publish(&events.Event{Type: events.EventJobFailed, JobID: rep.JobID, Message: rep.Error})
	}

	if st.assignedTo != "" {
		if w, ok := c.workers[st.assignedTo]; ok && w.InflightJobs > 0 {
			w.InflightJobs--
		}
	}

	if st.job.NodeType() == types.NodeTypeSwitch &&
		rep.Status == types.JobStatusCompleted && rep.Result != nil {
		c.resolveSwitch(st, rep.Result)
	}

	if st.job.NodeType() == types.NodeTypeGenerator &&
		rep.Result != nil && len(rep.Result.NextGeneration) > 0 {
		c.expandGenerator(st, rep.Result.NextGeneration)
	}

	c.propagateToChildren(rep.JobID)
}

// resolveSwitch runs the logic condition and mirrors any freshly pruned
// graph nodes into scheduler state so they never run.
func (c *Coordinator) resolveSwitch(st *nodeState, result *types.CalculationResult) {
	idx, ok := c.graph.IndexOf(st.job.ID)
	if !ok {
		return
	}
	// ResolveLogicBranch returns only freshly pruned nodes, so mirroring
	// here never double-fails a job.
	pruned := c.graph.ResolveLogicBranch(idx, result)
	for _, pidx := range pruned {
		node := c.graph.Node(pidx)
		cs, ok := c.states[node.Job.ID]
		if !ok {
			continue
		}
		cs.job.Status = types.JobStatusFailed
		cs.job.ErrorLog = workflow.PrunedError
		cs.job.UpdatedAt = time.Now()
		cs.inflight = false
		cs.blocked = false
		c.markDirty(node.Job.ID)

		metrics.JobsPruned.Inc()
		c.broker.Publish(&events.Event{Type: events.EventJobPruned, JobID: node.Job.ID})
	}
}

// expandGenerator applies a generator's next generation, bounded by the
// expansion governor, and syncs the fresh graph nodes into scheduler
// state via a synthesized job.submit with memoization applied.
func (c *Coordinator) expandGenerator(st *nodeState, candidates []map[string]any) {
	if len(candidates) > c.cfg.ExpansionLimit {
		metrics.ExpansionsRejected.Inc()
		c.logger.Warn().
			Str("job_id", st.job.ID.String()).
			Int("candidates", len(candidates)).
			Int("limit", c.cfg.ExpansionLimit).
			Msg("Expansion Governor rejected generator output")
		return
	}

	template, ok := st.job.Config["physics_template"].(map[string]any)
	if !ok {
		c.logger.Warn().
			Str("job_id", st.job.ID.String()).
			Msg("Generator has no physics_template, expansion skipped")
		return
	}

	// The recursion: while gen_counter < gen_limit the generator chains
	// a successor carrying an incremented counter.
	var nextAgentConfig map[string]any
	counter, hasCounter := numberFromConfig(st.job.Config, "gen_counter")
	limit, hasLimit := numberFromConfig(st.job.Config, "gen_limit")
	if hasCounter && hasLimit && counter < limit {
		nextAgentConfig = cloneConfig(st.job.Config)
		nextAgentConfig["gen_counter"] = counter + 1
	}

	genIdx, ok := c.graph.IndexOf(st.job.ID)
	if !ok {
		return
	}
	created := c.graph.ExpandGenerator(genIdx, candidates, template, nextAgentConfig)
	if len(created) == 0 {
		return
	}
	metrics.ExpansionsTotal.Inc()
	c.broker.Publish(&events.Event{
		Type:     events.EventGeneratorExpanded,
		JobID:    st.job.ID,
		Metadata: map[string]string{"created": itoa(len(created))},
	})

	c.syncGraphToScheduler()
}

// syncGraphToScheduler converts graph nodes the scheduler has not seen
// into a synthesized job.submit, applying memoization to Compute nodes,
// then broadcasts and ingests it so wire semantics stay identical for
// workers.
func (c *Coordinator) syncGraphToScheduler() {
	var newJobs []*types.Job
	var edges []types.DependencyEdge

	for idx := 0; idx < c.graph.Len(); idx++ {
		node := c.graph.Node(idx)
		if _, seen := c.states[node.Job.ID]; seen {
			continue
		}

		job := node.Job
		job.Priority = node.Priority

		if node.Type == types.NodeTypeCompute {
			fp := workflow.ConfigFingerprint(job.Config)
			if cachedID, hit := c.landscape[fp]; hit {
				if cached, ok := c.states[cachedID]; ok && cached.job.Result != nil {
					job.Result = cached.job.Result.Clone()
					job.Status = types.JobStatusCompleted
					job.SetFlowContext(types.FlowKeyMemoizedFrom, cachedID.String())
					metrics.JobsMemoized.Inc()
					c.broker.Publish(&events.Event{
						Type:     events.EventJobMemoized,
						JobID:    job.ID,
						Metadata: map[string]string{"source": cachedID.String()},
					})
				}
			}
		}

		newJobs = append(newJobs, job)
		for _, pidx := range c.graph.Parents(idx) {
			edges = append(edges, types.DependencyEdge{
				Parent: c.graph.Node(pidx).Job.ID,
				Child:  job.ID,
			})
		}
	}

	if len(newJobs) == 0 {
		return
	}

	sub := types.JobSubmit{Jobs: newJobs, Deps: edges}
	payload, err := json.Marshal(&sub)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to serialize synthesized submission")
		return
	}
	if _, err := c.tr.Broadcast(types.KindJobSubmit, payload); err != nil {
		c.logger.Error().Err(err).Msg("Failed to broadcast synthesized submission")
	}
	c.ingest(&sub)
}

// propagateToChildren bumps parents_done on every child of the finished
// job and unblocks the ones whose dependencies are all settled.
func (c *Coordinator) propagateToChildren(parentID uuid.UUID) {
	for id, st := range c.states {
		if !st.job.HasParent(parentID) {
			continue
		}
		st.parentsDone++
		if st.parentsDone < st.parentsTotal {
			continue
		}
		if st.job.Status != types.JobStatusBlocked || c.isPruned(id) {
			continue
		}
		st.blocked = false
		st.job.Status = types.JobStatusPending
		st.job.UpdatedAt = time.Now()
		c.markDirty(id)
		c.enqueue(id)
	}
}

// isPruned checks the graph-side prune flag for a job.
func (c *Coordinator) isPruned(id uuid.UUID) bool {
	idx, ok := c.graph.IndexOf(id)
	if !ok {
		return false
	}
	return c.graph.Node(idx).Pruned
}

// numberFromConfig extracts a numeric config value; JSON decoding leaves
// numbers as float64 but int-typed literals appear after local
// construction too.
func numberFromConfig(config map[string]any, key string) (float64, bool) {
	v, ok := config[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// cloneConfig deep-copies a config map through a JSON round trip.
func cloneConfig(config map[string]any) map[string]any {
	data, err := json.Marshal(config)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
