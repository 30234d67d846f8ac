package coordinator

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokay-avci/unifiedlab/pkg/log"
	"github.com/gokay-avci/unifiedlab/pkg/transport"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newCoordinator(t *testing.T, root string) *Coordinator {
	t.Helper()
	c, err := New(DefaultConfig(root), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newWorkerTransport(t *testing.T, root, id string) *transport.FileTransport {
	t.Helper()
	tr, err := transport.New(root, transport.RoleWorker, id, transport.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func sendHeartbeat(t *testing.T, tr *transport.FileTransport, id string, cores, gpus int, tags ...string) {
	t.Helper()
	payload, err := json.Marshal(types.WorkRequest{
		WorkerID:       id,
		AvailableCores: cores,
		AvailableGPUs:  gpus,
		MaxJobs:        64,
		Tags:           tags,
	})
	require.NoError(t, err)
	require.NoError(t, tr.SendToCoordinator(types.KindWorkRequest, payload))
}

func sendSubmit(t *testing.T, tr *transport.FileTransport, sub types.JobSubmit) {
	t.Helper()
	payload, err := json.Marshal(sub)
	require.NoError(t, err)
	require.NoError(t, tr.SendToCoordinator(types.KindJobSubmit, payload))
}

func sendCompletion(t *testing.T, tr *transport.FileTransport, rep types.CompletionReport) {
	t.Helper()
	payload, err := json.Marshal(rep)
	require.NoError(t, err)
	require.NoError(t, tr.SendToCoordinator(types.KindJobCompleteReport, payload))
}

// readGrants drains a worker transport's broadcast tail and returns the
// grants addressed to workerID.
func readGrants(t *testing.T, tr *transport.FileTransport, workerID string) []types.WorkGrant {
	t.Helper()
	envs, err := tr.RecvBroadcasts()
	require.NoError(t, err)

	var grants []types.WorkGrant
	for _, env := range envs {
		if env.Record.Kind != types.KindWorkGrant {
			continue
		}
		var grant types.WorkGrant
		require.NoError(t, json.Unmarshal(env.Record.Payload, &grant))
		if grant.WorkerID == workerID {
			grants = append(grants, grant)
		}
	}
	return grants
}

func computeJob(name string, cores int, tags ...string) *types.Job {
	return &types.Job{
		ID:           uuid.New(),
		Name:         name,
		Engine:       "mock",
		Status:       types.JobStatusPending,
		Config:       map[string]any{"task": name},
		Resources:    types.ResourceRequest{Cores: cores},
		RequiredTags: tags,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

func TestSingleJobFlow(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root)
	w1 := newWorkerTransport(t, root, "w1")

	job := computeJob("relax", 1)
	sendHeartbeat(t, w1, "w1", 4, 0)
	sendSubmit(t, w1, types.JobSubmit{Jobs: []*types.Job{job}})
	c.Tick()

	grants := readGrants(t, w1, "w1")
	require.Len(t, grants, 1)
	require.Len(t, grants[0].Jobs, 1)
	assert.Equal(t, job.ID, grants[0].Jobs[0].ID)
	assert.Equal(t, types.JobStatusRunning, c.states[job.ID].job.Status)
	assert.Equal(t, "w1", c.states[job.ID].job.NodeID)

	sendCompletion(t, w1, types.CompletionReport{
		JobID:  job.ID,
		Status: types.JobStatusCompleted,
		Result: &types.CalculationResult{Energy: -1.23, Converged: true},
	})
	c.Tick()

	st := c.states[job.ID]
	assert.Equal(t, types.JobStatusCompleted, st.job.Status)
	assert.InDelta(t, -1.23, st.job.Result.Energy, 1e-12)
	assert.Equal(t, 0, c.workers["w1"].InflightJobs)

	// The terminal transition lands in the checkpoint.
	c.checkpointNow()
	row, err := c.ckpt.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, types.JobStatusCompleted, row.Status)
	assert.Equal(t, "w1", row.NodeID)
}

func TestChainOfThreeRunsInOrder(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root)
	w1 := newWorkerTransport(t, root, "w1")

	a, b, d := computeJob("a", 1), computeJob("b", 1), computeJob("c", 1)
	sendHeartbeat(t, w1, "w1", 4, 0)
	sendSubmit(t, w1, types.JobSubmit{
		Jobs: []*types.Job{a, b, d},
		Deps: []types.DependencyEdge{
			{Parent: a.ID, Child: b.ID},
			{Parent: b.ID, Child: d.ID},
		},
	})
	c.Tick()

	grants := readGrants(t, w1, "w1")
	require.Len(t, grants, 1)
	require.Len(t, grants[0].Jobs, 1, "only the root is runnable")
	assert.Equal(t, a.ID, grants[0].Jobs[0].ID)
	assert.Equal(t, types.JobStatusBlocked, c.states[b.ID].job.Status)
	assert.Equal(t, types.JobStatusBlocked, c.states[d.ID].job.Status)

	sendCompletion(t, w1, types.CompletionReport{JobID: a.ID, Status: types.JobStatusCompleted})
	sendHeartbeat(t, w1, "w1", 4, 0)
	c.Tick()

	grants = readGrants(t, w1, "w1")
	require.Len(t, grants, 1)
	assert.Equal(t, b.ID, grants[0].Jobs[0].ID)
	assert.Equal(t, 0, c.states[d.ID].parentsDone, "c waits for b")

	sendCompletion(t, w1, types.CompletionReport{JobID: b.ID, Status: types.JobStatusCompleted})
	sendHeartbeat(t, w1, "w1", 4, 0)
	c.Tick()

	grants = readGrants(t, w1, "w1")
	require.Len(t, grants, 1)
	assert.Equal(t, d.ID, grants[0].Jobs[0].ID)

	sendCompletion(t, w1, types.CompletionReport{JobID: d.ID, Status: types.JobStatusCompleted})
	c.Tick()

	assert.True(t, c.states[a.ID].job.UpdatedAt.Before(c.states[d.ID].job.UpdatedAt) ||
		c.states[a.ID].job.UpdatedAt.Equal(c.states[d.ID].job.UpdatedAt))
}

func TestTagRouting(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root)
	w1 := newWorkerTransport(t, root, "w1")
	w2 := newWorkerTransport(t, root, "w2")

	j1 := computeJob("j1", 1, "brain")
	j2 := computeJob("j2", 1, "muscle")

	sendHeartbeat(t, w1, "w1", 4, 0, "brain")
	sendHeartbeat(t, w2, "w2", 4, 0, "muscle")
	sendSubmit(t, w1, types.JobSubmit{Jobs: []*types.Job{j1, j2}})
	c.Tick()
	c.Tick()

	g1 := readGrants(t, w1, "w1")
	g2 := readGrants(t, w2, "w2")
	require.Len(t, g1, 1)
	require.Len(t, g2, 1)
	assert.Equal(t, j1.ID, g1[0].Jobs[0].ID, "brain job routes to the brain worker")
	assert.Equal(t, j2.ID, g2[0].Jobs[0].ID, "muscle job routes to the muscle worker")
}

func TestCapacitySafety(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root)
	w1 := newWorkerTransport(t, root, "w1")

	big1, big2 := computeJob("big1", 2), computeJob("big2", 2)
	sendHeartbeat(t, w1, "w1", 3, 0)
	sendSubmit(t, w1, types.JobSubmit{Jobs: []*types.Job{big1, big2}})
	c.Tick()

	grants := readGrants(t, w1, "w1")
	require.Len(t, grants, 1)
	require.Len(t, grants[0].Jobs, 1, "3 cores fit only one 2-core job")

	total := 0
	for _, job := range grants[0].Jobs {
		total += job.Resources.Cores
	}
	assert.LessOrEqual(t, total, 3)

	// The other job stays queued for the next heartbeat.
	granted := grants[0].Jobs[0].ID
	sendCompletion(t, w1, types.CompletionReport{JobID: granted, Status: types.JobStatusCompleted})
	sendHeartbeat(t, w1, "w1", 3, 0)
	c.Tick()

	grants = readGrants(t, w1, "w1")
	require.Len(t, grants, 1)
	assert.NotEqual(t, granted, grants[0].Jobs[0].ID)
}

func TestSwitchPrune(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root)
	w1 := newWorkerTransport(t, root, "w1")

	sw := computeJob("switch", 1)
	sw.Config = map[string]any{
		"condition": map[string]any{"kind": "energy_below", "threshold": 0.0},
	}
	sw.SetFlowContext(types.FlowKeyNodeType, string(types.NodeTypeSwitch))
	x, y := computeJob("x", 1), computeJob("y", 1)

	sendHeartbeat(t, w1, "w1", 4, 0)
	sendSubmit(t, w1, types.JobSubmit{
		Jobs: []*types.Job{sw, x, y},
		Deps: []types.DependencyEdge{
			{Parent: sw.ID, Child: x.ID},
			{Parent: x.ID, Child: y.ID},
		},
	})
	c.Tick()

	sendCompletion(t, w1, types.CompletionReport{
		JobID:  sw.ID,
		Status: types.JobStatusCompleted,
		Result: &types.CalculationResult{Energy: 1.5},
	})
	sendHeartbeat(t, w1, "w1", 4, 0)
	c.Tick()
	c.Tick()

	for _, id := range []uuid.UUID{x.ID, y.ID} {
		st := c.states[id]
		assert.Equal(t, types.JobStatusFailed, st.job.Status)
		assert.Equal(t, "Pruned by Logic Condition", st.job.ErrorLog)
	}

	// No grants ever reference the pruned jobs.
	for _, grant := range readGrants(t, w1, "w1") {
		for _, job := range grant.Jobs {
			assert.NotEqual(t, x.ID, job.ID)
			assert.NotEqual(t, y.ID, job.ID)
		}
	}
}

func generatorJob(name string, extra map[string]any) *types.Job {
	config := map[string]any{
		"physics_template": map[string]any{
			"engine":    "mock",
			"config":    map[string]any{"encut": 400.0},
			"resources": map[string]any{"cores": 1},
		},
	}
	for k, v := range extra {
		config[k] = v
	}
	job := &types.Job{
		ID:        uuid.New(),
		Name:      name,
		Engine:    "mock",
		Status:    types.JobStatusPending,
		Config:    config,
		Resources: types.ResourceRequest{Cores: 1},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	job.SetFlowContext(types.FlowKeyNodeType, string(types.NodeTypeGenerator))
	return job
}

func candidates(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"index": float64(i)}
	}
	return out
}

func TestGeneratorExpansion(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root)
	w1 := newWorkerTransport(t, root, "w1")

	gen := generatorJob("gen", nil)
	sendHeartbeat(t, w1, "w1", 4, 0)
	sendSubmit(t, w1, types.JobSubmit{Jobs: []*types.Job{gen}})
	c.Tick()

	sendCompletion(t, w1, types.CompletionReport{
		JobID:  gen.ID,
		Status: types.JobStatusCompleted,
		Result: &types.CalculationResult{NextGeneration: candidates(3)},
	})
	c.Tick()

	children := 0
	for _, st := range c.states {
		if st.job.FlowContext[types.FlowKeyGeneratedBy] == gen.ID.String() {
			children++
			assert.Equal(t, types.JobStatusPending, st.job.Status, "expanded children are immediately runnable")
			assert.True(t, st.job.HasParent(gen.ID))
		}
	}
	assert.Equal(t, 3, children)
}

func TestExpansionGovernor(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root)
	w1 := newWorkerTransport(t, root, "w1")

	gen := generatorJob("gen", nil)
	sendSubmit(t, w1, types.JobSubmit{Jobs: []*types.Job{gen}})
	c.Tick()
	before := len(c.states)

	sendCompletion(t, w1, types.CompletionReport{
		JobID:  gen.ID,
		Status: types.JobStatusCompleted,
		Result: &types.CalculationResult{NextGeneration: candidates(101)},
	})
	c.Tick()

	assert.Equal(t, before, len(c.states), "rejected expansion adds no jobs")
	assert.Equal(t, types.JobStatusCompleted, c.states[gen.ID].job.Status, "the generator itself is not failed")
}

func TestMemoizationAcrossGenerations(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root)
	w1 := newWorkerTransport(t, root, "w1")

	gen := generatorJob("gen", map[string]any{"gen_counter": float64(0), "gen_limit": float64(1)})
	sendSubmit(t, w1, types.JobSubmit{Jobs: []*types.Job{gen}})
	c.Tick()

	// First generation: one candidate, which spawns a compute child and
	// a follow-on generator.
	sendCompletion(t, w1, types.CompletionReport{
		JobID:  gen.ID,
		Status: types.JobStatusCompleted,
		Result: &types.CalculationResult{NextGeneration: []map[string]any{{"lattice": "fcc"}}},
	})
	c.Tick()

	var firstChild, nextGen uuid.UUID
	for id, st := range c.states {
		if st.job.FlowContext[types.FlowKeyGeneratedBy] != gen.ID.String() {
			continue
		}
		if st.job.NodeType() == types.NodeTypeCompute {
			firstChild = id
		} else if st.job.NodeType() == types.NodeTypeGenerator {
			nextGen = id
		}
	}
	require.NotEqual(t, uuid.Nil, firstChild)
	require.NotEqual(t, uuid.Nil, nextGen)

	// The first child runs and completes, registering its fingerprint.
	sendCompletion(t, w1, types.CompletionReport{
		JobID:  firstChild,
		Status: types.JobStatusCompleted,
		Result: &types.CalculationResult{Energy: -9.9, Converged: true},
	})
	c.Tick()

	// Second generation re-proposes the same candidate: the fresh child
	// must be born Completed off the cache, never granted.
	sendCompletion(t, w1, types.CompletionReport{
		JobID:  nextGen,
		Status: types.JobStatusCompleted,
		Result: &types.CalculationResult{NextGeneration: []map[string]any{{"lattice": "fcc"}}},
	})
	c.Tick()

	var memoized *nodeState
	for _, st := range c.states {
		if st.job.FlowContext[types.FlowKeyMemoizedFrom] != "" {
			memoized = st
		}
	}
	require.NotNil(t, memoized, "second-generation child should be memoized")
	assert.Equal(t, types.JobStatusCompleted, memoized.job.Status)
	assert.Equal(t, firstChild.String(), memoized.job.FlowContext[types.FlowKeyMemoizedFrom])
	require.NotNil(t, memoized.job.Result)
	assert.InDelta(t, -9.9, memoized.job.Result.Energy, 1e-12)
}

func TestUnknownCompletionIgnored(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root)
	w1 := newWorkerTransport(t, root, "w1")

	sendCompletion(t, w1, types.CompletionReport{JobID: uuid.New(), Status: types.JobStatusCompleted})
	c.Tick()
	assert.Empty(t, c.states)
}

func TestCrashRecovery(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root)
	w1 := newWorkerTransport(t, root, "w1")

	done := computeJob("done", 1)
	running := computeJob("running", 1)
	sendHeartbeat(t, w1, "w1", 4, 0)
	sendSubmit(t, w1, types.JobSubmit{Jobs: []*types.Job{done, running}})
	c.Tick()

	sendCompletion(t, w1, types.CompletionReport{
		JobID:  done.ID,
		Status: types.JobStatusCompleted,
		Result: &types.CalculationResult{Energy: -3.2},
	})
	c.Tick()

	require.Equal(t, types.JobStatusRunning, c.states[running.ID].job.Status)
	c.checkpointNow()
	savedCursor := c.cursor
	require.NoError(t, c.Close())

	// Restart from the same root.
	c2, err := New(DefaultConfig(root), nil)
	require.NoError(t, err)
	defer c2.Close()

	st := c2.states[done.ID]
	require.NotNil(t, st)
	assert.Equal(t, types.JobStatusCompleted, st.job.Status, "completed work is retained")
	require.NotNil(t, st.job.Result)

	rst := c2.states[running.ID]
	require.NotNil(t, rst)
	assert.Equal(t, types.JobStatusPending, rst.job.Status, "running jobs reset for re-execution")
	assert.False(t, rst.inflight)
	assert.True(t, rst.enqueued, "reset jobs re-enter the queue")

	assert.GreaterOrEqual(t, c2.cursor, savedCursor)

	// The memoization registry is repopulated from completed jobs.
	assert.NotEmpty(t, c2.landscape)
}

func TestDuplicateCompletionIsNoOp(t *testing.T) {
	root := t.TempDir()
	c := newCoordinator(t, root)
	w1 := newWorkerTransport(t, root, "w1")

	a, b := computeJob("a", 1), computeJob("b", 1)
	sendHeartbeat(t, w1, "w1", 4, 0)
	sendSubmit(t, w1, types.JobSubmit{
		Jobs: []*types.Job{a, b},
		Deps: []types.DependencyEdge{{Parent: a.ID, Child: b.ID}},
	})
	c.Tick()

	rep := types.CompletionReport{JobID: a.ID, Status: types.JobStatusCompleted}
	sendCompletion(t, w1, rep)
	c.Tick()
	sendCompletion(t, w1, rep)
	c.Tick()

	assert.Equal(t, 1, c.states[b.ID].parentsDone, "replayed completion must not double-count")
}
