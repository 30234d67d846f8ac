package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gokay-avci/unifiedlab/pkg/log"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

// PrunedError is the error text stamped onto nodes cut by a failed switch
// condition.
const PrunedError = "Pruned by Logic Condition"

// Node wraps a Job with its workflow control-flow role and graph-local
// bookkeeping.
type Node struct {
	Job         *types.Job
	Type        types.NodeType
	Condition   *types.LogicCondition
	ContentHash string
	Priority    int
	Persist     bool
	Pruned      bool
	Expanded    bool
}

// Graph is the workflow DAG. Nodes live in an arena addressed by integer
// indices, stable within an epoch; a side map bridges wire-level job UUIDs
// to indices.
type Graph struct {
	nodes    []*Node
	children map[int][]int
	parents  map[int][]int
	byUUID   map[uuid.UUID]int
	byHash   map[string]int
	logger   zerolog.Logger
}

// NewGraph creates an empty workflow graph.
func NewGraph() *Graph {
	return &Graph{
		children: make(map[int][]int),
		parents:  make(map[int][]int),
		byUUID:   make(map[uuid.UUID]int),
		byHash:   make(map[string]int),
		logger:   log.WithComponent("workflow"),
	}
}

// Len returns the number of nodes in the arena.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the node at idx; nil when out of range.
func (g *Graph) Node(idx int) *Node {
	if idx < 0 || idx >= len(g.nodes) {
		return nil
	}
	return g.nodes[idx]
}

// IndexOf translates a job UUID to its graph index.
func (g *Graph) IndexOf(id uuid.UUID) (int, bool) {
	idx, ok := g.byUUID[id]
	return idx, ok
}

// Children returns the direct dependents of idx.
func (g *Graph) Children(idx int) []int {
	return g.children[idx]
}

// Parents returns the direct dependencies of idx.
func (g *Graph) Parents(idx int) []int {
	return g.parents[idx]
}

// AddSmartNode inserts a node with structural deduplication: the content
// hash covers the job's config, structure, and the sorted parent hashes,
// so resubmitting an identical node returns the existing index instead of
// growing the graph.
func (g *Graph) AddSmartNode(job *types.Job, nodeType types.NodeType, parentIdxs []int, priority int, persist bool) int {
	hash := g.contentHash(job, parentIdxs)
	if existing, ok := g.byHash[hash]; ok {
		return existing
	}

	idx := len(g.nodes)
	node := &Node{
		Job:         job,
		Type:        nodeType,
		ContentHash: hash,
		Priority:    priority,
		Persist:     persist,
	}
	if nodeType == types.NodeTypeSwitch {
		node.Condition = conditionFromConfig(job.Config)
	}
	g.nodes = append(g.nodes, node)
	g.byUUID[job.ID] = idx
	g.byHash[hash] = idx

	for _, p := range parentIdxs {
		if p < 0 || p >= idx {
			continue
		}
		g.children[p] = append(g.children[p], idx)
		g.parents[idx] = append(g.parents[idx], p)
	}
	return idx
}

// AddEdge records an extra hard dependency between existing nodes.
func (g *Graph) AddEdge(parent, child int) {
	if g.Node(parent) == nil || g.Node(child) == nil || parent == child {
		return
	}
	for _, c := range g.children[parent] {
		if c == child {
			return
		}
	}
	g.children[parent] = append(g.children[parent], child)
	g.parents[child] = append(g.parents[child], parent)
}

// RecomputePriorities gives every node max(1 + max child priority, own
// priority) so deeper ancestors inherit urgency from their descendants:
// terminal objectives pull work through the graph. The arena is walked from
// the highest index down and the walk repeats until nothing changes, so
// edges added by AddEdge from a higher-indexed parent are honoured too.
func (g *Graph) RecomputePriorities() {
	for changed := true; changed; {
		changed = false
		for idx := len(g.nodes) - 1; idx >= 0; idx-- {
			maxChild := 0
			for _, c := range g.children[idx] {
				if g.nodes[c].Priority > maxChild {
					maxChild = g.nodes[c].Priority
				}
			}
			if 1+maxChild > g.nodes[idx].Priority {
				g.nodes[idx].Priority = 1 + maxChild
				changed = true
			}
		}
	}
}

// contentHash computes the Merkle hash over (config, structure, sorted
// parent hashes).
func (g *Graph) contentHash(job *types.Job, parentIdxs []int) string {
	parentHashes := make([]string, 0, len(parentIdxs))
	for _, p := range parentIdxs {
		if node := g.Node(p); node != nil {
			parentHashes = append(parentHashes, node.ContentHash)
		}
	}
	sort.Strings(parentHashes)

	h := sha256.New()
	h.Write(canonicalJSON(job.Config))
	h.Write(canonicalJSON(job.Structure))
	for _, ph := range parentHashes {
		h.Write([]byte(ph))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ConfigFingerprint is the config-only hash used as the memoization cache
// key: Compute jobs with equal configuration reuse results regardless of
// parent identity. Provenance keys stamped by expansion are excluded so
// the same physics re-run under a different generator still hits the
// cache.
func ConfigFingerprint(config map[string]any) string {
	if _, ok := config[types.FlowKeyGeneratedBy]; ok {
		stripped := make(map[string]any, len(config))
		for k, v := range config {
			if k == types.FlowKeyGeneratedBy {
				continue
			}
			stripped[k] = v
		}
		config = stripped
	}
	h := sha256.Sum256(canonicalJSON(config))
	return hex.EncodeToString(h[:])
}

// canonicalJSON serializes with sorted map keys, giving a deterministic
// byte stream for hashing.
func canonicalJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}

// conditionFromConfig extracts a switch's logic condition from its job
// config. A switch without one passes unconditionally.
func conditionFromConfig(config map[string]any) *types.LogicCondition {
	raw, ok := config["condition"]
	if !ok {
		return &types.LogicCondition{Kind: types.LogicAlwaysTrue}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return &types.LogicCondition{Kind: types.LogicAlwaysTrue}
	}
	var cond types.LogicCondition
	if err := json.Unmarshal(data, &cond); err != nil || cond.Kind == "" {
		return &types.LogicCondition{Kind: types.LogicAlwaysTrue}
	}
	return &cond
}
