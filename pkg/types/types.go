package types

import (
	"time"

	"github.com/google/uuid"
)

// Job is a single computational task in a workflow DAG. Identity is the
// immutable UUID; everything else is lifecycle state owned by the
// coordinator and mirrored to workers over the wire.
type Job struct {
	ID           uuid.UUID         `json:"id"`
	Name         string            `json:"name,omitempty"`
	Engine       string            `json:"engine"`
	Status       JobStatus         `json:"status"`
	Config       map[string]any    `json:"config,omitempty"`
	Structure    map[string]any    `json:"structure,omitempty"`
	Resources    ResourceRequest   `json:"resources"`
	RequiredTags []string          `json:"required_tags,omitempty"`
	ParentIDs    []uuid.UUID       `json:"parent_ids,omitempty"`
	NodeID       string            `json:"node_id,omitempty"` // worker executing (or that executed) the job
	Result       *CalculationResult `json:"result,omitempty"`
	ErrorLog     string            `json:"error_log,omitempty"`
	FlowContext  map[string]string `json:"flow_context,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	Persist      bool              `json:"persist,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// FlowContext keys understood by the coordinator.
const (
	FlowKeyNodeType     = "node_type"
	FlowKeyGeneratedBy  = "generated_by"
	FlowKeyMemoizedFrom = "memoized_from"
)

// NodeType returns the workflow role carried in the job's flow context.
// Jobs submitted without one are plain compute jobs.
func (j *Job) NodeType() NodeType {
	if j.FlowContext != nil {
		if t, ok := j.FlowContext[FlowKeyNodeType]; ok && t != "" {
			return NodeType(t)
		}
	}
	return NodeTypeCompute
}

// SetFlowContext sets a flow-context key, allocating the map if needed.
func (j *Job) SetFlowContext(key, value string) {
	if j.FlowContext == nil {
		j.FlowContext = make(map[string]string)
	}
	j.FlowContext[key] = value
}

// HasParent reports whether id is already recorded as a parent.
func (j *Job) HasParent(id uuid.UUID) bool {
	for _, p := range j.ParentIDs {
		if p == id {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusBlocked   JobStatus = "blocked"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final within an epoch.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// NodeType classifies a workflow node's control-flow role.
type NodeType string

const (
	NodeTypeCompute    NodeType = "compute"
	NodeTypeGenerator  NodeType = "generator"
	NodeTypeSwitch     NodeType = "switch"
	NodeTypeAggregator NodeType = "aggregator"
	NodeTypeVerifier   NodeType = "verifier"
	NodeTypeSentinel   NodeType = "sentinel"
)

// LogicKind discriminates the closed set of switch conditions.
type LogicKind string

const (
	LogicAlwaysTrue     LogicKind = "always_true"
	LogicEnergyBelow    LogicKind = "energy_below"
	LogicBandGapAbove   LogicKind = "band_gap_above"
	LogicExternalScript LogicKind = "external_script"
)

// LogicCondition gates a Switch node's downstream branch.
type LogicCondition struct {
	Kind      LogicKind `json:"kind"`
	Threshold float64   `json:"threshold,omitempty"`
	Script    string    `json:"script,omitempty"`
}

// ResourceRequest is a job's hardware demand.
type ResourceRequest struct {
	Cores    int   `json:"cores"`
	GPUs     int   `json:"gpus"`
	MemoryMB int64 `json:"memory_mb,omitempty"`
}

// CalculationResult is the output of a completed job.
type CalculationResult struct {
	Energy         float64          `json:"energy,omitempty"`
	BandGap        float64          `json:"band_gap,omitempty"`
	Converged      bool             `json:"converged,omitempty"`
	Properties     map[string]any   `json:"properties,omitempty"`
	NextGeneration []map[string]any `json:"next_generation,omitempty"`
}

// Clone returns a copy of the result to attach to another job. The
// Properties map and the NextGeneration slice are copied; the values inside
// them (nested maps, candidate maps) are shared with the original.
func (r *CalculationResult) Clone() *CalculationResult {
	if r == nil {
		return nil
	}
	out := &CalculationResult{
		Energy:    r.Energy,
		BandGap:   r.BandGap,
		Converged: r.Converged,
	}
	if r.Properties != nil {
		out.Properties = make(map[string]any, len(r.Properties))
		for k, v := range r.Properties {
			out.Properties[k] = v
		}
	}
	if r.NextGeneration != nil {
		out.NextGeneration = append([]map[string]any(nil), r.NextGeneration...)
	}
	return out
}
