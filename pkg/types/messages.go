package types

import "github.com/google/uuid"

// Wire message kinds. These are the string discriminators stored in event
// log records; both sides dispatch on them.
const (
	KindWorkRequest       = "work.request"
	KindWorkGrant         = "work.grant"
	KindJobSubmit         = "job.submit"
	KindJobCompleteReport = "job.complete_report"
	KindJobComplete       = "job.complete"
)

// WorkRequest is a worker heartbeat advertising free capacity and tags.
type WorkRequest struct {
	WorkerID       string   `json:"worker_id"`
	AvailableCores int      `json:"available_cores"`
	AvailableGPUs  int      `json:"available_gpus"`
	MaxJobs        int      `json:"max_jobs"`
	Tags           []string `json:"tags,omitempty"`
}

// WorkGrant assigns a batch of jobs to one worker. Every worker sees the
// broadcast and filters by WorkerID.
type WorkGrant struct {
	WorkerID string `json:"worker_id"`
	GrantID  string `json:"grant_id"`
	Jobs     []*Job `json:"jobs"`
}

// DependencyEdge is one parent -> child hard dependency.
type DependencyEdge struct {
	Parent uuid.UUID `json:"parent"`
	Child  uuid.UUID `json:"child"`
}

// JobSubmit introduces jobs and dependency edges into the DAG. Produced by
// the workflow importer and synthesized by the coordinator during generator
// expansion.
type JobSubmit struct {
	Jobs []*Job           `json:"jobs"`
	Deps []DependencyEdge `json:"deps,omitempty"`
}

// CompletionReport carries a job's terminal transition from the executing
// worker back to the coordinator, which rebroadcasts it verbatim.
type CompletionReport struct {
	JobID  uuid.UUID          `json:"job_id"`
	Status JobStatus          `json:"status"`
	Result *CalculationResult `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}
