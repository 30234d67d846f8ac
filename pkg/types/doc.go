/*
Package types defines the core data structures shared across UnifiedLab.

It contains the Job domain model (identity, lifecycle status, inputs,
outputs, topology), the closed enums for workflow node kinds and logic
conditions, and the wire message payloads exchanged over the event log
(work.request, work.grant, job.submit, job.complete_report, job.complete).

All enums use typed string constants:

	type JobStatus string
	const (
	    JobStatusPending JobStatus = "pending"
	    JobStatusRunning JobStatus = "running"
	)

Status transitions within one epoch are monotonic:

	Pending -> Blocked -> Pending -> Running -> {Completed, Failed, Cancelled}

with Blocked <-> Pending driven solely by parent completion counts. Result
is set iff the terminal status is Completed; ErrorLog may be set for Failed.

All types serialize to JSON; the checkpoint store and the event log both
carry them that way. Mutations must be synchronized by callers; in
practice the coordinator actor owns all Job mutations on its side, and the
guardian owns them on the worker side.
*/
package types
