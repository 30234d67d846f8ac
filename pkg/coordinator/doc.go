/*
Package coordinator implements the global scheduler of a UnifiedLab
deployment: a single logical actor that owns the workflow DAG, per-job
scheduling state, and the live worker map.

Each tick (default 100 ms) the actor:

 1. Drains every discovered worker inbox. Heartbeats re-arm a worker's
    wants-work latch with its advertised capacity and tags. Completion
    reports and submissions are rebroadcast on the global log before
    being applied, so every worker observes them in one total order.
 2. Runs the scheduling pass: for each hungry worker, rotate the ready
    queue at most once, granting jobs whose required tags are a subset of
    the worker's and whose resource demand fits the remaining local
    capacity captured from the heartbeat.
 3. Checkpoints dirty jobs, the worker snapshot, and the log cursor in
    one transaction every ~5 seconds.

Completions feed the memoization registry (config fingerprint -> job id),
resolve switch conditions (pruning downstream branches), and trigger
generator expansion behind a configurable governor. Expansion synthesizes
a job.submit that is broadcast and then ingested locally, keeping
wire-level semantics identical for workers; memoized Compute nodes enter
already Completed with a memoized_from pointer so the DAG stays connected
for their descendants.

On restart the coordinator reloads jobs from the checkpoint, rebuilds the
graph and the memoization registry, resets Running jobs to Pending (the
previous runner's fate is unknown; re-execution is idempotent on job
UUID), and seeks the broadcast log to the persisted cursor.
*/
package coordinator
