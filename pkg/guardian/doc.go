/*
Package guardian implements the per-node scheduler: the actor that owns
one machine's hardware and executes granted jobs.

Acceptance is two-phase and non-blocking: a task permit (pool sized
max(2*cores, 4)) bounds concurrent subprocess spawns, then a sandbox is
allocated from the resource ledger. Either failure rolls back cleanly and
the grant is retried later by the worker loop.

Each accepted job runs in a detached task: private workspace under the
system temp area, Running transition persisted to the checkpoint,
engine driver dispatch, terminal transition persisted, sandbox freed even
under panics, workspace removed best-effort. Terminal reports surface on
the Reports channel; the worker loop forwards them over the transport.

Capacity() reads the ledger so heartbeats stay truthful while local work
is inflight.
*/
package guardian
