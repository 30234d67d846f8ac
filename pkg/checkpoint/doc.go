/*
Package checkpoint is the relational snapshot store used for restart.

Three tables: meta(key, value) holding the coordinator's broadcast log
cursor, workers(id, last_seen_ms, state_json), and jobs(id, status,
updated_at_ms, node_id, full_json) with indices on status and
updated_at_ms for dashboard queries.

The database runs with classical delete-mode journaling (no WAL) for
compatibility with networked filesystems, synchronous NORMAL, and a 10
second busy timeout, so a coordinator and several guardians can share one
file. The event log remains the source of truth for messages; the
checkpoint is the source of truth for restart only.
*/
package checkpoint
