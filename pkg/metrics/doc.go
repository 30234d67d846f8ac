/*
Package metrics provides Prometheus metrics and health endpoints for
UnifiedLab processes.

Coordinator-side collectors cover jobs by status, grants, memoization and
pruning counts, generator expansions, scheduling latency, and checkpoint
writes; guardian-side collectors cover grant acceptance, execution wall
time, and sandbox occupancy. Handler() serves /metrics; HealthHandler,
ReadyHandler, and LivenessHandler serve the health surface, gated on the
components each process registers.
*/
package metrics
