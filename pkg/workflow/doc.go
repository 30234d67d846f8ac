/*
Package workflow implements the job DAG that the coordinator schedules
over.

Nodes live in an arena indexed by graph-local integers (stable within one
epoch); a side map translates wire-level job UUIDs to indices. Each node
carries a Merkle content hash over (config, structure, sorted parent
hashes) used for structural deduplication, and the config-only fingerprint
used as the memoization cache key.

Control flow is a closed set of node kinds: Compute, Generator, Switch,
Aggregator, Verifier, Sentinel. Switches gate their downstream branch with
a LogicCondition; a failing condition prunes every strictly downstream
node. Generators expand dynamically when their result delivers a new
candidate generation, optionally chaining a follow-on generator that fans
in from all fresh children.

Priorities flow upward: RecomputePriorities assigns each node
max(1 + max child priority, own priority) in reverse topological order, so
terminal objectives pull their ancestors through the queue.
*/
package workflow
