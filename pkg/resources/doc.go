/*
Package resources owns one node's hardware accounting.

DetectTopology classifies the environment (SLURM allocation, PBS
allocation, or a local workstation) and sizes the node: cores from the
batch system or the visible CPU count, GPUs from nvidia-smi with an Apple
silicon fallback, memory from system totals.

Ledger is a bitmask tracker over logical cores and GPU device ids. Guarded
by a mutex held only across TryAllocate and Free, never across job
execution. Allocation is greedy first-fit in ascending index order,
all-or-nothing across both resource classes, with no contiguity
requirement.

Sandbox is the allocation receipt; Sandbox.Env produces the environment
that constrains a child process to its slice of the machine.
*/
package resources
