/*
Package driver defines the engine driver contract and the built-in
drivers.

A Driver executes one job inside its sandbox and workspace:

	Execute(ctx, job, sandbox, workDir) (*types.CalculationResult, error)

Drivers are resolved through a Registry keyed by engine name, with
instances cached so persistent-kernel drivers keep their kernel across
jobs. Built-ins:

  - shell: one-shot subprocess; scrubs inherited batch/MPI environment,
    applies the sandbox environment, and parses a trailing JSON result
    line from stdout.
  - daemon: long-lived kernel with a JSON-line protocol and a READY boot
    handshake bounded by a timeout; a dead kernel is invalidated so the
    next job reboots it.
  - MockDriver: canned results for tests and dry runs.

Engine-specific wrangling (VASP/CP2K/GULP input decks, ML daemon
internals) lives outside this package; only the generic contract is here.
*/
package driver
