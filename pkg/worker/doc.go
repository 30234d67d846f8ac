/*
Package worker is the runtime loop of one worker node.

It owns the node's transport endpoint (its inbox log plus a tail of the
coordinator's broadcast log) and a guardian. Each cycle it forwards the
guardian's completion reports, drains broadcasts (keeping only grants
addressed to this worker), retries grants the guardian could not accept
yet, and heartbeats the ledger's truthful free capacity with the node's
capability tags.

A worker restarting needs only its id and the shared root directory; it
re-reads the broadcast log from offset 0 and duplicate grants collapse to
no-ops inside the guardian.
*/
package worker
