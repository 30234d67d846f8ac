/*
Package transport is the role-typed messaging facade built entirely on
event logs in a shared directory:

	<root>/events.log              coordinator broadcast log (one writer)
	<root>/inbox/worker_<id>.log   per-worker uplink (one writer each)

The coordinator broadcasts on events.log and tails every discovered inbox;
workers append to their own inbox and tail events.log. Discovery of new
inboxes happens every ~2 seconds. There are no acknowledgements and no
retries; higher layers achieve at-least-once delivery by idempotent
application keyed on job UUID.

A corrupted inbox segment loses messages for that worker only; readers
advance past corruption via the event log's self-healing scan.
*/
package transport
