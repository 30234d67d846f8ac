/*
Package events provides an in-process publish/subscribe broker for
coordinator lifecycle events (job submitted/granted/completed, generator
expansions, worker sightings, checkpoint saves).

This is the integration point for the terminal dashboard and other
observers; it never crosses process boundaries; inter-process messaging
stays on the event log.
*/
package events
