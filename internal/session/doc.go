// Package session drives turns: one user message in, one terminal
// record out, with everything between streamed to the caller.
//
// The orchestrator enforces the two invariants the rest of the system
// leans on. First, at most one turn is in flight per thread; a second
// submission is rejected with registry.ErrThreadBusy before anything
// is persisted. Second, every accepted turn commits exactly one
// terminal record after the user message: the assistant reply on
// success, or an assistant-role marker with status cancelled or
// failed otherwise. Restart-time recovery needs no bookkeeping
// because nothing about an in-flight turn is durable except the user
// message itself.
//
// Transient invoker failures are retried against the same persisted
// history; the user message is never appended twice. Tool activity is
// buffered in memory during the attempt and persisted only when the
// attempt succeeds, so retries cannot leave partial tool rows behind.
//
// Cancellation is bounded: the orchestrator propagates the request to
// the invoker and waits CancelGracePeriod for acknowledgement, after
// which the turn is force-failed so the thread lock cannot leak.
package session
