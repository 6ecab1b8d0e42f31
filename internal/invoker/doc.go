// Package invoker adapts the agent runtime's streaming HTTP protocol
// into a typed event channel.
//
// An Invoker runs exactly one turn: it sends the thread's conversation
// history and yields token, tool, and terminal events as they arrive.
// Every stream ends with exactly one terminal event (EventFinal,
// EventCancelled, or EventError) followed by channel close, so
// consumers can range over the channel without further coordination.
//
// Errors are classified into two sentinel wrappers. ErrTransient
// covers anything a retry might fix: connection failures, 5xx
// responses, and streams that end before the [DONE] terminator.
// ErrFatal covers request-shape problems and 4xx responses, which a
// retry would only repeat. Callers check with errors.Is.
package invoker
