// ABOUTME: Agent invoker contract: event stream types and error classification
// ABOUTME: Transient errors may be retried by the orchestrator, fatal ones may not

package invoker

import (
	"context"
	"errors"

	"github.com/loopwork/threadline/internal/store"
)

// Error classes. Implementations wrap failures with one of these so
// the orchestrator can decide whether a retry is worthwhile.
var (
	// ErrTransient marks failures that a retry might resolve
	// (network errors, 5xx responses, truncated streams).
	ErrTransient = errors.New("transient agent error")
	// ErrFatal marks failures that retrying cannot fix
	// (malformed requests, 4xx responses).
	ErrFatal = errors.New("fatal agent error")
)

// EventType identifies what a streamed agent event carries.
type EventType string

const (
	// EventToken carries an incremental chunk of assistant output.
	EventToken EventType = "token"
	// EventToolCall reports the agent starting a tool invocation.
	EventToolCall EventType = "tool_call"
	// EventToolResult reports a tool invocation finishing.
	EventToolResult EventType = "tool_result"
	// EventFinal carries the complete assistant reply; it is always
	// the last event on a successful stream.
	EventFinal EventType = "final"
	// EventCancelled reports the invocation stopping because the
	// caller cancelled it.
	EventCancelled EventType = "cancelled"
	// EventError reports the stream failing; Err carries the cause
	// wrapped with ErrTransient or ErrFatal.
	EventError EventType = "error"
)

// ToolCall describes a tool invocation the agent started.
type ToolCall struct {
	ID        string
	Name      string
	InputJSON string
}

// ToolResult describes a finished tool invocation.
type ToolResult struct {
	ID      string
	Name    string
	Output  string
	IsError bool
}

// Event is one item on an invocation stream. Exactly one of the
// payload fields is set, matched by Type.
type Event struct {
	Type       EventType
	Token      string
	ToolCall   *ToolCall
	ToolResult *ToolResult
	// Content is the full assistant reply, set on EventFinal.
	Content string
	Err     error
}

// Invoker runs one agent turn. The returned channel carries streamed
// events and is closed after the terminal event (final, cancelled, or
// error). Cancelling ctx stops the invocation; the stream then ends
// with EventCancelled.
//
// history is the thread's persisted conversation in ordinal order,
// already including the user message for this turn.
type Invoker interface {
	Invoke(ctx context.Context, history []*store.Message) (<-chan *Event, error)
}
