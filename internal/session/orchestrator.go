// ABOUTME: Session orchestrator driving the per-turn state machine
// ABOUTME: Persists user input before invoking, retries transient failures, commits terminal markers

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopwork/threadline/internal/invoker"
	"github.com/loopwork/threadline/internal/registry"
	"github.com/loopwork/threadline/internal/store"
)

// ErrInternalInconsistency reports an ordinal conflict observed while
// holding the thread's turn lock. That should be impossible; it means
// another writer bypassed the registry.
var ErrInternalInconsistency = errors.New("internal inconsistency: ordinal conflict while holding turn lock")

// EventType identifies a turn stream event.
type EventType string

const (
	// EventPartial carries an incremental chunk of the assistant reply.
	EventPartial EventType = "partial"
	// EventToolCall reports a tool invocation starting.
	EventToolCall EventType = "tool_call"
	// EventToolResult reports a tool invocation finishing.
	EventToolResult EventType = "tool_result"
	// EventFinal carries the persisted assistant reply. Terminal.
	EventFinal EventType = "final"
	// EventCancelled reports the turn stopping on request; Message is
	// the persisted cancellation marker. Terminal.
	EventCancelled EventType = "cancelled"
	// EventFailed reports the turn failing; Message is the persisted
	// failure marker and Err carries the cause. Terminal.
	EventFailed EventType = "failed"
)

// Event is one item on a turn's event stream.
type Event struct {
	Type       EventType
	Token      string
	ToolCall   *invoker.ToolCall
	ToolResult *invoker.ToolResult
	// Message is the persisted assistant message or terminal marker,
	// set on terminal events.
	Message *store.Message
	Err     error
}

// Terminal reports whether the event ends the turn stream.
func (e *Event) Terminal() bool {
	switch e.Type {
	case EventFinal, EventCancelled, EventFailed:
		return true
	}
	return false
}

// Turn is an accepted turn. Events carries the stream; it ends with
// exactly one terminal event and is then closed. Callers must drain
// it until close.
type Turn struct {
	ThreadID    string
	UserOrdinal int64
	Events      <-chan *Event
}

// Config tunes the orchestrator.
type Config struct {
	// MaxRetries is how many times a transient invoker failure is
	// retried within one turn; zero disables retries. The user message
	// is persisted once, never re-appended.
	MaxRetries int
	// CancelGracePeriod is how long a cancelled turn may take to
	// acknowledge before it is force-failed.
	CancelGracePeriod time.Duration
}

const (
	defaultCancelGracePeriod = 5 * time.Second

	// turnEventBuffer sizes the per-turn event channel. Partial
	// events are dropped for slow consumers; terminal events are not.
	turnEventBuffer = 64

	// persistTimeout bounds terminal writes, which run on a detached
	// context so markers land even when the caller is gone.
	persistTimeout = 5 * time.Second
)

// Orchestrator coordinates one turn at a time per thread: it persists
// the user message, invokes the agent, streams events, and commits
// exactly one terminal record (assistant reply or marker).
type Orchestrator struct {
	store       store.Store
	registry    *registry.Registry
	invoker     invoker.Invoker
	broadcaster *Broadcaster
	config      Config
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[string]*inflightTurn
}

type inflightTurn struct {
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func (t *inflightTurn) cancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

// New creates an orchestrator. MaxRetries is taken as given (zero
// means no retries); a zero grace period gets the default.
func New(s store.Store, r *registry.Registry, inv invoker.Invoker, b *Broadcaster, config Config, logger *slog.Logger) *Orchestrator {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.CancelGracePeriod <= 0 {
		config.CancelGracePeriod = defaultCancelGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       s,
		registry:    r,
		invoker:     inv,
		broadcaster: b,
		config:      config,
		logger:      logger.With("component", "orchestrator"),
		inflight:    make(map[string]*inflightTurn),
	}
}

// SubmitTurn accepts a user message for a thread and starts a turn.
// An empty threadID creates a new thread. Returns
// registry.ErrThreadBusy without persisting anything when the thread
// already has a turn in flight.
//
// ctx governs acceptance and, once accepted, acts as the caller's
// cancellation signal: if it ends before the turn does, the turn is
// cancelled but its terminal marker still commits.
func (o *Orchestrator) SubmitTurn(ctx context.Context, threadID, content string) (*Turn, error) {
	thread, err := o.registry.GetOrCreate(ctx, threadID)
	if err != nil {
		return nil, err
	}

	release, err := o.registry.Acquire(thread.ID)
	if err != nil {
		return nil, err
	}

	userMsg := &store.Message{
		ThreadID:  thread.ID,
		Role:      store.RoleUser,
		Content:   content,
		Status:    store.MessageStatusOK,
		CreatedAt: time.Now().UTC(),
	}
	userMsg.Ordinal, err = o.store.NextOrdinal(ctx, thread.ID)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to compute next ordinal: %w", err)
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		release()
		if errors.Is(err, store.ErrOrdinalConflict) {
			return nil, ErrInternalInconsistency
		}
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	o.broadcaster.Publish(userMsg)

	inflight := &inflightTurn{cancelCh: make(chan struct{})}
	o.mu.Lock()
	o.inflight[thread.ID] = inflight
	o.mu.Unlock()

	events := make(chan *Event, turnEventBuffer)
	done := make(chan struct{})

	// Map caller disconnect to cancellation; the turn itself runs on
	// a detached context so terminal writes always land.
	go func() {
		select {
		case <-ctx.Done():
			inflight.cancel()
		case <-done:
		}
	}()

	go func() {
		defer close(done)
		defer close(events)
		defer release()
		defer func() {
			o.mu.Lock()
			delete(o.inflight, thread.ID)
			o.mu.Unlock()
		}()
		o.run(thread.ID, userMsg.Ordinal, inflight.cancelCh, events)
	}()

	return &Turn{
		ThreadID:    thread.ID,
		UserOrdinal: userMsg.Ordinal,
		Events:      events,
	}, nil
}

// Cancel signals the in-flight turn on a thread, if any. Returns
// whether a turn was signalled. Idempotent.
func (o *Orchestrator) Cancel(threadID string) bool {
	o.mu.Lock()
	inflight, ok := o.inflight[threadID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	inflight.cancel()
	return true
}

// run drives one turn to a terminal state. It owns the thread's turn
// lock for its whole lifetime and always emits exactly one terminal
// event before returning.
func (o *Orchestrator) run(threadID string, userOrdinal int64, cancelCh <-chan struct{}, events chan<- *Event) {
	logger := o.logger.With("thread_id", threadID, "user_ordinal", userOrdinal)

	readCtx, cancelRead := context.WithTimeout(context.Background(), persistTimeout)
	history, err := o.store.ReadMessages(readCtx, threadID, 0)
	cancelRead()
	if err != nil {
		o.finishFailed(threadID, events, logger,
			fmt.Errorf("failed to read history: %w", err))
		return
	}

	for attempt := 0; ; attempt++ {
		outcome := o.attempt(threadID, history, cancelCh, events, logger)
		switch {
		case outcome.terminal:
			return
		case attempt < o.config.MaxRetries:
			logger.Warn("retrying turn after transient failure",
				"attempt", attempt+1, "error", outcome.err)
		default:
			o.finishFailed(threadID, events, logger,
				fmt.Errorf("retries exhausted: %w", outcome.err))
			return
		}
	}
}

// attemptResult reports how one invocation attempt ended. terminal
// means the turn is over (a terminal event was emitted); otherwise
// err is the transient failure to retry.
type attemptResult struct {
	terminal bool
	err      error
}

// attempt runs one agent invocation. Tool events are buffered in
// memory and persisted only on success, so a retried attempt leaves
// no partial rows behind.
func (o *Orchestrator) attempt(threadID string, history []*store.Message, cancelCh <-chan struct{}, events chan<- *Event, logger *slog.Logger) attemptResult {
	// Cancellation may have arrived between attempts.
	select {
	case <-cancelCh:
		o.finishCancelled(threadID, events, logger)
		return attemptResult{terminal: true}
	default:
	}

	invokeCtx, invokeCancel := context.WithCancel(context.Background())
	defer invokeCancel()

	stream, err := o.invoker.Invoke(invokeCtx, history)
	if err != nil {
		if errors.Is(err, invoker.ErrTransient) {
			return attemptResult{err: err}
		}
		o.finishFailed(threadID, events, logger, err)
		return attemptResult{terminal: true}
	}

	var toolResults []*invoker.ToolResult
	var graceTimer *time.Timer
	var graceCh <-chan time.Time
	cancelRequested := false

	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	for {
		select {
		case <-cancelCh:
			// Stop listening for further cancel signals; propagate
			// and give the invoker a bounded window to acknowledge.
			cancelCh = nil
			cancelRequested = true
			invokeCancel()
			graceTimer = time.NewTimer(o.config.CancelGracePeriod)
			graceCh = graceTimer.C
			logger.Info("cancellation requested",
				"grace_period", o.config.CancelGracePeriod)

		case <-graceCh:
			logger.Warn("cancellation unacknowledged, force-failing turn")
			go drain(stream)
			o.finishFailed(threadID, events, logger,
				errors.New("turn cancelled but agent did not stop within grace period"))
			return attemptResult{terminal: true}

		case event, ok := <-stream:
			if !ok {
				// Stream closed without a terminal event; treat as a
				// transient protocol violation.
				if cancelRequested {
					o.finishCancelled(threadID, events, logger)
					return attemptResult{terminal: true}
				}
				return attemptResult{err: fmt.Errorf(
					"%w: event stream closed without terminal event", invoker.ErrTransient)}
			}

			switch event.Type {
			case invoker.EventToken:
				o.emit(events, &Event{Type: EventPartial, Token: event.Token}, logger)

			case invoker.EventToolCall:
				o.emit(events, &Event{Type: EventToolCall, ToolCall: event.ToolCall}, logger)

			case invoker.EventToolResult:
				toolResults = append(toolResults, event.ToolResult)
				o.emit(events, &Event{Type: EventToolResult, ToolResult: event.ToolResult}, logger)

			case invoker.EventFinal:
				if cancelRequested {
					// The reply completed before the agent saw the
					// cancel; the turn is still cancelled.
					o.finishCancelled(threadID, events, logger)
					return attemptResult{terminal: true}
				}
				o.finishCompleted(threadID, events, logger, toolResults, event.Content)
				return attemptResult{terminal: true}

			case invoker.EventCancelled:
				o.finishCancelled(threadID, events, logger)
				return attemptResult{terminal: true}

			case invoker.EventError:
				if cancelRequested {
					o.finishCancelled(threadID, events, logger)
					return attemptResult{terminal: true}
				}
				if errors.Is(event.Err, invoker.ErrTransient) {
					return attemptResult{err: event.Err}
				}
				o.finishFailed(threadID, events, logger, event.Err)
				return attemptResult{terminal: true}
			}
		}
	}
}

// finishCompleted persists buffered tool messages followed by the
// assistant reply, then emits the final event.
func (o *Orchestrator) finishCompleted(threadID string, events chan<- *Event, logger *slog.Logger, toolResults []*invoker.ToolResult, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	ordinal, err := o.store.NextOrdinal(ctx, threadID)
	if err != nil {
		o.finishFailed(threadID, events, logger,
			fmt.Errorf("failed to compute next ordinal: %w", err))
		return
	}

	for _, result := range toolResults {
		toolMsg := &store.Message{
			ThreadID:   threadID,
			Ordinal:    ordinal,
			Role:       store.RoleTool,
			Content:    result.Output,
			Status:     store.MessageStatusOK,
			ToolName:   result.Name,
			ToolCallID: result.ID,
			CreatedAt:  time.Now().UTC(),
		}
		if err := o.persist(ctx, toolMsg, logger); err != nil {
			o.finishFailed(threadID, events, logger, err)
			return
		}
		ordinal++
	}

	assistantMsg := &store.Message{
		ThreadID:  threadID,
		Ordinal:   ordinal,
		Role:      store.RoleAssistant,
		Content:   content,
		Status:    store.MessageStatusOK,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.persist(ctx, assistantMsg, logger); err != nil {
		o.finishFailed(threadID, events, logger, err)
		return
	}

	logger.Info("turn completed",
		"assistant_ordinal", assistantMsg.Ordinal, "tool_messages", len(toolResults))
	o.emitTerminal(events, &Event{Type: EventFinal, Message: assistantMsg})
}

// finishCancelled commits a cancellation marker and emits the
// terminal cancelled event.
func (o *Orchestrator) finishCancelled(threadID string, events chan<- *Event, logger *slog.Logger) {
	marker := o.writeMarker(threadID, store.MessageStatusCancelled, "", logger)
	logger.Info("turn cancelled")
	o.emitTerminal(events, &Event{Type: EventCancelled, Message: marker})
}

// finishFailed commits a failure marker carrying the error text and
// emits the terminal failed event.
func (o *Orchestrator) finishFailed(threadID string, events chan<- *Event, logger *slog.Logger, cause error) {
	marker := o.writeMarker(threadID, store.MessageStatusFailed, cause.Error(), logger)
	logger.Error("turn failed", "error", cause)
	o.emitTerminal(events, &Event{Type: EventFailed, Message: marker, Err: cause})
}

// writeMarker appends an assistant-role marker message on a detached
// context. A marker that cannot be written is logged and the terminal
// event still goes out; the thread's history then ends at the user
// message, which a later turn can follow normally.
func (o *Orchestrator) writeMarker(threadID, status, content string, logger *slog.Logger) *store.Message {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	marker := &store.Message{
		ThreadID:  threadID,
		Role:      store.RoleAssistant,
		Content:   content,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	ordinal, err := o.store.NextOrdinal(ctx, threadID)
	if err != nil {
		logger.Error("failed to compute marker ordinal", "error", err)
		return nil
	}
	marker.Ordinal = ordinal
	if err := o.persist(ctx, marker, logger); err != nil {
		logger.Error("failed to write terminal marker", "status", status, "error", err)
		return nil
	}
	return marker
}

func (o *Orchestrator) persist(ctx context.Context, msg *store.Message, logger *slog.Logger) error {
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrOrdinalConflict) {
			return ErrInternalInconsistency
		}
		return fmt.Errorf("failed to persist message: %w", err)
	}
	o.broadcaster.Publish(msg)
	return nil
}

// emit sends a non-terminal event without blocking; slow consumers
// lose partials but never terminals.
func (o *Orchestrator) emit(events chan<- *Event, event *Event, logger *slog.Logger) {
	select {
	case events <- event:
	default:
		logger.Debug("dropped turn event for slow consumer", "type", event.Type)
	}
}

// emitTerminal blocks until the terminal event is consumed. Turn
// consumers drain the channel until close, so this is bounded.
func (o *Orchestrator) emitTerminal(events chan<- *Event, event *Event) {
	events <- event
}

func drain(stream <-chan *invoker.Event) {
	for range stream {
	}
}
