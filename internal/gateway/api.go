// ABOUTME: HTTP API handlers: turn submission over SSE, cancel, history, watch
// ABOUTME: Terminal turn events are always delivered before the stream closes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loopwork/threadline/internal/registry"
	"github.com/loopwork/threadline/internal/session"
	"github.com/loopwork/threadline/internal/store"
)

// SubmitTurnRequest is the POST /api/turns body.
type SubmitTurnRequest struct {
	// ThreadID selects an existing thread; empty creates a new one.
	ThreadID string `json:"thread_id,omitempty"`
	Content  string `json:"content"`
}

// messageJSON is the wire shape of a persisted message.
type messageJSON struct {
	ThreadID   string `json:"thread_id"`
	Ordinal    int64  `json:"ordinal"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Status     string `json:"status"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func toMessageJSON(msg *store.Message) messageJSON {
	return messageJSON{
		ThreadID:   msg.ThreadID,
		Ordinal:    msg.Ordinal,
		Role:       msg.Role,
		Content:    msg.Content,
		Status:     msg.Status,
		ToolName:   msg.ToolName,
		ToolCallID: msg.ToolCallID,
		CreatedAt:  msg.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleSubmitTurn accepts a user message and streams the turn as SSE.
// The stream always ends with a terminal event: final, cancelled, or
// error. A thread with a turn already in flight gets 409 before
// anything is persisted.
func (g *Gateway) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req, err := parseSubmitTurnRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	turn, err := g.orchestrator.SubmitTurn(r.Context(), req.ThreadID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrThreadBusy):
			g.sendJSONError(w, http.StatusConflict, "thread busy: turn already in flight")
		case errors.Is(err, session.ErrInternalInconsistency):
			g.logger.Error("ordinal conflict under turn lock", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		default:
			g.logger.Error("failed to submit turn", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "started", map[string]any{
		"thread_id":    turn.ThreadID,
		"user_ordinal": turn.UserOrdinal,
	})
	flusher.Flush()

	g.streamTurn(w, flusher, r, turn)
}

// streamTurn relays turn events to the client. If the client
// disconnects mid-turn the turn is cancelled, and the channel is
// still drained so the orchestrator can settle.
func (g *Gateway) streamTurn(w http.ResponseWriter, flusher http.Flusher, r *http.Request, turn *session.Turn) {
	clientGone := false

	for {
		select {
		case <-r.Context().Done():
			if !clientGone {
				clientGone = true
				g.logger.Info("client disconnected mid-turn, cancelling",
					"thread_id", turn.ThreadID)
				g.orchestrator.Cancel(turn.ThreadID)
			}
			// Keep draining; the turn settles within the grace period.
			event, ok := <-turn.Events
			if !ok {
				return
			}
			_ = event

		case event, ok := <-turn.Events:
			if !ok {
				return
			}
			if clientGone {
				continue
			}
			g.writeSSEEvent(w, turnEventName(event), turnEventData(event))
			flusher.Flush()
		}
	}
}

// turnEventName maps a turn event to its SSE event name. Failed turns
// surface as "error" on the wire.
func turnEventName(event *session.Event) string {
	if event.Type == session.EventFailed {
		return "error"
	}
	return string(event.Type)
}

// turnEventData maps a turn event to its SSE payload.
func turnEventData(event *session.Event) any {
	switch event.Type {
	case session.EventPartial:
		return map[string]string{"token": event.Token}
	case session.EventToolCall:
		return map[string]any{
			"id":    event.ToolCall.ID,
			"name":  event.ToolCall.Name,
			"input": toolInputJSON(event.ToolCall.InputJSON),
		}
	case session.EventToolResult:
		return map[string]any{
			"id":       event.ToolResult.ID,
			"name":     event.ToolResult.Name,
			"output":   event.ToolResult.Output,
			"is_error": event.ToolResult.IsError,
		}
	case session.EventFinal:
		return map[string]any{
			"ordinal": event.Message.Ordinal,
			"content": event.Message.Content,
		}
	case session.EventCancelled:
		data := map[string]any{}
		if event.Message != nil {
			data["ordinal"] = event.Message.Ordinal
		}
		return data
	case session.EventFailed:
		data := map[string]any{"error": event.Err.Error()}
		if event.Message != nil {
			data["ordinal"] = event.Message.Ordinal
		}
		return data
	default:
		return map[string]string{}
	}
}

// toolInputJSON passes well-formed tool input through verbatim; the
// runtime sends bare strings for non-structured inputs, which are
// re-encoded as a JSON string.
func toolInputJSON(s string) any {
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

// handleListThreads returns recent threads, most recently active first.
func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	threads, err := g.store.ListThreads(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list threads", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	type threadJSON struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		CreatedAt    string `json:"created_at"`
		LastActivity string `json:"last_activity"`
	}
	out := make([]threadJSON, 0, len(threads))
	for _, thread := range threads {
		out = append(out, threadJSON{
			ID:           thread.ID,
			Status:       thread.Status,
			CreatedAt:    thread.CreatedAt.UTC().Format(time.RFC3339),
			LastActivity: thread.LastActivity.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"threads": out})
}

// handleThreadRoutes dispatches /api/threads/{id}/{action}.
func (g *Gateway) handleThreadRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/threads/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}
	threadID, action := parts[0], parts[1]

	switch {
	case action == "messages" && r.Method == http.MethodGet:
		g.handleThreadMessages(w, r, threadID)
	case action == "cancel" && r.Method == http.MethodPost:
		g.handleCancelTurn(w, r, threadID)
	case action == "events" && r.Method == http.MethodGet:
		g.handleThreadEvents(w, r, threadID)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleThreadMessages returns a thread's history from an optional
// starting ordinal.
func (g *Gateway) handleThreadMessages(w http.ResponseWriter, r *http.Request, threadID string) {
	if _, err := g.store.GetThread(r.Context(), threadID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "thread not found")
			return
		}
		g.logger.Error("failed to get thread", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var fromOrdinal int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		fromOrdinal = parsed
	}

	messages, err := g.store.ReadMessages(r.Context(), threadID, fromOrdinal)
	if err != nil {
		g.logger.Error("failed to read messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]messageJSON, 0, len(messages))
	for _, msg := range messages {
		out = append(out, toMessageJSON(msg))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"thread_id": threadID,
		"messages":  out,
	})
}

// handleCancelTurn signals the thread's in-flight turn. 202 when a
// turn was signalled, 404 when nothing is in flight.
func (g *Gateway) handleCancelTurn(w http.ResponseWriter, r *http.Request, threadID string) {
	if !g.orchestrator.Cancel(threadID) {
		g.sendJSONError(w, http.StatusNotFound, "no turn in flight for thread")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "cancelling"})
}

// handleThreadEvents streams a thread's persisted messages as SSE.
// Reconnecting clients pass ?from=N to backfill from the store before
// live messages; the gapless ordinals make the seam detectable.
func (g *Gateway) handleThreadEvents(w http.ResponseWriter, r *http.Request, threadID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if _, err := g.store.GetThread(r.Context(), threadID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "thread not found")
			return
		}
		g.logger.Error("failed to get thread", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var fromOrdinal int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		fromOrdinal = parsed
	}

	// Subscribe before the backfill read so no commit can fall
	// between the two; duplicates are filtered by ordinal below.
	live, _ := g.broadcaster.Subscribe(r.Context(), threadID)

	backfill, err := g.store.ReadMessages(r.Context(), threadID, fromOrdinal)
	if err != nil {
		g.logger.Error("failed to read messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	nextOrdinal := fromOrdinal
	for _, msg := range backfill {
		g.writeSSEEvent(w, "message", toMessageJSON(msg))
		nextOrdinal = msg.Ordinal + 1
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-live:
			if !ok {
				return
			}
			if msg.Ordinal < nextOrdinal {
				continue
			}
			g.writeSSEEvent(w, "message", toMessageJSON(msg))
			nextOrdinal = msg.Ordinal + 1
			flusher.Flush()
		}
	}
}

// parseSubmitTurnRequest parses and validates the turn submission body.
func parseSubmitTurnRequest(r io.Reader) (*SubmitTurnRequest, error) {
	var req SubmitTurnRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}
	return &req, nil
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
