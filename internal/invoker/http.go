// ABOUTME: HTTP/SSE invoker speaking the agent runtime's streaming protocol
// ABOUTME: Posts conversation history and parses the data-line event stream

package invoker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loopwork/threadline/internal/store"
)

// maxLineSize bounds a single SSE data line. Tool outputs can be
// large, so this is generous.
const maxLineSize = 1 << 20

// HTTPInvokerConfig configures the HTTP invoker.
type HTTPInvokerConfig struct {
	// Endpoint is the agent runtime's turn URL.
	Endpoint string
	// ConnectTimeout bounds dialing and request headers; the stream
	// itself is unbounded and governed by the caller's context.
	ConnectTimeout time.Duration
}

// HTTPInvoker invokes an agent runtime over HTTP, consuming its
// server-sent event stream.
type HTTPInvoker struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

var _ Invoker = (*HTTPInvoker)(nil)

// NewHTTPInvoker creates an invoker for the given runtime endpoint.
func NewHTTPInvoker(config HTTPInvokerConfig, logger *slog.Logger) *HTTPInvoker {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPInvoker{
		endpoint: config.Endpoint,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: config.ConnectTimeout,
			},
		},
		logger: logger.With("component", "invoker"),
	}
}

// wireMessage is the JSON shape the runtime expects per message.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wireEvent is one decoded SSE data payload. The runtime emits token
// chunks as {"type":"token","token":...} and keys tool events by
// run_id; tool_end omits the name, so it is recovered from the
// matching tool_start. Input arrives pre-serialized as a string.
type wireEvent struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Input   string `json:"input,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Invoke posts the conversation and streams decoded events. Setup
// failures (request building, connection, non-2xx status) are
// returned directly; failures mid-stream arrive as an EventError.
func (h *HTTPInvoker) Invoke(ctx context.Context, history []*store.Message) (<-chan *Event, error) {
	payload := struct {
		Messages []wireMessage `json:"messages"`
	}{Messages: make([]wireMessage, 0, len(history))}
	for _, msg := range history {
		// Marker messages carry no content worth replaying.
		if msg.Status == store.MessageStatusCancelled || msg.Status == store.MessageStatusFailed {
			continue
		}
		payload.Messages = append(payload.Messages, wireMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode request: %v", ErrFatal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request: %v", ErrFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to reach agent runtime: %v", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		class := ErrFatal
		if resp.StatusCode >= 500 {
			class = ErrTransient
		}
		return nil, fmt.Errorf("%w: agent runtime returned %d: %s",
			class, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	events := make(chan *Event, 16)
	go h.consume(ctx, resp.Body, events)
	return events, nil
}

// consume reads the SSE stream, translating data lines into events.
// It always sends a terminal event before closing the channel.
func (h *HTTPInvoker) consume(ctx context.Context, body io.ReadCloser, events chan<- *Event) {
	defer close(events)
	defer body.Close()

	var tokens strings.Builder
	toolNames := make(map[string]string)
	done := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			done = true
			break
		}

		var we wireEvent
		if err := json.Unmarshal([]byte(data), &we); err != nil {
			h.logger.Warn("skipping malformed stream event", "error", err)
			continue
		}

		event := h.translate(&we, &tokens, toolNames)
		if event == nil {
			continue
		}
		select {
		case events <- event:
		case <-ctx.Done():
			events <- &Event{Type: EventCancelled}
			return
		}
	}

	if ctx.Err() != nil {
		events <- &Event{Type: EventCancelled}
		return
	}
	if err := scanner.Err(); err != nil {
		events <- &Event{Type: EventError,
			Err: fmt.Errorf("%w: stream read failed: %v", ErrTransient, err)}
		return
	}
	if !done {
		events <- &Event{Type: EventError,
			Err: fmt.Errorf("%w: stream ended without terminator", ErrTransient)}
		return
	}

	events <- &Event{Type: EventFinal, Content: tokens.String()}
}

func (h *HTTPInvoker) translate(we *wireEvent, tokens *strings.Builder, toolNames map[string]string) *Event {
	switch we.Type {
	case "token":
		tokens.WriteString(we.Token)
		return &Event{Type: EventToken, Token: we.Token}
	case "tool_start":
		toolNames[we.RunID] = we.Name
		return &Event{Type: EventToolCall, ToolCall: &ToolCall{
			ID:        we.RunID,
			Name:      we.Name,
			InputJSON: we.Input,
		}}
	case "tool_end":
		name := we.Name
		if name == "" {
			name = toolNames[we.RunID]
		}
		return &Event{Type: EventToolResult, ToolResult: &ToolResult{
			ID:      we.RunID,
			Name:    name,
			Output:  we.Output,
			IsError: we.IsError,
		}}
	default:
		h.logger.Debug("ignoring unknown stream event type", "type", we.Type)
		return nil
	}
}
