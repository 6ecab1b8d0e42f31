// ABOUTME: Tests for the HTTP/SSE invoker against httptest runtimes
// ABOUTME: Covers streaming, tool events, error classification, and cancellation

package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwork/threadline/internal/store"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
}

func collect(t *testing.T, events <-chan *Event) []*Event {
	t.Helper()
	var out []*Event
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func history(content string) []*store.Message {
	return []*store.Message{{
		ThreadID: "t1", Ordinal: 0, Role: store.RoleUser,
		Content: content, CreatedAt: time.Now(),
	}}
}

func TestInvoke_TokenStream(t *testing.T) {
	server := sseServer(t, []string{
		`{"type":"token","token":"Hello"}`,
		`{"type":"token","token":", world"}`,
		`[DONE]`,
	})
	defer server.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{Endpoint: server.URL}, nil)
	events, err := inv.Invoke(context.Background(), history("hi"))
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, EventToken, got[0].Type)
	assert.Equal(t, "Hello", got[0].Token)
	assert.Equal(t, EventToken, got[1].Type)
	assert.Equal(t, EventFinal, got[2].Type)
	assert.Equal(t, "Hello, world", got[2].Content)
}

func TestInvoke_ToolEvents(t *testing.T) {
	server := sseServer(t, []string{
		`{"type":"tool_start","run_id":"call-1","name":"read_file","input":"{\"path\": \"/tmp/x\"}"}`,
		`{"type":"tool_end","run_id":"call-1","output":"contents"}`,
		`{"type":"token","token":"done"}`,
		`[DONE]`,
	})
	defer server.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{Endpoint: server.URL}, nil)
	events, err := inv.Invoke(context.Background(), history("read it"))
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 4)

	require.Equal(t, EventToolCall, got[0].Type)
	assert.Equal(t, "call-1", got[0].ToolCall.ID)
	assert.Equal(t, "read_file", got[0].ToolCall.Name)
	assert.JSONEq(t, `{"path":"/tmp/x"}`, got[0].ToolCall.InputJSON)

	// tool_end carries no name; it is recovered from the tool_start.
	require.Equal(t, EventToolResult, got[1].Type)
	assert.Equal(t, "call-1", got[1].ToolResult.ID)
	assert.Equal(t, "read_file", got[1].ToolResult.Name)
	assert.Equal(t, "contents", got[1].ToolResult.Output)
	assert.False(t, got[1].ToolResult.IsError)
}

// TestInvoke_RuntimeDialectFixture feeds the invoker verbatim lines
// as the agent runtime emits them and checks every field survives the
// decode: token text, run_id as the tool call ID, and the tool name.
func TestInvoke_RuntimeDialectFixture(t *testing.T) {
	server := sseServer(t, []string{
		`{"type": "token", "token": "Hello"}`,
		`{"type": "tool_start", "run_id": "r1", "name": "timescale", "input": "{\"query\": \"select 1\"}"}`,
		`{"type": "plotly", "run_id": "r1", "path": "/plots/abc.json"}`,
		`{"type": "tool_end", "run_id": "r1", "output": "[(1,)]"}`,
		`{"type": "token", "token": " world"}`,
		`[DONE]`,
	})
	defer server.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{Endpoint: server.URL}, nil)
	events, err := inv.Invoke(context.Background(), history("hi"))
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 5) // plotly is not a turn event

	assert.Equal(t, "Hello", got[0].Token)

	require.Equal(t, EventToolCall, got[1].Type)
	assert.Equal(t, "r1", got[1].ToolCall.ID)
	assert.Equal(t, "timescale", got[1].ToolCall.Name)
	assert.JSONEq(t, `{"query":"select 1"}`, got[1].ToolCall.InputJSON)

	require.Equal(t, EventToolResult, got[2].Type)
	assert.Equal(t, "r1", got[2].ToolResult.ID)
	assert.Equal(t, "timescale", got[2].ToolResult.Name)
	assert.Equal(t, "[(1,)]", got[2].ToolResult.Output)

	require.Equal(t, EventFinal, got[4].Type)
	assert.Equal(t, "Hello world", got[4].Content)
}

func TestInvoke_SkipsUnknownAndMalformedEvents(t *testing.T) {
	server := sseServer(t, []string{
		`{"type":"heartbeat"}`,
		`not json at all`,
		`{"type":"token","token":"ok"}`,
		`[DONE]`,
	})
	defer server.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{Endpoint: server.URL}, nil)
	events, err := inv.Invoke(context.Background(), history("hi"))
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventToken, got[0].Type)
	assert.Equal(t, EventFinal, got[1].Type)
}

func TestInvoke_FiltersMarkerMessages(t *testing.T) {
	var received struct {
		Messages []wireMessage `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	msgs := []*store.Message{
		{ThreadID: "t1", Ordinal: 0, Role: store.RoleUser, Content: "first"},
		{ThreadID: "t1", Ordinal: 1, Role: store.RoleAssistant, Status: store.MessageStatusCancelled},
		{ThreadID: "t1", Ordinal: 2, Role: store.RoleUser, Content: "again"},
	}

	inv := NewHTTPInvoker(HTTPInvokerConfig{Endpoint: server.URL}, nil)
	events, err := inv.Invoke(context.Background(), msgs)
	require.NoError(t, err)
	collect(t, events)

	require.Len(t, received.Messages, 2)
	assert.Equal(t, "first", received.Messages[0].Content)
	assert.Equal(t, "again", received.Messages[1].Content)
}

func TestInvoke_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{Endpoint: server.URL}, nil)
	_, err := inv.Invoke(context.Background(), history("hi"))
	assert.ErrorIs(t, err, ErrTransient)
}

func TestInvoke_ClientErrorIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{Endpoint: server.URL}, nil)
	_, err := inv.Invoke(context.Background(), history("hi"))
	assert.ErrorIs(t, err, ErrFatal)
}

func TestInvoke_ConnectionRefusedIsTransient(t *testing.T) {
	inv := NewHTTPInvoker(HTTPInvokerConfig{Endpoint: "http://127.0.0.1:1"}, nil)
	_, err := inv.Invoke(context.Background(), history("hi"))
	assert.ErrorIs(t, err, ErrTransient)
}

func TestInvoke_TruncatedStreamIsTransient(t *testing.T) {
	server := sseServer(t, []string{
		`{"type":"token","token":"partial"}`,
		// no [DONE]: server hangs up mid-turn
	})
	defer server.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{Endpoint: server.URL}, nil)
	events, err := inv.Invoke(context.Background(), history("hi"))
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, EventError, last.Type)
	assert.ErrorIs(t, last.Err, ErrTransient)
}

func TestInvoke_CancellationEndsStreamWithCancelled(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"token\",\"token\":\"start\"}\n\n")
		flusher.Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inv := NewHTTPInvoker(HTTPInvokerConfig{Endpoint: server.URL}, nil)
	events, err := inv.Invoke(ctx, history("hi"))
	require.NoError(t, err)

	<-started
	cancel()

	got := collect(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, EventCancelled, got[len(got)-1].Type)
}
