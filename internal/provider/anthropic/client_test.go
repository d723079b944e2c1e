package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/palisade-ai/palisade/internal"
)

func TestTranslateRequest(t *testing.T) {
	t.Parallel()
	temp := 0.2
	maxTok := 512
	req := &gateway.ChatRequest{
		Model:       "claude-sonnet-4-6",
		Temperature: &temp,
		MaxTokens:   &maxTok,
		Messages: []gateway.Message{
			{Role: "system", Content: []byte(`"be terse"`)},
			{Role: "user", Content: []byte(`"hi"`)},
			{Role: "tool", ToolCallID: "tc1", Content: []byte(`"42"`)},
		},
	}

	out, err := translateRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if out.MaxTokens != 512 {
		t.Errorf("max_tokens = %d, want 512", out.MaxTokens)
	}
	if string(out.System) != `"be terse"` {
		t.Errorf("system = %s", out.System)
	}
	// System is pulled out, tool result folds into a user message.
	if len(out.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(out.Messages))
	}
	if out.Messages[1].Role != "user" {
		t.Errorf("tool result role = %s, want user", out.Messages[1].Role)
	}
}

func TestTranslateRequest_DefaultMaxTokens(t *testing.T) {
	t.Parallel()
	out, err := translateRequest(&gateway.ChatRequest{Model: "claude-sonnet-4-6"})
	if err != nil {
		t.Fatal(err)
	}
	if out.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want default 4096", out.MaxTokens)
	}
}

func TestTranslateResponse(t *testing.T) {
	t.Parallel()
	data := []byte(`{
		"id": "msg_1",
		"model": "claude-sonnet-4-6",
		"stop_reason": "end_turn",
		"content": [{"type":"text","text":"hello"}],
		"usage": {"input_tokens": 12, "output_tokens": 3}
	}`)

	resp, err := translateResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "msg_1" {
		t.Errorf("id = %s", resp.ID)
	}
	if got := resp.Choices[0].FinishReason; got != "stop" {
		t.Errorf("finish_reason = %s, want stop", got)
	}
	var content string
	if err := json.Unmarshal(resp.Choices[0].Message.Content, &content); err != nil || content != "hello" {
		t.Errorf("content = %q, want hello", content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestTranslateResponse_ToolUse(t *testing.T) {
	t.Parallel()
	data := []byte(`{
		"id": "msg_2",
		"model": "claude-sonnet-4-6",
		"stop_reason": "tool_use",
		"content": [{"type":"tool_use","id":"tu1","name":"get_weather","input":{"city":"Oslo"}}]
	}`)

	resp, err := translateResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Choices[0].FinishReason; got != "tool_calls" {
		t.Errorf("finish_reason = %s, want tool_calls", got)
	}
	if len(resp.Choices[0].Message.ToolCalls) == 0 {
		t.Fatal("tool calls missing")
	}
}

func TestClient_ChatCompletion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s, want /messages", r.URL.Path)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %s", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req anthropicRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		if req.Stream {
			t.Error("stream should be false")
		}
		w.Write([]byte(`{"id":"msg_1","model":"claude-sonnet-4-6","stop_reason":"end_turn","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	c := New("anthropic-test", srv.URL, nil)
	resp, err := c.ChatCompletion(context.Background(), &gateway.ChatRequest{
		Model:    "claude-sonnet-4-6",
		Messages: []gateway.Message{{Role: "user", Content: []byte(`"hi"`)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "msg_1" {
		t.Errorf("id = %s", resp.ID)
	}
}

func TestClient_ChatStream(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-6","usage":{"input_tokens":9}}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}

event: message_stop
data: {"type":"message_stop"}

`))
	}))
	defer srv.Close()

	c := New("anthropic-test", srv.URL, nil)
	ch, err := c.ChatStream(context.Background(), &gateway.ChatRequest{
		Model:    "claude-sonnet-4-6",
		Messages: []gateway.Message{{Role: "user", Content: []byte(`"hi"`)}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var events []gateway.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	// role delta, text delta, finish, usage, done.
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	if events[len(events)-1].Kind != gateway.EventDone {
		t.Error("stream should end with done")
	}
	usageEv := events[3]
	if usageEv.Kind != gateway.EventUsage || usageEv.Usage == nil || usageEv.Usage.TotalTokens != 13 {
		t.Errorf("usage event = %+v", usageEv)
	}
}

func TestClient_UpstreamError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error"}}`))
	}))
	defer srv.Close()

	c := New("anthropic-test", srv.URL, nil)
	_, err := c.ChatCompletion(context.Background(), &gateway.ChatRequest{Model: "claude-sonnet-4-6"})

	var ae *gateway.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("want APIError, got %T", err)
	}
	if ae.Code != gateway.CodeUpstreamUnavailable {
		t.Errorf("code = %s, want upstream.unavailable", ae.Code)
	}
}

func TestClient_UnsupportedOperations(t *testing.T) {
	t.Parallel()
	c := New("anthropic-test", "", nil)

	if c.Capabilities().Has(gateway.CapEmbed) {
		t.Error("anthropic should not advertise embeddings")
	}
	if _, err := c.Embed(context.Background(), &gateway.EmbeddingRequest{}); !errors.Is(err, gateway.ErrNotSupported) {
		t.Errorf("embed err = %v, want ErrNotSupported", err)
	}
	if _, err := c.ImageGenerate(context.Background(), &gateway.ImageRequest{}); !errors.Is(err, gateway.ErrNotSupported) {
		t.Errorf("image err = %v, want ErrNotSupported", err)
	}
}

func TestClient_VertexURLs(t *testing.T) {
	t.Parallel()
	c := NewWithHosting("anthropic-vertex", "https://us-east5-aiplatform.googleapis.com", nil,
		"vertex", "us-east5", "my-project")

	u := c.messagesURL("claude-sonnet-4-6")
	want := "https://us-east5-aiplatform.googleapis.com/v1/projects/my-project/locations/us-east5/publishers/anthropic/models/claude-sonnet-4-6:rawPredict"
	if u != want {
		t.Errorf("url = %s\nwant %s", u, want)
	}
}

func TestClient_BedrockURLs(t *testing.T) {
	t.Parallel()
	c := NewWithHosting("anthropic-bedrock", "https://bedrock-runtime.us-east-1.amazonaws.com", nil,
		"bedrock", "us-east-1", "")

	if got := c.messagesURL("claude-m"); got != "https://bedrock-runtime.us-east-1.amazonaws.com/model/claude-m/invoke" {
		t.Errorf("invoke url = %s", got)
	}
	if got := c.streamingURL("claude-m"); got != "https://bedrock-runtime.us-east-1.amazonaws.com/model/claude-m/invoke-with-response-stream" {
		t.Errorf("stream url = %s", got)
	}
}
