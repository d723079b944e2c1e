package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/palisade-ai/palisade/internal"
)

// ReadSSEStream reads OpenAI-format SSE lines from resp and sends them as
// StreamEvents on ch. The "[DONE]" sentinel becomes EventDone and a chunk
// carrying usage becomes EventUsage; tool-call deltas are tagged so the
// dispatcher can account them separately. The channel is closed when done.
func ReadSSEStream(ctx context.Context, family string, resp *http.Response, ch chan<- gateway.StreamEvent) {
	defer close(ch)
	defer resp.Body.Close()

	rd := NewReader(resp.Body)
	for {
		f, ok := rd.Next()
		if !ok {
			break
		}
		if f.Data == "" {
			continue
		}
		if f.Data == "[DONE]" {
			ch <- gateway.StreamEvent{Kind: gateway.EventDone}
			return
		}

		ev := classifyChunk([]byte(f.Data))
		select {
		case ch <- ev:
		case <-ctx.Done():
			ch <- gateway.StreamEvent{Kind: gateway.EventError, Err: ctx.Err()}
			return
		}
	}
	if err := rd.Err(); err != nil {
		ch <- gateway.StreamEvent{Kind: gateway.EventError, Err: fmt.Errorf("%s: read stream: %w", family, err)}
	}
}

// classifyChunk tags a raw OpenAI-format chunk with its event kind. The raw
// payload is forwarded as-is; only the discriminating fields are inspected.
func classifyChunk(data []byte) gateway.StreamEvent {
	ev := gateway.StreamEvent{Kind: gateway.EventDelta, Data: data}

	if u := gjson.GetBytes(data, "usage"); u.Exists() && u.Type == gjson.JSON {
		var usage gateway.Usage
		if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
			ev.Usage = &usage
			// The usage-only final chunk has no choices.
			if !gjson.GetBytes(data, "choices.0").Exists() {
				ev.Kind = gateway.EventUsage
				return ev
			}
		}
	}
	if gjson.GetBytes(data, "choices.0.delta.tool_calls").Exists() {
		ev.Kind = gateway.EventToolCall
	}
	return ev
}
