package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/provider/sseutil"
)

// streamState tracks the state machine for Anthropic SSE streaming.
type streamState struct {
	id           string
	model        string
	inputTokens  int
	outputTokens int
	stopReason   string
}

// readStream reads Anthropic SSE events and emits canonical StreamEvents.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamEvent) {
	defer close(ch)
	defer body.Close()

	var state streamState
	rd := sseutil.NewReader(body)

	var currentEvent string
	for {
		f, ok := rd.Next()
		if !ok {
			break
		}
		if f.Event != "" {
			currentEvent = f.Event
			continue
		}
		if f.Data == "" {
			continue
		}

		for _, ev := range state.handleEvent(currentEvent, f.Data) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				ch <- gateway.StreamEvent{Kind: gateway.EventError, Err: ctx.Err()}
				return
			}
		}
		currentEvent = ""
	}
	if err := rd.Err(); err != nil {
		ch <- gateway.StreamEvent{Kind: gateway.EventError, Err: fmt.Errorf("anthropic: read stream: %w", err)}
	}
}

// handleEvent processes a single Anthropic event and returns zero or more
// canonical StreamEvents.
func (s *streamState) handleEvent(event, data string) []gateway.StreamEvent {
	switch event {
	case "message_start":
		return s.onMessageStart(data)
	case "content_block_delta":
		return s.onContentBlockDelta(data)
	case "message_delta":
		return s.onMessageDelta(data)
	case "message_stop":
		return s.onMessageStop()
	case "ping", "content_block_start", "content_block_stop":
		return nil
	default:
		return nil
	}
}

func (s *streamState) onMessageStart(data string) []gateway.StreamEvent {
	r := gjson.Parse(data)
	s.id = r.Get("message.id").String()
	s.model = r.Get("message.model").String()
	s.inputTokens = int(r.Get("message.usage.input_tokens").Int())

	// Emit initial role chunk.
	return []gateway.StreamEvent{
		sseutil.DeltaEvent(s.id, s.model, map[string]any{"role": "assistant"}, ""),
	}
}

func (s *streamState) onContentBlockDelta(data string) []gateway.StreamEvent {
	r := gjson.Parse(data)

	switch r.Get("delta.type").String() {
	case "text_delta":
		text := r.Get("delta.text").String()
		return []gateway.StreamEvent{
			sseutil.DeltaEvent(s.id, s.model, map[string]any{"content": text}, ""),
		}
	case "input_json_delta":
		idx := int(r.Get("index").Int())
		partial := r.Get("delta.partial_json").String()
		return []gateway.StreamEvent{
			sseutil.ToolCallEvent(s.id, s.model, idx, partial),
		}
	}
	return nil
}

func (s *streamState) onMessageDelta(data string) []gateway.StreamEvent {
	r := gjson.Parse(data)
	s.outputTokens = int(r.Get("usage.output_tokens").Int())
	s.stopReason = r.Get("delta.stop_reason").String()
	return nil
}

func (s *streamState) onMessageStop() []gateway.StreamEvent {
	usage := &gateway.Usage{
		PromptTokens:     s.inputTokens,
		CompletionTokens: s.outputTokens,
		TotalTokens:      s.inputTokens + s.outputTokens,
	}
	return []gateway.StreamEvent{
		sseutil.FinishEvent(s.id, s.model, mapStopReason(s.stopReason)),
		sseutil.UsageEvent(s.id, s.model, usage),
		{Kind: gateway.EventDone},
	}
}
