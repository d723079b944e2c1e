package sseutil

import (
	"encoding/json"

	gateway "github.com/palisade-ai/palisade/internal"
)

// Chunk builders used by adapters that translate foreign wire formats
// (Anthropic events, Gemini candidates) into OpenAI-format stream chunks.

// DeltaEvent builds a delta StreamEvent carrying an OpenAI-format chunk.
func DeltaEvent(id, model string, delta map[string]any, finishReason string) gateway.StreamEvent {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return gateway.StreamEvent{Kind: gateway.EventDelta, Data: b}
}

// ToolCallEvent builds a tool-call delta StreamEvent.
func ToolCallEvent(id, model string, index int, argumentsDelta string) gateway.StreamEvent {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index": 0,
			"delta": map[string]any{
				"tool_calls": []map[string]any{{
					"index": index,
					"function": map[string]any{
						"arguments": argumentsDelta,
					},
				}},
			},
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return gateway.StreamEvent{Kind: gateway.EventToolCall, Data: b}
}

// FinishEvent builds a delta StreamEvent with finish_reason set.
func FinishEvent(id, model, finishReason string) gateway.StreamEvent {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return gateway.StreamEvent{Kind: gateway.EventDelta, Data: b}
}

// UsageEvent builds a usage StreamEvent carrying final token counts.
func UsageEvent(id, model string, usage *gateway.Usage) gateway.StreamEvent {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	b, _ := json.Marshal(chunk)
	return gateway.StreamEvent{Kind: gateway.EventUsage, Data: b, Usage: usage}
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
