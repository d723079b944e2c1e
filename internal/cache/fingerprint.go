package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"

	gateway "github.com/palisade-ai/palisade/internal"
)

// DefaultTemperatureCeiling is the highest temperature at which a chat
// request is still considered deterministic enough to cache.
const DefaultTemperatureCeiling = 0.3

// Cacheable reports whether a chat request may hit or populate the cache.
// Streaming, multi-choice, and sensitive requests never do; everything else
// qualifies when it carries a seed or a temperature at or below the ceiling.
func Cacheable(req *gateway.ChatRequest, sensitive bool, tempCeiling float64) bool {
	if req.Stream || sensitive {
		return false
	}
	if req.N > 1 {
		return false
	}
	if req.Seed != nil {
		return true
	}
	if req.Temperature != nil && *req.Temperature <= tempCeiling {
		return true
	}
	// Default temperature (nil) is usually 1.0, not cacheable.
	return false
}

// Fingerprint produces a deterministic SHA-256 hash for a ChatRequest,
// scoped to the tenant key to prevent cross-tenant response leakage.
// Normalization: model lower-cased, message whitespace collapsed, floats
// rounded, map keys sorted. Non-deterministic fields (user tag, stream
// options) are excluded.
func Fingerprint(tenantKeyID string, req *gateway.ChatRequest) string {
	m := map[string]any{
		"key_id":   tenantKeyID,
		"model":    strings.ToLower(req.Model),
		"messages": normalizeMessages(req.Messages),
	}
	if req.Temperature != nil {
		m["temperature"] = roundFloat(*req.Temperature)
	}
	if req.TopP != nil {
		m["top_p"] = roundFloat(*req.TopP)
	}
	if req.MaxTokens != nil {
		m["max_tokens"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		m["stop"] = json.RawMessage(req.Stop)
	}
	if req.PresencePenalty != nil {
		m["presence_penalty"] = roundFloat(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		m["frequency_penalty"] = roundFloat(*req.FrequencyPenalty)
	}
	if req.Seed != nil {
		m["seed"] = *req.Seed
	}
	if len(req.Tools) > 0 {
		m["tools"] = json.RawMessage(req.Tools)
	}
	if len(req.ToolChoice) > 0 {
		m["tool_choice"] = json.RawMessage(req.ToolChoice)
	}
	if len(req.ResponseFormat) > 0 {
		m["response_format"] = json.RawMessage(req.ResponseFormat)
	}

	data := stableJSON(m)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// stableMessage is a struct-based representation of a chat message for
// fingerprint computation. Struct fields marshal in declaration order,
// avoiding non-deterministic map iteration.
type stableMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

func normalizeMessages(msgs []gateway.Message) []stableMessage {
	out := make([]stableMessage, len(msgs))
	for i, m := range msgs {
		out[i] = stableMessage{
			Role:       m.Role,
			Content:    normalizeContent(m.Content),
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}

// normalizeContent collapses runs of whitespace inside plain-string message
// content so cosmetic reformatting still hits the same entry. Structured
// content (multimodal arrays) is hashed verbatim.
func normalizeContent(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	collapsed := strings.Join(strings.Fields(s), " ")
	if collapsed == s {
		return raw
	}
	out, _ := json.Marshal(collapsed)
	return out
}

func stableJSON(m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].Key = k
		ordered[i].Value = m[k]
	}

	data, _ := json.Marshal(ordered)
	return data
}

func roundFloat(f float64) float64 {
	return math.Round(f*10000) / 10000
}
