package analyze

import (
	"encoding/json"
	"testing"

	gateway "github.com/palisade-ai/palisade/internal"
)

func chatReq(content string) *gateway.ChatRequest {
	c, _ := json.Marshal(content)
	return &gateway.ChatRequest{
		Model:    "auto",
		Messages: []gateway.Message{{Role: "user", Content: c}},
	}
}

func TestAnalyze_TaskClassification(t *testing.T) {
	t.Parallel()
	a := New(nil)

	cases := []struct {
		prompt string
		want   TaskKind
	}{
		{"Translate this to French: hello world", TaskTranslation},
		{"Summarize the following article in three key points", TaskSummarization},
		{"Please implement a binary search in Go ```go```", TaskCode},
		{"Compare the pros and cons of SQL vs NoSQL", TaskAnalysis},
		{"Write a story about a dragon who learns to code", TaskCreative},
		{"What is 2+2?", TaskShortAnswer},
	}
	for _, tc := range cases {
		if got := a.Analyze(chatReq(tc.prompt)).Task; got != tc.want {
			t.Errorf("prompt %q: got %s, want %s", tc.prompt, got, tc.want)
		}
	}
}

func TestAnalyze_PresetWins(t *testing.T) {
	t.Parallel()
	a := New(nil)

	req := chatReq("Translate this please")
	req.ParameterPreset = "coding"
	if got := a.Analyze(req).Task; got != TaskCode {
		t.Errorf("preset should override prompt shape, got %s", got)
	}
}

func TestAnalyze_LongGeneration(t *testing.T) {
	t.Parallel()
	a := New(nil)

	req := chatReq("hello")
	maxTok := 4096
	req.MaxTokens = &maxTok
	if got := a.Analyze(req).Task; got != TaskLongGeneration {
		t.Errorf("high max_tokens should classify as long-generation, got %s", got)
	}
}

func TestAnalyze_Sensitive(t *testing.T) {
	t.Parallel()
	a := New(nil)

	if !a.Analyze(chatReq("What is the weather today?")).Sensitive {
		t.Error("'today' should flag sensitive")
	}
	if !a.Analyze(chatReq("events on 2026-08-24")).Sensitive {
		t.Error("ISO date should flag sensitive")
	}
	if a.Analyze(chatReq("What is the capital of France?")).Sensitive {
		t.Error("timeless prompt should not be sensitive")
	}
}

func TestAnalyze_CustomMarkers(t *testing.T) {
	t.Parallel()
	a := New([]string{"stock price"})

	if !a.Analyze(chatReq("what is the AAPL stock price")).Sensitive {
		t.Error("custom marker should flag sensitive")
	}
	if a.Analyze(chatReq("what happened today")).Sensitive {
		t.Error("default markers should be replaced by custom list")
	}
}

func TestAnalyze_Capabilities(t *testing.T) {
	t.Parallel()
	a := New(nil)

	req := chatReq("describe this")
	req.Messages[0].Content = json.RawMessage(`[{"type":"text","text":"describe"},{"type":"image_url","image_url":{"url":"https://x/y.png"}}]`)
	h := a.Analyze(req)
	if !h.NeedsVision {
		t.Error("image content should require vision")
	}

	req2 := chatReq("use the tool")
	req2.Tools = json.RawMessage(`[{"type":"function"}]`)
	if !a.Analyze(req2).NeedsTools {
		t.Error("tools should require tool-use")
	}
}
