package tokencount

import (
	"encoding/json"
	"testing"

	gateway "github.com/palisade-ai/palisade/internal"
)

func TestEstimateRequest(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	msgs := []gateway.Message{
		{Role: "user", Content: json.RawMessage(`"What is the capital of France?"`)},
	}
	got := c.EstimateRequest("gpt-4o", msgs)
	if got < 8 || got > 30 {
		t.Errorf("estimate %d outside plausible range for a short prompt", got)
	}
}

func TestEstimateRequest_EmptyMessages(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	if got := c.EstimateRequest("gpt-4o", nil); got < 1 {
		t.Errorf("estimate should be at least 1, got %d", got)
	}
}

func TestEstimateRequest_GrowsWithContent(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	short := []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}}
	long := []gateway.Message{{Role: "user", Content: json.RawMessage(`"` + string(make([]byte, 4000)) + `"`)}}

	if c.EstimateRequest("m", long) <= c.EstimateRequest("m", short) {
		t.Error("longer content should estimate more tokens")
	}
}

func TestCountText(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	if got := c.CountText("m", ""); got != 1 {
		t.Errorf("empty text should count 1, got %d", got)
	}
	if got := c.CountText("m", "abcdefgh"); got != 2 {
		t.Errorf("8 chars should count 2 tokens, got %d", got)
	}
}
