package cache

import (
	"testing"

	gateway "github.com/palisade-ai/palisade/internal"
)

func TestFingerprint_Determinism(t *testing.T) {
	t.Parallel()
	temp := 0.1
	req := &gateway.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []gateway.Message{{Role: "user", Content: []byte(`"hello"`)}},
		Temperature: &temp,
	}

	k1 := Fingerprint("key1", req)
	k2 := Fingerprint("key1", req)
	if k1 != k2 {
		t.Error("same request should produce same fingerprint")
	}
	if len(k1) != 64 { // SHA-256 hex
		t.Errorf("fingerprint length = %d, want 64", len(k1))
	}
}

func TestFingerprint_TenantScoping(t *testing.T) {
	t.Parallel()
	temp := 0.1
	req := &gateway.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []gateway.Message{{Role: "user", Content: []byte(`"hello"`)}},
		Temperature: &temp,
	}

	if Fingerprint("tenant-a", req) == Fingerprint("tenant-b", req) {
		t.Error("different tenants must not share fingerprints")
	}
}

func TestFingerprint_ModelCaseInsensitive(t *testing.T) {
	t.Parallel()
	temp := 0.0
	r1 := &gateway.ChatRequest{
		Model:       "GPT-4o",
		Messages:    []gateway.Message{{Role: "user", Content: []byte(`"hi"`)}},
		Temperature: &temp,
	}
	r2 := &gateway.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []gateway.Message{{Role: "user", Content: []byte(`"hi"`)}},
		Temperature: &temp,
	}

	if Fingerprint("k", r1) != Fingerprint("k", r2) {
		t.Error("model name case should not change the fingerprint")
	}
}

func TestFingerprint_WhitespaceNormalized(t *testing.T) {
	t.Parallel()
	temp := 0.0
	r1 := &gateway.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []gateway.Message{{Role: "user", Content: []byte(`"what   is\n  go"`)}},
		Temperature: &temp,
	}
	r2 := &gateway.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []gateway.Message{{Role: "user", Content: []byte(`"what is go"`)}},
		Temperature: &temp,
	}

	if Fingerprint("k", r1) != Fingerprint("k", r2) {
		t.Error("whitespace runs in string content should normalize away")
	}
}

func TestFingerprint_DifferentInputs(t *testing.T) {
	t.Parallel()
	temp := 0.1
	r1 := &gateway.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []gateway.Message{{Role: "user", Content: []byte(`"hello"`)}},
		Temperature: &temp,
	}
	r2 := &gateway.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []gateway.Message{{Role: "user", Content: []byte(`"world"`)}},
		Temperature: &temp,
	}

	if Fingerprint("key1", r1) == Fingerprint("key1", r2) {
		t.Error("different messages should produce different fingerprints")
	}
}

func TestCacheable(t *testing.T) {
	t.Parallel()
	low := 0.1
	high := 0.9
	seed := 42

	tests := []struct {
		name      string
		req       *gateway.ChatRequest
		sensitive bool
		want      bool
	}{
		{"low temperature", &gateway.ChatRequest{Temperature: &low}, false, true},
		{"high temperature", &gateway.ChatRequest{Temperature: &high}, false, false},
		{"default temperature", &gateway.ChatRequest{}, false, false},
		{"seeded", &gateway.ChatRequest{Seed: &seed}, false, true},
		{"streaming", &gateway.ChatRequest{Stream: true, Temperature: &low}, false, false},
		{"multi choice", &gateway.ChatRequest{N: 2, Temperature: &low}, false, false},
		{"sensitive", &gateway.ChatRequest{Temperature: &low}, true, false},
	}
	for _, tt := range tests {
		if got := Cacheable(tt.req, tt.sensitive, DefaultTemperatureCeiling); got != tt.want {
			t.Errorf("%s: cacheable = %v, want %v", tt.name, got, tt.want)
		}
	}
}
