package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	gateway "github.com/palisade-ai/palisade/internal"
)

// fakeProvider is a minimal chat-only adapter for registry tests.
type fakeProvider struct {
	Unsupported
	name string
}

func (f *fakeProvider) Name() string   { return f.name }
func (f *fakeProvider) Family() string { return "openai" }
func (f *fakeProvider) Capabilities() gateway.CapabilitySet {
	return gateway.CapabilitySet(gateway.CapChat)
}
func (f *fakeProvider) ChatCompletion(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	return &gateway.ChatResponse{ID: f.name}, nil
}
func (f *fakeProvider) HealthCheck(context.Context) error { return nil }

func TestRegistry_RegisterGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	p := &fakeProvider{name: "openai-us"}
	r.Register("openai-us", p)

	got, err := r.Get("openai-us")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name() != "openai-us" {
		t.Errorf("name = %s", got.Name())
	}

	if _, err := r.Get("missing"); err == nil {
		t.Error("unknown provider should error")
	}
}

func TestRegistry_List(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register("gemini-eu", &fakeProvider{name: "gemini-eu"})
	r.Register("anthropic-us", &fakeProvider{name: "anthropic-us"})

	got := r.List()
	want := []string{"anthropic-us", "gemini-eu"}
	if !slices.Equal(got, want) {
		t.Errorf("list = %v, want %v", got, want)
	}
}

func TestUnsupported_AllOperations(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{name: "x"}
	ctx := context.Background()

	if _, err := p.ChatStream(ctx, nil); !errors.Is(err, gateway.ErrNotSupported) {
		t.Errorf("ChatStream err = %v", err)
	}
	if _, err := p.Embed(ctx, nil); !errors.Is(err, gateway.ErrNotSupported) {
		t.Errorf("Embed err = %v", err)
	}
	if _, err := p.ImageGenerate(ctx, nil); !errors.Is(err, gateway.ErrNotSupported) {
		t.Errorf("ImageGenerate err = %v", err)
	}
	if _, err := p.SpeechToText(ctx, nil); !errors.Is(err, gateway.ErrNotSupported) {
		t.Errorf("SpeechToText err = %v", err)
	}
	if _, err := p.TextToSpeech(ctx, nil); !errors.Is(err, gateway.ErrNotSupported) {
		t.Errorf("TextToSpeech err = %v", err)
	}
}

func TestParseAPIError_Mapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   gateway.ErrorCode
	}{
		{http.StatusTooManyRequests, gateway.CodeUpstreamRateLimited},
		{http.StatusBadRequest, gateway.CodeUpstreamClientError},
		{http.StatusUnauthorized, gateway.CodeUpstreamClientError},
		{http.StatusInternalServerError, gateway.CodeUpstreamServerError},
		{http.StatusBadGateway, gateway.CodeUpstreamUnavailable},
		{http.StatusServiceUnavailable, gateway.CodeUpstreamUnavailable},
		{http.StatusGatewayTimeout, gateway.CodeUpstreamTimeout},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":"detail"}`))
		}))
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}

		perr := ParseAPIError("openai", resp)
		resp.Body.Close()
		srv.Close()

		var ae *gateway.APIError
		if !errors.As(perr, &ae) {
			t.Fatalf("status %d: want APIError, got %T", tt.status, perr)
		}
		if ae.Code != tt.want {
			t.Errorf("status %d: code = %s, want %s", tt.status, ae.Code, tt.want)
		}
		if body, _ := ae.Details.(string); !strings.Contains(body, "detail") {
			t.Errorf("status %d: details should carry upstream body", tt.status)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	if got := parseRetryAfter("30"); got.Seconds() != 30 {
		t.Errorf("got %s, want 30s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty header should be 0, got %s", got)
	}
	if got := parseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT"); got != 0 {
		t.Errorf("http-date form should be ignored, got %s", got)
	}
}

func TestNewTransport(t *testing.T) {
	t.Parallel()
	tr := NewTransport(nil, true)
	if !tr.ForceAttemptHTTP2 {
		t.Error("http2 should be enabled")
	}
	if tr.MaxIdleConnsPerHost != 100 {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
	if tr.DialContext != nil {
		t.Error("nil resolver should leave default dialer")
	}
}
