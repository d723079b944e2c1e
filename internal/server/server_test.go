package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/analyze"
	"github.com/palisade-ai/palisade/internal/app"
	"github.com/palisade-ai/palisade/internal/auth"
	"github.com/palisade-ai/palisade/internal/cache"
	"github.com/palisade-ai/palisade/internal/circuitbreaker"
	"github.com/palisade-ai/palisade/internal/config"
	"github.com/palisade-ai/palisade/internal/provider"
	"github.com/palisade-ai/palisade/internal/ratelimit"
	"github.com/palisade-ai/palisade/internal/route"
	"github.com/palisade-ai/palisade/internal/stream"
	"github.com/palisade-ai/palisade/internal/usage"
)

const testKey = "pal_test_key_for_server_package_0001"

// fakeKeyStore is an in-memory TenantKeyStore seeded with one key.
type fakeKeyStore struct {
	mu   sync.Mutex
	keys map[string]*gateway.TenantKey
}

func newFakeKeyStore(keys ...*gateway.TenantKey) *fakeKeyStore {
	s := &fakeKeyStore{keys: make(map[string]*gateway.TenantKey)}
	for _, k := range keys {
		s.keys[k.ID] = k
	}
	return s
}

func (s *fakeKeyStore) CreateTenantKey(_ context.Context, key *gateway.TenantKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *fakeKeyStore) GetTenantKey(_ context.Context, id string) (*gateway.TenantKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		return k, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *fakeKeyStore) GetTenantKeyByHash(_ context.Context, hash string) (*gateway.TenantKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return k, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *fakeKeyStore) ListTenantKeys(_ context.Context, tenant string, _, _ int) ([]*gateway.TenantKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.TenantKey
	for _, k := range s.keys {
		if tenant == "" || k.Tenant == tenant {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *fakeKeyStore) UpdateTenantKey(_ context.Context, key *gateway.TenantKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *fakeKeyStore) DeleteTenantKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}

func (s *fakeKeyStore) TouchTenantKeyUsed(context.Context, string) error { return nil }

// fakeProvider is a programmable adapter stub.
type fakeProvider struct {
	provider.Unsupported
	name   string
	calls  atomic.Int64
	chatFn func(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
}

func (f *fakeProvider) Name() string   { return f.name }
func (f *fakeProvider) Family() string { return "openai" }
func (f *fakeProvider) Capabilities() gateway.CapabilitySet {
	return gateway.CapabilitySet(gateway.CapChat | gateway.CapChatStream | gateway.CapEmbed | gateway.CapImage)
}
func (f *fakeProvider) HealthCheck(context.Context) error { return nil }

func (f *fakeProvider) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	f.calls.Add(1)
	if f.chatFn != nil {
		return f.chatFn(ctx, req)
	}
	content, _ := json.Marshal("hello from " + f.name)
	return &gateway.ChatResponse{
		ID: "chatcmpl-1", Object: "chat.completion", Model: req.Model,
		Choices: []gateway.Choice{{Message: gateway.Message{Role: "assistant", Content: content}, FinishReason: "stop"}},
		Usage:   &gateway.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

func (f *fakeProvider) Embed(_ context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	f.calls.Add(1)
	return &gateway.EmbeddingResponse{
		Object: "list", Model: req.Model,
		Data:  json.RawMessage(`[{"embedding":[0.1,0.2]}]`),
		Usage: &gateway.Usage{PromptTokens: 8, TotalTokens: 8},
	}, nil
}

func (f *fakeProvider) ImageGenerate(_ context.Context, _ *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	f.calls.Add(1)
	return &gateway.ImageResponse{
		Created: time.Now().Unix(),
		Data:    json.RawMessage(`[{"url":"https://img.test/1.png"}]`),
	}, nil
}

func (f *fakeProvider) ChatStream(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamEvent, error) {
	f.calls.Add(1)
	ch := make(chan gateway.StreamEvent, 4)
	ch <- gateway.StreamEvent{Kind: gateway.EventDelta, Data: []byte(`{"choices":[{"delta":{"content":"hi"}}]}`)}
	ch <- gateway.StreamEvent{Kind: gateway.EventUsage, Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
	ch <- gateway.StreamEvent{Kind: gateway.EventDone}
	close(ch)
	return ch, nil
}

type harness struct {
	handler http.Handler
	p1      *fakeProvider
}

func newHarness(t *testing.T, tenantQuota gateway.Quota, mutate func(*config.Config)) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Providers = []config.ProviderEntry{
		{Name: "alpha", Family: "openai", BaseURL: "http://alpha.test", Models: []config.ModelEntry{
			{Name: "gpt-4o", ContextLength: 128000, InputPer1K: 0.001, OutputPer1K: 0.002, QualityScore: 0.7, Tags: []string{"tools", "vision"}},
			{Name: "text-embedding-3-small", InputPer1K: 0.0001},
		}},
	}
	cfg.Retry.Budget = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	store := config.NewStore(cfg, "")

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThreshold: 0.5, MinSamples: 3, WindowSeconds: 60,
		Cooldown: time.Minute, MaxCooldown: time.Minute,
	})
	engine := usage.NewEngine(nil, log, usage.Config{QueueSize: 64})
	router := route.New(engine, nil, breakers, cfg.Routing.MaxCandidates, cfg.Routing.DecisionCacheTTL)

	reg := provider.NewRegistry()
	p1 := &fakeProvider{name: "alpha"}
	reg.Register("alpha", p1)

	mem, err := cache.NewMemory(1000, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	d := app.NewDispatcher(app.Deps{
		Log:       log,
		Config:    store,
		Quotas:    ratelimit.NewTracker(),
		Analyzer:  analyze.New(nil),
		Router:    router,
		Providers: reg,
		Breakers:  breakers,
		Cache:     mem,
		Usage:     engine,
		Hub:       stream.NewHub(log, stream.Config{MaxPerTenant: 5, IdleTimeout: time.Minute}),
	})

	keyStore := newFakeKeyStore(&gateway.TenantKey{
		ID:      "tk-1",
		KeyHash: gateway.HashKey(testKey),
		Tenant:  "acme",
		Quota:   tenantQuota,
	})
	a, err := auth.NewTenantKeyAuth(keyStore)
	if err != nil {
		t.Fatal(err)
	}

	return &harness{
		handler: New(Deps{Auth: a, Dispatcher: d, Config: store}),
		p1:      p1,
	}
}

func chatBody(t *testing.T, prompt string, stream bool) *bytes.Reader {
	t.Helper()
	content, _ := json.Marshal(prompt)
	temp := 0.1
	body, err := json.Marshal(gateway.ChatRequest{
		Model:       "gpt-4o",
		Temperature: &temp,
		Stream:      stream,
		Messages:    []gateway.Message{{Role: "user", Content: content}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(body)
}

func authedRequest(method, path string, body io.Reader) *http.Request {
	r := httptest.NewRequest(method, path, body)
	r.Header.Set(auth.HeaderName, testKey)
	return r
}

func TestChatCompletionEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{}, nil)

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, authedRequest(http.MethodPost, "/api/v1/ai/chat/completions", chatBody(t, "hello", false)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Ai-Provider"); got != "alpha" {
		t.Errorf("provider header = %q", got)
	}
	if got := w.Header().Get("X-Cache-Status"); got != "MISS" {
		t.Errorf("cache header = %q", got)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("missing request id header")
	}
	var resp gateway.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 30 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatCompletionRequiresAuth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{}, nil)

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/ai/chat/completions", chatBody(t, "hello", false)))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != string(gateway.CodeAuthMissing) {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestChatCompletionInvalidBody(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{}, nil)

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, authedRequest(http.MethodPost, "/api/v1/ai/chat/completions", strings.NewReader("{not json")))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestChatStreamEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{}, nil)

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, authedRequest(http.MethodPost, "/api/v1/ai/chat/completions", chatBody(t, "stream", true)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	if w.Header().Get("X-Stream-Id") == "" {
		t.Error("missing stream id header")
	}
	body := w.Body.String()
	if !strings.Contains(body, `data: {"choices":[{"delta":{"content":"hi"}}]}`) {
		t.Errorf("missing delta frame: %s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("missing DONE sentinel: %s", body)
	}
}

func TestChatQuotaExceededSetsRetryAfter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{RequestsPerMinute: 1}, nil)

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, authedRequest(http.MethodPost, "/api/v1/ai/chat/completions", chatBody(t, "one", false)))
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, authedRequest(http.MethodPost, "/api/v1/ai/chat/completions", chatBody(t, "two", false)))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// The body mirrors the header for clients that never look at headers.
	var envelope struct {
		Error struct {
			Code       string         `json:"code"`
			Details    map[string]any `json:"details"`
			RetryAfter int            `json:"retryAfter"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "quota.exceeded" {
		t.Errorf("code = %q, want quota.exceeded", envelope.Error.Code)
	}
	if envelope.Error.RetryAfter <= 0 {
		t.Errorf("retryAfter = %d, want > 0", envelope.Error.RetryAfter)
	}
	if _, ok := envelope.Error.Details["window"]; !ok {
		t.Errorf("details = %v, want quota window context", envelope.Error.Details)
	}
}

func TestChatBurstIsPaced(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{RequestsPerMinute: 2}, nil)

	for i, prompt := range []string{"burst one", "burst two"} {
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, authedRequest(http.MethodPost, "/api/v1/ai/chat/completions", chatBody(t, prompt, false)))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, w.Code)
		}
	}

	// The burst capacity is spent; the next request is smoothed out even
	// though the quota window has room at its next boundary.
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, authedRequest(http.MethodPost, "/api/v1/ai/chat/completions", chatBody(t, "burst three", false)))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), "request rate exceeded") {
		t.Errorf("body = %s, want pacing rejection", w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestEmbeddingsEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{}, nil)

	body, _ := json.Marshal(gateway.EmbeddingRequest{
		Model: "text-embedding-3-small", Input: json.RawMessage(`"hello"`),
	})
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, authedRequest(http.MethodPost, "/api/v1/ai/embeddings", bytes.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp gateway.EmbeddingResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestListModelsEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{}, nil)

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, authedRequest(http.MethodGet, "/api/v1/ai/models", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp modelListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("models = %+v", resp.Data)
	}
	// Sorted by id.
	if resp.Data[0].ID != "gpt-4o" || resp.Data[1].ID != "text-embedding-3-small" {
		t.Errorf("models = %+v", resp.Data)
	}
}

func TestImageGenerationAsyncJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{}, func(cfg *config.Config) {
		cfg.Providers[0].Models = append(cfg.Providers[0].Models,
			config.ModelEntry{Name: "dall-e-3", QualityScore: 0.8})
	})

	body, _ := json.Marshal(gateway.ImageRequest{Model: "dall-e-3", Prompt: "a lighthouse at dusk"})
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, authedRequest(http.MethodPost, "/api/v1/ai/images/generations", bytes.NewReader(body)))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var job imageJobView
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.ID == "" || job.Status != jobPending {
		t.Fatalf("job = %+v", job)
	}
	if got := w.Header().Get("Location"); got != "/api/v1/ai/images/generations/"+job.ID {
		t.Errorf("location = %q", got)
	}

	// Poll until the background dispatch settles.
	deadline := time.Now().Add(2 * time.Second)
	for job.Status == jobPending {
		if time.Now().After(deadline) {
			t.Fatal("job did not settle")
		}
		time.Sleep(5 * time.Millisecond)
		w = httptest.NewRecorder()
		h.handler.ServeHTTP(w, authedRequest(http.MethodGet, "/api/v1/ai/images/generations/"+job.ID, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
			t.Fatal(err)
		}
	}

	if job.Status != jobSucceeded {
		t.Fatalf("job = %+v, error = %+v", job, job.Error)
	}
	if job.Response == nil || !strings.Contains(string(job.Response.Data), "img.test") {
		t.Errorf("response = %+v", job.Response)
	}
	if got := w.Header().Get("X-Ai-Provider"); got != "alpha" {
		t.Errorf("provider header = %q", got)
	}
}

func TestImageJobUnknownID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{}, nil)

	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, authedRequest(http.MethodGet, "/api/v1/ai/images/generations/no-such-job", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestTranscriptionRequiresFile(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("model", "whisper-1") //nolint:errcheck
	mw.Close()

	r := authedRequest(http.MethodPost, "/api/v1/ai/audio/transcriptions", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t, gateway.Quota{}, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, w.Code)
		}
	}
}
