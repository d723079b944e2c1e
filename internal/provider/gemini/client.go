// Package gemini implements the gateway.Provider adapter for the Google
// Gemini API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	familyName     = "gemini"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a Gemini provider adapter.
type Client struct {
	provider.Unsupported

	name    string
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a Gemini Client with a tuned http.Client. An empty baseURL
// defaults to the public Gemini endpoint. If resolver is non-nil, DNS
// lookups go through its cache.
func New(name, apiKey, baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: provider.NewTransport(resolver, true)},
	}
}

// NewWithClient creates a Gemini Client around an injected http.Client whose
// transport chain carries auth, as with Vertex AI OAuth. No x-goog-api-key
// header is set.
func NewWithClient(name, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// Family returns the wire-protocol family.
func (c *Client) Family() string { return familyName }

// Capabilities advertises the supported operations.
func (c *Client) Capabilities() gateway.CapabilitySet {
	return gateway.CapabilitySet(gateway.CapChat | gateway.CapChatStream | gateway.CapEmbed)
}

// ChatCompletion sends a non-streaming generateContent request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	u := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	respBody, err := c.post(ctx, u, translateRequest(req))
	if err != nil {
		return nil, err
	}
	return translateResponse(respBody, req.Model)
}

// ChatStream sends a streaming generateContent request over SSE.
func (c *Client) ChatStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamEvent, error) {
	body, err := json.Marshal(translateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(familyName, resp)
	}

	ch := make(chan gateway.StreamEvent, 8)
	go readStream(ctx, resp.Body, ch, req.Model)
	return ch, nil
}

// Embed sends an embedContent request and converts the result to the
// canonical embedding shape.
func (c *Client) Embed(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	// Extract text from the input field.
	var inputText string
	if err := json.Unmarshal(req.Input, &inputText); err != nil {
		// Try as array of strings.
		var inputs []string
		if err := json.Unmarshal(req.Input, &inputs); err != nil {
			return nil, fmt.Errorf("gemini: unsupported input format: %w", err)
		}
		if len(inputs) > 0 {
			inputText = inputs[0]
		}
	}

	gReq := map[string]any{
		"model": "models/" + req.Model,
		"content": map[string]any{
			"parts": []map[string]any{{"text": inputText}},
		},
	}

	u := fmt.Sprintf("%s/models/%s:embedContent", c.baseURL, req.Model)
	respBody, err := c.post(ctx, u, gReq)
	if err != nil {
		return nil, err
	}

	embValues := gjson.GetBytes(respBody, "embedding.values").Raw
	embData, _ := json.Marshal([]map[string]any{{
		"object":    "embedding",
		"index":     0,
		"embedding": json.RawMessage(embValues),
	}})

	return &gateway.EmbeddingResponse{
		Object: "list",
		Data:   embData,
		Model:  req.Model,
	}, nil
}

// HealthCheck verifies connectivity to the Gemini API via the models listing.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gemini: health check: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		r.Header.Set("x-goog-api-key", c.apiKey)
	}
}

// post sends a JSON request and returns the raw response body (1MB cap).
func (c *Client) post(ctx context.Context, url string, in any) ([]byte, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(familyName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	return respBody, nil
}
