// Package openai implements the gateway.Provider adapter for OpenAI-format
// APIs, including Azure-hosted deployments and OpenAI-compatible servers.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/provider"
	"github.com/palisade-ai/palisade/internal/provider/sseutil"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	familyName     = "openai"
)

var (
	_ gateway.Provider   = (*Client)(nil)
	_ gateway.Idempotent = (*Client)(nil)
)

// Client is an OpenAI provider adapter.
type Client struct {
	provider.Unsupported

	name    string
	baseURL string
	http    *http.Client
	hosting string // "", "azure"
	caps    gateway.CapabilitySet
}

// New creates an OpenAI Client for direct API access. name is the instance
// identifier; an empty baseURL defaults to the public OpenAI endpoint. The
// provided client should have auth configured via its transport chain.
func New(name, baseURL string, client *http.Client) *Client {
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
		caps: gateway.CapabilitySet(gateway.CapChat | gateway.CapChatStream |
			gateway.CapEmbed | gateway.CapImage | gateway.CapSTT | gateway.CapTTS),
	}
}

// NewWithHosting creates an OpenAI Client for a specific hosting platform.
// Azure deployments expose only the chat and embedding surface.
func NewWithHosting(name, baseURL string, client *http.Client, hosting string) *Client {
	c := New(name, baseURL, client)
	c.hosting = hosting
	if hosting == "azure" {
		c.caps = gateway.CapabilitySet(gateway.CapChat | gateway.CapChatStream | gateway.CapEmbed)
	}
	return c
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// Family returns the wire-protocol family.
func (c *Client) Family() string { return familyName }

// Capabilities advertises the supported operations.
func (c *Client) Capabilities() gateway.CapabilitySet { return c.caps }

// IdempotentFor reports which request kinds are safe to retry on ambiguous
// outcomes. Image generation bills on submit and is excluded.
func (c *Client) IdempotentFor(kind gateway.RequestKind) bool {
	return kind != gateway.KindImage
}

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	var out gateway.ChatResponse
	if err := c.postJSON(ctx, "/chat/completions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatStream sends a streaming chat completion request. Raw SSE payloads are
// forwarded as StreamEvents without re-marshaling on the hot path.
func (c *Client) ChatStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamEvent, error) {
	// Force stream=true and request usage in the final chunk.
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(familyName, resp)
	}

	ch := make(chan gateway.StreamEvent, 8)
	go sseutil.ReadSSEStream(ctx, familyName, resp, ch)
	return ch, nil
}

// Embed sends an embedding request.
func (c *Client) Embed(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	var out gateway.EmbeddingResponse
	if err := c.postJSON(ctx, "/embeddings", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImageGenerate sends an image generation request.
func (c *Client) ImageGenerate(ctx context.Context, req *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	var out gateway.ImageResponse
	if err := c.postJSON(ctx, "/images/generations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SpeechToText uploads audio for transcription via multipart form data.
func (c *Client) SpeechToText(ctx context.Context, req *gateway.TranscriptionRequest) (*gateway.TranscriptionResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := req.Filename
	if filename == "" {
		filename = "audio"
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("openai: build form: %w", err)
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return nil, fmt.Errorf("openai: build form: %w", err)
	}
	mw.WriteField("model", req.Model)
	if req.Language != "" {
		mw.WriteField("language", req.Language)
	}
	if req.Prompt != "" {
		mw.WriteField("prompt", req.Prompt)
	}
	if req.Temp > 0 {
		mw.WriteField("temperature", strconv.FormatFloat(req.Temp, 'f', -1, 64))
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("openai: build form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(familyName, resp)
	}

	var out gateway.TranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return &out, nil
}

// TextToSpeech synthesizes audio and returns the raw bytes with their MIME type.
func (c *Client) TextToSpeech(ctx context.Context, req *gateway.SpeechRequest) (*gateway.SpeechResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(familyName, resp)
	}

	const maxAudioBytes = 64 << 20
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("openai: read audio: %w", err)
	}
	return &gateway.SpeechResponse{
		Audio:       audio,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// HealthCheck verifies connectivity. Azure deployment URLs have no GET
// /models endpoint, so reachability is checked with a HEAD request.
func (c *Client) HealthCheck(ctx context.Context) error {
	method, path := http.MethodGet, "/models"
	if c.hosting == "azure" {
		method, path = http.MethodHead, ""
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	resp.Body.Close()
	if c.hosting != "azure" && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai: health check: HTTP %d", resp.StatusCode)
	}
	return nil
}

// postJSON sends a JSON request body and decodes a JSON response.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.ParseAPIError(familyName, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("openai: decode response: %w", err)
	}
	return nil
}
