package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/app"
)

// maxBodySize limits JSON request bodies (4 MB). Audio uploads have their
// own limit in the transcription handler.
const maxBodySize = 4 << 20

// Pre-allocated header value slices. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

// errorBody is the data-plane error envelope. RetryAfter is seconds; it
// mirrors the Retry-After header so SDKs that never read headers still
// back off correctly.
type errorBody struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		Details    any    `json:"details,omitempty"`
		RetryAfter int    `json:"retryAfter,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps an error to its HTTP status and renders the envelope.
// Quota rejections additionally carry a Retry-After header.
func (s *server) writeError(w http.ResponseWriter, err error) {
	ae := gateway.AsAPIError(err)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ErrorsTotal.WithLabelValues(string(ae.Code)).Inc()
	}
	var body errorBody
	if ae.RetryAfter > 0 {
		secs := int(ae.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header()["Retry-After"] = []string{strconv.Itoa(secs)}
		body.Error.RetryAfter = secs
	}
	body.Error.Code = string(ae.Code)
	body.Error.Message = ae.Message
	body.Error.Details = ae.Details
	writeJSON(w, ae.HTTPStatus(), body)
}

// decodeRequestBody limits body size and decodes JSON into v, writing a
// 400 on failure.
func (s *server) decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, gateway.E(gateway.CodeValidationInvalid, "invalid request body: %s", err.Error()))
		return false
	}
	return true
}

// Serving metadata headers, canonical MIME form for direct map access.
const (
	providerHeader = "X-Ai-Provider"
	modelHeader    = "X-Ai-Model"
	cacheHeader    = "X-Cache-Status"
)

// setMetaHeaders exposes where a response came from and whether the cache
// served it.
func setMetaHeaders(w http.ResponseWriter, meta *app.Meta) {
	h := w.Header()
	if meta.Provider != "" {
		h[providerHeader] = []string{meta.Provider}
	}
	if meta.Model != "" {
		h[modelHeader] = []string{meta.Model}
	}
	if meta.CacheStatus != "" {
		h[cacheHeader] = []string{meta.CacheStatus}
	}
}

// observeMeta records per-request cache and upstream metrics.
func (s *server) observeMeta(meta *app.Meta) {
	m := s.deps.Metrics
	if m == nil || meta == nil {
		return
	}
	if meta.CacheStatus != "" {
		m.CacheResults.WithLabelValues(meta.CacheStatus).Inc()
	}
	if meta.Provider != "" && meta.CacheStatus != app.CacheHit {
		m.UpstreamLatency.WithLabelValues(meta.Provider, meta.Model).
			Observe(float64(meta.LatencyMs) / 1000)
	}
}

// requestContext applies the configured per-request deadline. Streaming
// handlers skip it; their lifetime is bounded by the hub's idle timeout.
func (s *server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	d := s.deps.Config.Current().Config.Gateway.RequestDeadline
	if d <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), d)
}
