// Package cloudauth provides http.RoundTripper decorators that inject
// authentication for upstream AI providers: static API keys, per-request
// keys selected by the key manager, GCP OAuth, and AWS SigV4.
package cloudauth

import (
	"context"
	"net/http"
)

// APIKeyTransport is an http.RoundTripper that injects a static API key
// header on every outbound request. HeaderName is the header to set
// (e.g. "Authorization", "x-api-key"). Prefix is prepended to Key
// (e.g. "Bearer " for Authorization headers).
type APIKeyTransport struct {
	Key        string
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the auth header.
func (t *APIKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.HeaderName, t.Prefix+t.Key)
	return t.base().RoundTrip(r2)
}

func (t *APIKeyTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

type selectedKeyCtx struct{}

// WithSelectedKey returns a context carrying the upstream key secret chosen
// for this request. The dispatcher sets it after key selection so one
// http.Client per provider serves every key in the pool.
func WithSelectedKey(ctx context.Context, secret string) context.Context {
	return context.WithValue(ctx, selectedKeyCtx{}, secret)
}

// SelectedKeyTransport injects the per-request key carried in the request
// context, falling back to Fallback when none is set. Header placement
// follows the same HeaderName/Prefix scheme as APIKeyTransport.
type SelectedKeyTransport struct {
	HeaderName string
	Prefix     string
	Fallback   string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the auth header from context.
func (t *SelectedKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	key := t.Fallback
	if s, ok := r.Context().Value(selectedKeyCtx{}).(string); ok && s != "" {
		key = s
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.HeaderName, t.Prefix+key)
	return t.base().RoundTrip(r2)
}

func (t *SelectedKeyTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
