package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// OAuthTransport injects a Google OAuth2 bearer token on outbound requests,
// for Vertex-hosted providers. The wrapped source caches tokens and
// refreshes them before expiry.
type OAuthTransport struct {
	Base   http.RoundTripper
	source oauth2.TokenSource
}

// NewOAuthTransport resolves Application Default Credentials for the given
// scopes and wraps base with bearer injection.
func NewOAuthTransport(ctx context.Context, base http.RoundTripper, scopes ...string) (*OAuthTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: resolve google credentials: %w", err)
	}
	return &OAuthTransport{
		Base:   base,
		source: oauth2.ReuseTokenSource(nil, creds.TokenSource),
	}, nil
}

// newOAuthTransportWithSource skips ADC resolution; tests inject a source.
func newOAuthTransportWithSource(base http.RoundTripper, ts oauth2.TokenSource) *OAuthTransport {
	return &OAuthTransport{Base: base, source: oauth2.ReuseTokenSource(nil, ts)}
}

// RoundTrip clones the request and sets the bearer header.
func (t *OAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain google token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.base().RoundTrip(r2)
}

func (t *OAuthTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
