package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/dnscache"

	"github.com/palisade-ai/palisade/internal/cloudauth"
	"github.com/palisade-ai/palisade/internal/config"
	"github.com/palisade-ai/palisade/internal/provider"
	"github.com/palisade-ai/palisade/internal/provider/anthropic"
	"github.com/palisade-ai/palisade/internal/provider/gemini"
	"github.com/palisade-ai/palisade/internal/provider/openai"
)

// buildProviders constructs one adapter per enabled config entry, each with
// an auth transport chain matching its hosting. Pool-managed keys arrive
// per request via the selected-key context; the config api_key is only the
// fallback when the pool is empty.
func buildProviders(ctx context.Context, cfg *config.Config, resolver *dnscache.Resolver) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		client, err := providerClient(ctx, p, resolver)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}

		switch p.ResolvedFamily() {
		case "openai":
			reg.Register(p.Name, openai.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting))
		case "anthropic":
			reg.Register(p.Name, anthropic.NewWithHosting(p.Name, p.BaseURL, client, p.Hosting, p.Region, p.Project))
		case "gemini":
			reg.Register(p.Name, gemini.NewWithClient(p.Name, p.BaseURL, client))
		default:
			slog.Warn("unknown provider family, skipping", "name", p.Name, "family", p.ResolvedFamily())
		}
	}
	return reg, nil
}

// providerClient assembles the transport chain: tuned base transport, then
// the auth layer the entry's hosting demands.
func providerClient(ctx context.Context, p config.ProviderEntry, resolver *dnscache.Resolver) (*http.Client, error) {
	base := provider.NewTransport(resolver, true)
	if p.TimeoutMs > 0 {
		base.ResponseHeaderTimeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	var rt http.RoundTripper
	switch p.ResolvedAuthType() {
	case "gcp_oauth":
		t, err := cloudauth.NewOAuthTransport(ctx, base, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return nil, err
		}
		rt = t
	case "aws_sigv4":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.Region))
		if err != nil {
			return nil, err
		}
		rt = cloudauth.NewSigV4Transport(base, awsCfg.Credentials, p.Region, "bedrock-runtime")
	default:
		header, prefix := authHeader(p)
		rt = &cloudauth.SelectedKeyTransport{
			HeaderName: header,
			Prefix:     prefix,
			Fallback:   fallbackKey(p),
			Base:       base,
		}
	}
	return &http.Client{Transport: rt}, nil
}

// authHeader returns the API-key header placement for the provider family.
func authHeader(p config.ProviderEntry) (header, prefix string) {
	if p.Hosting == "azure" {
		return "api-key", ""
	}
	switch p.ResolvedFamily() {
	case "anthropic":
		return "x-api-key", ""
	case "gemini":
		return "x-goog-api-key", ""
	default:
		return "Authorization", "Bearer "
	}
}

func fallbackKey(p config.ProviderEntry) string {
	if p.Auth != nil && p.Auth.APIKey != "" {
		return p.Auth.APIKey.Reveal()
	}
	return p.APIKey.Reveal()
}
