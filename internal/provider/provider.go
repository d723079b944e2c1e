// Package provider implements the registry and shared plumbing for upstream
// adapters: error mapping to the canonical taxonomy, tuned HTTP transports,
// and a base type for partially-capable adapters.
package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"

	gateway "github.com/palisade-ai/palisade/internal"
)

// Registry maps provider instance names to gateway.Provider adapters.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]gateway.Provider
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]gateway.Provider)}
}

// Register adds a provider under the given name.
// It overwrites any previously registered provider with the same name.
func (r *Registry) Register(name string, p gateway.Provider) {
	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
}

// Get returns the provider registered under name, or an error if not found.
func (r *Registry) Get(name string) (gateway.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.providers {
			if !yield(name) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Unsupported is embedded by adapters to decline operations outside their
// capability set. Every method returns gateway.ErrNotSupported; adapters
// override the ones they advertise in Capabilities().
type Unsupported struct{}

func (Unsupported) ChatCompletion(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	return nil, gateway.ErrNotSupported
}

func (Unsupported) ChatStream(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamEvent, error) {
	return nil, gateway.ErrNotSupported
}

func (Unsupported) Embed(context.Context, *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	return nil, gateway.ErrNotSupported
}

func (Unsupported) ImageGenerate(context.Context, *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	return nil, gateway.ErrNotSupported
}

func (Unsupported) SpeechToText(context.Context, *gateway.TranscriptionRequest) (*gateway.TranscriptionResponse, error) {
	return nil, gateway.ErrNotSupported
}

func (Unsupported) TextToSpeech(context.Context, *gateway.SpeechRequest) (*gateway.SpeechResponse, error) {
	return nil, gateway.ErrNotSupported
}
