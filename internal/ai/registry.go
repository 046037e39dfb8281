package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalize(name)] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Settings holds credentials for every provider NewDefaultRegistry knows.
type Settings struct {
	OpenAIBaseURL     string
	OpenAIAPIKey      string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterSiteURL string
	OpenRouterAppName string
	OllamaBaseURL     string
}

// NewDefaultRegistry registers openai, openrouter and ollama.
func NewDefaultRegistry(s Settings) *Registry {
	reg := NewRegistry()
	reg.Register("openai", func(ctx context.Context, model string) (Provider, error) {
		return NewOpenAIProvider(s.OpenAIBaseURL, s.OpenAIAPIKey, model), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		return NewOpenRouterProvider(s.OpenRouterBaseURL, s.OpenRouterAPIKey, model, s.OpenRouterSiteURL, s.OpenRouterAppName), nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		return NewOllamaProvider(s.OllamaBaseURL, model), nil
	})
	return reg
}
