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

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

// Names lists registered providers, sorted.
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

// Settings is the subset of configuration the default registry needs.
type Settings struct {
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string
	OpenAIBaseURL     string
	OpenAIAPIKey      string
	OpenAIModel       string
}

// NewDefaultRegistry registers ollama, openrouter and openai. An empty model falls back
// to the provider's configured model.
func NewDefaultRegistry(s Settings) *Registry {
	reg := NewRegistry()
	pick := func(model, def string) string {
		if m := strings.TrimSpace(model); m != "" {
			return m
		}
		return def
	}
	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		return NewOllamaProvider(s.OllamaBaseURL, pick(model, s.OllamaModel)), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		return NewOpenRouterProvider(s.OpenRouterBaseURL, s.OpenRouterAPIKey,
			pick(model, s.OpenRouterModel), s.OpenRouterSiteURL, s.OpenRouterAppName), nil
	})
	reg.Register("openai", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		return NewOpenAIProvider(s.OpenAIBaseURL, s.OpenAIAPIKey, pick(model, s.OpenAIModel)), nil
	})
	return reg
}
