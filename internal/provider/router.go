package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Router picks a provider per caller (usually a worker name) and walks a
// fallback chain when the bound provider fails.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string // caller -> provider ID
	fallbacks []string
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		logger:    logger,
	}
}

// New builds a provider from its config.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// Register adds a provider. The first one registered becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the provider used by unbound callers.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// Bind routes caller to a specific provider.
func (r *Router) Bind(caller, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[caller] = providerID
}

// SetFallbacks sets the providers tried, in order, after the primary fails.
func (r *Router) SetFallbacks(providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append([]string(nil), providerIDs...)
}

// Len returns the number of registered providers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// IDs returns the registered provider IDs, sorted.
func (r *Router) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Complete sends req through the provider bound to caller, then the
// fallback chain.
func (r *Router) Complete(ctx context.Context, caller string, req *Request) (*Response, error) {
	r.mu.RLock()
	chain := r.chain(caller)
	r.mu.RUnlock()

	if len(chain) == 0 {
		return nil, fmt.Errorf("no provider available for %s", caller)
	}

	var err error
	for i, p := range chain {
		var resp *Response
		resp, err = p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if i < len(chain)-1 {
			r.logger.Warn("provider failed, trying next",
				zap.String("caller", caller), zap.String("provider", p.ID()), zap.Error(err))
		}
	}
	return nil, fmt.Errorf("all providers failed for %s: %w", caller, err)
}

func (r *Router) chain(caller string) []Provider {
	var chain []Provider
	seen := make(map[string]bool)
	add := func(id string) {
		if p, ok := r.providers[id]; ok && !seen[id] {
			seen[id] = true
			chain = append(chain, p)
		}
	}
	if id, ok := r.bindings[caller]; ok {
		add(id)
	}
	add(r.defaults)
	for _, id := range r.fallbacks {
		add(id)
	}
	return chain
}
