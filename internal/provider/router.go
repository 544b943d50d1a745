package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Router manages multiple backends and routes requests by key. Keys
// name a caller role such as the turn runner, the compactor or a guard.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // key -> providerID
	fallbacks map[string][]string // key -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Bind routes key to a specific provider.
func (r *Router) Bind(key, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[key] = providerID
}

// SetFallbacks configures fallback providers for key.
func (r *Router) SetFallbacks(key string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[key] = providerIDs
}

// AddFallback appends providerID to the fallback chain of key.
func (r *Router) AddFallback(key, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[key] = append(r.fallbacks[key], providerID)
}

// Route sends a chat request through the provider bound to key, then
// through its fallbacks in order until one succeeds.
func (r *Router) Route(ctx context.Context, key string, req *ChatRequest) (*ChatResponse, error) {
	chain, err := r.chain(key)
	if err != nil {
		return nil, err
	}
	for i, p := range chain {
		resp, chatErr := p.Chat(ctx, req)
		if chatErr == nil {
			return resp, nil
		}
		err = chatErr
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("provider failed",
			zap.String("key", key), zap.String("provider", p.ID()),
			zap.Bool("fallback", i > 0), zap.Error(chatErr))
	}
	return nil, fmt.Errorf("all providers failed for %s: %w", key, err)
}

// RouteStream opens a streaming chat request. Fallbacks are tried only
// while opening the stream; errors after the first chunk arrive on the
// channel.
func (r *Router) RouteStream(ctx context.Context, key string, req *ChatRequest) (<-chan *StreamChunk, error) {
	chain, err := r.chain(key)
	if err != nil {
		return nil, err
	}
	for i, p := range chain {
		ch, streamErr := p.ChatStream(ctx, req)
		if streamErr == nil {
			return ch, nil
		}
		err = streamErr
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("provider stream failed",
			zap.String("key", key), zap.String("provider", p.ID()),
			zap.Bool("fallback", i > 0), zap.Error(streamErr))
	}
	return nil, fmt.Errorf("all providers failed for %s: %w", key, err)
}

// chain snapshots the primary and fallback providers for key so no
// lock is held across network calls.
func (r *Router) chain(key string) ([]Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primary := r.primary(key)
	if primary == nil {
		return nil, fmt.Errorf("route %s: %w", key, ErrNoProvider)
	}
	chain := []Provider{primary}
	for _, id := range r.fallbacks[key] {
		if p, ok := r.providers[id]; ok && id != primary.ID() {
			chain = append(chain, p)
		}
	}
	return chain, nil
}

func (r *Router) primary(key string) Provider {
	if pid, ok := r.bindings[key]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers ordered by ID.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}
