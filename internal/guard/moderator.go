package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/turnkeeper/internal/cache"
	"github.com/nidhogg/turnkeeper/internal/provider"
	"go.uber.org/zap"
)

// RouteKey is the router binding used for guard requests.
const RouteKey = "_guard"

// Router is the slice of provider.Router used by the guard checks.
type Router interface {
	Route(ctx context.Context, key string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// ModerationBackend reports whether text is flagged.
type ModerationBackend interface {
	Moderate(ctx context.Context, text string) (bool, error)
}

// Moderator checks user input against a moderation backend. Results are
// cached per text; failures are not cached.
type Moderator struct {
	backend ModerationBackend
	cache   *cache.Cache[bool]
	logger  *zap.Logger
}

// NewModerator creates a moderator owning the given cache.
func NewModerator(backend ModerationBackend, c *cache.Cache[bool], logger *zap.Logger) *Moderator {
	return &Moderator{backend: backend, cache: c, logger: logger}
}

// IsSafe reports whether text may be processed. Blank text is safe, and
// so is any text the backend fails to judge.
func (m *Moderator) IsSafe(ctx context.Context, text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	parts := cache.KeyParts{Namespace: "moderation", Query: text}
	flagged, err := m.cache.GetOrCompute(ctx, parts, func(ctx context.Context) (bool, error) {
		return m.backend.Moderate(ctx, text)
	})
	if err != nil {
		m.logger.Warn("moderation failed, allowing input", zap.Error(err))
		return true
	}
	return !flagged
}

// Purge drops cached verdicts.
func (m *Moderator) Purge() { m.cache.Purge() }

const moderationPrompt = `You are a content moderation filter. Decide whether the user message below contains harassment, hate, self-harm, sexual content involving minors, violent threats or instructions for serious harm.
Respond with exactly one word: SAFE or UNSAFE.`

// RouterModeration implements ModerationBackend with a chat completion,
// for deployments whose backend has no moderation endpoint.
type RouterModeration struct {
	router Router
	model  string
}

// NewRouterModeration creates a completion-backed moderation backend.
func NewRouterModeration(router Router, model string) *RouterModeration {
	return &RouterModeration{router: router, model: model}
}

// Moderate implements ModerationBackend.
func (r *RouterModeration) Moderate(ctx context.Context, text string) (bool, error) {
	resp, err := r.router.Route(ctx, RouteKey, &provider.ChatRequest{
		Model: r.model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: moderationPrompt},
			{Role: provider.RoleUser, Content: text},
		},
		MaxTokens: 4,
	})
	if err != nil {
		return false, fmt.Errorf("moderate: %w", err)
	}
	verdict := strings.ToUpper(strings.TrimSpace(resp.Content))
	switch {
	case strings.HasPrefix(verdict, "UNSAFE"):
		return true, nil
	case strings.HasPrefix(verdict, "SAFE"):
		return false, nil
	}
	return false, fmt.Errorf("moderate: unexpected verdict %q", resp.Content)
}
