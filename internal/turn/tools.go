package turn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/turnkeeper/internal/provider"
	"github.com/nidhogg/turnkeeper/internal/retrieval"
)

// ToolHandler executes a tool call and returns the result as a string.
type ToolHandler func(ctx context.Context, args string) (string, error)

// ToolRegistry holds available tools and their handlers.
type ToolRegistry struct {
	defs     []provider.Tool
	handlers map[string]ToolHandler
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a tool definition and its handler. Registering a name
// twice replaces the earlier handler and definition.
func (r *ToolRegistry) Register(def provider.Tool, handler ToolHandler) {
	name := def.Function.Name
	if _, dup := r.handlers[name]; dup {
		for i := range r.defs {
			if r.defs[i].Function.Name == name {
				r.defs = append(r.defs[:i], r.defs[i+1:]...)
				break
			}
		}
	}
	r.defs = append(r.defs, def)
	r.handlers[name] = handler
}

// Definitions returns all tool definitions for the completion request.
func (r *ToolRegistry) Definitions() []provider.Tool {
	return r.defs
}

// Execute runs a tool by name with the given JSON arguments.
func (r *ToolRegistry) Execute(ctx context.Context, name, args string) (string, error) {
	h, ok := r.handlers[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return h(ctx, args)
}

// SearchToolName is the name of the document search tool.
const SearchToolName = "search_documents"

type userKey struct{}

// WithUser scopes tool calls made under ctx to one user's documents.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// RegisterSearchTool adds search_documents, backed by s.
func RegisterSearchTool(reg *ToolRegistry, s retrieval.Searcher, topK int) {
	reg.Register(provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        SearchToolName,
			Description: "Search the indexed documents for passages relevant to a question",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]string{"type": "string", "description": "What to look for, as a full question or phrase"},
					"k":     map[string]string{"type": "number", "description": "Maximum number of passages (optional)"},
				},
				"required": []string{"query"},
			},
		},
	}, func(ctx context.Context, args string) (string, error) {
		var p struct {
			Query string `json:"query"`
			K     int    `json:"k"`
		}
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
		if p.Query == "" {
			return "", fmt.Errorf("query is required")
		}
		k := p.K
		if k <= 0 || k > topK {
			k = topK
		}
		var filter map[string]string
		if user := userFrom(ctx); user != "" {
			filter = map[string]string{retrieval.FieldUserID: user}
		}
		results, err := s.Search(ctx, p.Query, k, filter)
		if err != nil {
			return "", err
		}
		if len(results) == 0 {
			return "No relevant documents found.", nil
		}
		return retrieval.FormatContext(results), nil
	})
}

func toolError(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}
