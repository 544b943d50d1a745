package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/turnkeeper/internal/provider"
	"github.com/nidhogg/turnkeeper/internal/usage"
)

// Summarizer turns a slice of history into summary text.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []provider.Message) (string, *usage.Record, error)
}

// Router is the slice of provider.Router used for summarization.
type Router interface {
	Route(ctx context.Context, key string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// RouteKey is the router binding used for summarization requests.
const RouteKey = "_compactor"

const summaryPrompt = `<role>
Context Extraction Assistant
</role>

<primary_objective>
Extract the highest quality, most relevant context from the conversation history below.
</primary_objective>

<instructions>
The conversation history below will be replaced with the context you extract. Record the most important facts, decisions, open tasks and tool results so that no completed action needs to be repeated.
Respond ONLY with the extracted context. Do not include any text before or after it.
</instructions>

<messages>
Messages to summarize:
%s
</messages>`

// RouterSummarizer summarizes through a provider router.
type RouterSummarizer struct {
	router    Router
	model     string
	maxTokens int
}

// NewRouterSummarizer creates a summarizer. maxTokens caps the summary
// length; zero means 512.
func NewRouterSummarizer(router Router, model string, maxTokens int) *RouterSummarizer {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &RouterSummarizer{router: router, model: model, maxTokens: maxTokens}
}

// Summarize sends the rendered history with the extraction prompt.
func (s *RouterSummarizer) Summarize(ctx context.Context, msgs []provider.Message) (string, *usage.Record, error) {
	if s.router == nil {
		return "", nil, fmt.Errorf("no router available for summarization")
	}
	req := &provider.ChatRequest{
		Model: s.model,
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: fmt.Sprintf(summaryPrompt, RenderTranscript(msgs))},
		},
		MaxTokens: s.maxTokens,
	}
	resp, err := s.router.Route(ctx, RouteKey, req)
	if err != nil {
		return "", nil, fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), resp.Usage.Record(), nil
}

// RenderTranscript renders msgs as one line per message.
func RenderTranscript(msgs []provider.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case provider.RoleAssistant:
			fmt.Fprintf(&b, "[assistant]: %s\n", m.Content)
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "[assistant] called %s(%s) id=%s\n", tc.Function.Name, tc.Function.Arguments, tc.ID)
			}
		case provider.RoleTool:
			fmt.Fprintf(&b, "[tool %s]: %s\n", m.ToolCallID, m.Content)
		case provider.RoleUser, provider.RoleSystem:
			fmt.Fprintf(&b, "[%s]: %s\n", m.Role, m.Content)
		}
	}
	return b.String()
}
