// Package turn drives a single conversation turn end to end: guard
// checks, retrieval, the bounded context window, completion with tools
// and usage accounting.
package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/turnkeeper/internal/guard"
	"github.com/nidhogg/turnkeeper/internal/provider"
	"github.com/nidhogg/turnkeeper/internal/retrieval"
	"github.com/nidhogg/turnkeeper/internal/usage"
	"go.uber.org/zap"
)

// RouteKey is the router binding used for turn completions.
const RouteKey = "turn"

// ErrEmptyMessage is returned for a turn without user text.
var ErrEmptyMessage = errors.New("empty user message")

// Window is the context window the runner reads from and records into.
// window.Manager implements it.
type Window interface {
	PrepareTurnInput(ctx context.Context, conversationID string) ([]provider.Message, error)
	RecordTurnResult(ctx context.Context, conversationID string, newMsgs []provider.Message, rec *usage.Record) error
	GetUsage(conversationID string) (*usage.Record, bool)
}

// Streamer opens a streamed completion. provider.Router implements it.
type Streamer interface {
	RouteStream(ctx context.Context, key string, req *provider.ChatRequest) (<-chan *provider.StreamChunk, error)
}

// Publisher announces a conversation's cumulative usage.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, rec *usage.Record) error
}

// Config tunes a Runner.
type Config struct {
	Model         string `json:"model" yaml:"model"`
	SystemPrompt  string `json:"system_prompt" yaml:"system_prompt"`
	MaxTokens     int    `json:"max_tokens" yaml:"max_tokens"`
	MaxToolRounds int    `json:"max_tool_rounds" yaml:"max_tool_rounds"`
	TopK          int    `json:"top_k" yaml:"top_k"`
}

const defaultSystemPrompt = "You are a helpful assistant. Answer from the retrieved context when it is relevant and say so when you do not know."

// Request is one user message for a conversation.
type Request struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	Message        string `json:"message"`
}

// Result describes a completed turn.
type Result struct {
	ConversationID string             `json:"conversation_id"`
	Reply          string             `json:"reply"`
	Intent         guard.Intent       `json:"intent,omitempty"`
	Confidence     float64            `json:"confidence,omitempty"`
	Refused        bool               `json:"refused"`
	Rounds         int                `json:"rounds"`
	Messages       []provider.Message `json:"messages"`
	Usage          *usage.Record      `json:"usage,omitempty"`
	Total          *usage.Record      `json:"total,omitempty"`
}

// Runner executes turns. Guard, searcher and publisher are optional.
type Runner struct {
	window    Window
	router    Streamer
	guard     *guard.Guard
	searcher  retrieval.Searcher
	publisher Publisher
	tools     *ToolRegistry
	cfg       Config
	logger    *zap.Logger
}

// NewRunner creates a runner with an empty tool registry.
func NewRunner(w Window, router Streamer, cfg Config, logger *zap.Logger) *Runner {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 5
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Runner{
		window: w,
		router: router,
		tools:  NewToolRegistry(),
		cfg:    cfg,
		logger: logger,
	}
}

// SetGuard enables moderation and intent classification.
func (r *Runner) SetGuard(g *guard.Guard) { r.guard = g }

// SetSearcher enables retrieval context and the search_documents tool.
func (r *Runner) SetSearcher(s retrieval.Searcher) {
	r.searcher = s
	RegisterSearchTool(r.tools, s, r.cfg.TopK)
}

// SetPublisher enables usage notifications after each turn.
func (r *Runner) SetPublisher(p Publisher) { r.publisher = p }

// Tools returns the runner's tool registry.
func (r *Runner) Tools() *ToolRegistry { return r.tools }

// Run executes one turn and records it in the window.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("run turn: empty conversation id")
	}
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	ctx = WithUser(ctx, req.UserID)

	verdict := guard.Verdict{Safe: true, Classification: guard.Classification{Intent: guard.IntentFAQ}}
	if r.guard != nil {
		v, err := r.guard.RunChecks(ctx, req.Message)
		if err != nil {
			return nil, fmt.Errorf("guard checks: %w", err)
		}
		verdict = v
	}

	userMsg := provider.Message{ID: uuid.New().String(), Role: provider.RoleUser, Content: req.Message}
	if !verdict.Safe {
		r.logger.Info("refusing flagged input", zap.String("conversation", req.ConversationID))
		return r.finish(ctx, req.ConversationID, verdict, []provider.Message{
			userMsg,
			{ID: uuid.New().String(), Role: provider.RoleAssistant, Content: guard.Refusal},
		}, nil, 0, true)
	}

	history, err := r.window.PrepareTurnInput(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("prepare turn input: %w", err)
	}

	msgs := []provider.Message{{Role: provider.RoleSystem, Content: r.cfg.SystemPrompt}}
	if docs := r.retrieve(ctx, req, verdict.Intent); docs != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: docs})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, userMsg)
	prefix := len(msgs) - 1

	chat := &provider.ChatRequest{
		Model:     r.cfg.Model,
		Messages:  msgs,
		MaxTokens: r.cfg.MaxTokens,
	}

	var (
		turnUsage *usage.Record
		resp      *provider.ChatResponse
		rounds    int
	)
	for rounds < r.cfg.MaxToolRounds {
		rounds++
		chat.Tools, chat.ToolChoice = nil, ""
		if defs := r.tools.Definitions(); len(defs) > 0 && rounds < r.cfg.MaxToolRounds {
			chat.Tools, chat.ToolChoice = defs, "auto"
		}

		resp, err = r.complete(ctx, chat)
		if err != nil {
			return nil, err
		}
		// A zero stamp keeps the turn total unstamped, so the ledger adds
		// it to the conversation rather than treating it as a snapshot.
		turnUsage = usage.Merge(turnUsage, resp.Usage.Record(), time.Time{})

		if len(resp.ToolCalls) == 0 || chat.Tools == nil {
			break
		}

		assistant := resp.Message()
		assistant.ID = uuid.New().String()
		chat.Messages = append(chat.Messages, assistant)
		for _, tc := range resp.ToolCalls {
			result, toolErr := r.tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			if toolErr != nil {
				r.logger.Warn("tool call failed",
					zap.String("tool", tc.Function.Name), zap.Error(toolErr))
				result = toolError(toolErr)
			}
			chat.Messages = append(chat.Messages, provider.Message{
				ID:         uuid.New().String(),
				Role:       provider.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
		r.logger.Debug("tool round complete",
			zap.Int("round", rounds),
			zap.Int("tool_calls", len(resp.ToolCalls)))
	}

	final := provider.Message{ID: uuid.New().String(), Role: provider.RoleAssistant, Content: resp.Content}
	newMsgs := append(chat.Messages[prefix:len(chat.Messages):len(chat.Messages)], final)
	return r.finish(ctx, req.ConversationID, verdict, newMsgs, turnUsage, rounds, false)
}

func (r *Runner) complete(ctx context.Context, chat *provider.ChatRequest) (*provider.ChatResponse, error) {
	ch, err := r.router.RouteStream(ctx, RouteKey, chat)
	if err != nil {
		return nil, fmt.Errorf("open completion: %w", err)
	}
	resp, err := provider.Collect(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("collect completion: %w", err)
	}
	return resp, nil
}

// retrieve returns formatted context for questions. Search failures
// leave the turn without context.
func (r *Runner) retrieve(ctx context.Context, req Request, intent guard.Intent) string {
	if r.searcher == nil || (intent != guard.IntentFAQ && intent != guard.IntentConsultant) {
		return ""
	}
	var filter map[string]string
	if req.UserID != "" {
		filter = map[string]string{retrieval.FieldUserID: req.UserID}
	}
	results, err := r.searcher.Search(ctx, req.Message, r.cfg.TopK, filter)
	if err != nil {
		r.logger.Warn("retrieval failed", zap.String("conversation", req.ConversationID), zap.Error(err))
		return ""
	}
	return retrieval.FormatContext(results)
}

func (r *Runner) finish(ctx context.Context, conversationID string, v guard.Verdict, msgs []provider.Message, rec *usage.Record, rounds int, refused bool) (*Result, error) {
	if err := r.window.RecordTurnResult(ctx, conversationID, msgs, rec); err != nil {
		return nil, fmt.Errorf("record turn: %w", err)
	}
	total, _ := r.window.GetUsage(conversationID)
	if r.publisher != nil && total != nil {
		if err := r.publisher.Publish(ctx, conversationID, total); err != nil {
			r.logger.Warn("publish usage failed",
				zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	return &Result{
		ConversationID: conversationID,
		Reply:          msgs[len(msgs)-1].Content,
		Intent:         v.Intent,
		Confidence:     v.Confidence,
		Refused:        refused,
		Rounds:         rounds,
		Messages:       msgs,
		Usage:          rec,
		Total:          total,
	}, nil
}
