package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/turnkeeper/internal/cache"
	"github.com/nidhogg/turnkeeper/internal/provider"
	"go.uber.org/zap"
)

// Intent is the coarse purpose of a user message.
type Intent string

const (
	IntentTrivial    Intent = "TRIVIAL"
	IntentFAQ        Intent = "FAQ"
	IntentConsultant Intent = "CONSULTANT"
	IntentOther      Intent = "OTHER"
)

func (i Intent) valid() bool {
	switch i {
	case IntentTrivial, IntentFAQ, IntentConsultant, IntentOther:
		return true
	}
	return false
}

// Classification is the classifier's verdict for one message.
type Classification struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

const classifyPrompt = `Classify the intent of the user message.

TRIVIAL: greetings, thanks, goodbye
- "hi", "thank you", "bye"

FAQ: questions about the product, its services or the documents it knows about
- "what is the refund policy", "how do I reset my password"

CONSULTANT: requests for a personal recommendation
- "which plan is best for me", "what do you recommend"

OTHER: topics unrelated to the product
- "weather today", "cooking recipes"

Respond JSON only:
{"intent":"TRIVIAL|FAQ|CONSULTANT|OTHER","confidence":0.9,"subtype":"greeting|thanks|goodbye|null"}`

// Classifier labels user messages with an Intent through a completion
// backend. Successful classifications are cached per message.
type Classifier struct {
	router Router
	model  string
	cache  *cache.Cache[Classification]
	logger *zap.Logger
}

// NewClassifier creates a classifier owning the given cache.
func NewClassifier(router Router, model string, c *cache.Cache[Classification], logger *zap.Logger) *Classifier {
	return &Classifier{router: router, model: model, cache: c, logger: logger}
}

// Classify labels text. Blank text is a greeting. When the backend fails
// the message is treated as a question with low confidence; only a
// cancelled ctx is returned as an error.
func (c *Classifier) Classify(ctx context.Context, text string) (Classification, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Classification{
			Intent:     IntentTrivial,
			Confidence: 0.95,
			Metadata:   map[string]string{"type": "greeting"},
		}, nil
	}

	parts := cache.KeyParts{Namespace: "intent", Query: text}
	result, err := c.cache.GetOrCompute(ctx, parts, func(ctx context.Context) (Classification, error) {
		return c.classify(ctx, text)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Classification{}, ctx.Err()
		}
		c.logger.Warn("classification failed, assuming FAQ", zap.Error(err))
		return Classification{Intent: IntentFAQ, Confidence: 0.5}, nil
	}
	return result, nil
}

type classifyReply struct {
	Intent     string   `json:"intent"`
	Confidence *float64 `json:"confidence"`
	Subtype    *string  `json:"subtype"`
}

func (c *Classifier) classify(ctx context.Context, text string) (Classification, error) {
	resp, err := c.router.Route(ctx, RouteKey, &provider.ChatRequest{
		Model: c.model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: classifyPrompt},
			{Role: provider.RoleUser, Content: text},
		},
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classify: %w", err)
	}
	return parseClassification(resp.Content)
}

// parseClassification decodes the JSON object in raw, tolerating code
// fences and surrounding prose.
func parseClassification(raw string) (Classification, error) {
	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return Classification{}, fmt.Errorf("classify: no JSON object in %q", raw)
	}
	var reply classifyReply
	if err := json.Unmarshal([]byte(raw[start:end+1]), &reply); err != nil {
		return Classification{}, fmt.Errorf("classify: decode reply: %w", err)
	}

	out := Classification{Intent: IntentFAQ, Confidence: 0.8}
	if reply.Intent != "" {
		out.Intent = Intent(strings.ToUpper(strings.TrimSpace(reply.Intent)))
	}
	if reply.Confidence != nil {
		out.Confidence = *reply.Confidence
	}
	if !out.Intent.valid() {
		out.Intent, out.Confidence = IntentFAQ, 0.6
	}
	if out.Intent == IntentTrivial && reply.Subtype != nil {
		if st := strings.TrimSpace(*reply.Subtype); st != "" && st != "null" {
			out.Metadata = map[string]string{"type": st}
		}
	}
	return out, nil
}

// Purge drops cached classifications.
func (c *Classifier) Purge() { c.cache.Purge() }
