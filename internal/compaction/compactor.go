package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/turnkeeper/internal/provider"
	"github.com/nidhogg/turnkeeper/internal/usage"
	"go.uber.org/zap"
)

// SummaryPrefix introduces the synthetic summary message.
const SummaryPrefix = "Here is a summary of the conversation to date:\n\n"

// Placeholder summaries used when no summary can be generated.
const (
	noHistorySummary = "No previous conversation history."
	tooLongSummary   = "Previous conversation was too long to summarize."
)

// Config holds compactor settings.
type Config struct {
	Threshold       int           // estimated tokens that trigger compaction
	KeepFloor       int           // most recent messages kept verbatim
	SummaryTokenCap int           // input cap for the summarization request
	SummaryTimeout  time.Duration // deadline for the summarizer call
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:       3000,
		KeepFloor:       20,
		SummaryTokenCap: 2500,
		SummaryTimeout:  30 * time.Second,
	}
}

// Result is the outcome of a compaction that took place.
type Result struct {
	Summary   provider.Message
	Preserved []provider.Message
	Cutoff    int
	Usage     *usage.Record // nil when no summarizer call succeeded
	Degraded  bool          // a placeholder summary was used
}

// Messages returns the replacement log: the summary then the preserved tail.
func (r *Result) Messages() []provider.Message {
	out := make([]provider.Message, 0, len(r.Preserved)+1)
	out = append(out, r.Summary)
	return append(out, r.Preserved...)
}

// Compactor decides when a log must be compacted and builds the
// replacement log.
type Compactor struct {
	config     Config
	summarizer Summarizer
	logger     *zap.Logger
}

// NewCompactor creates a compactor. Zero config fields take defaults;
// a zero KeepFloor is honoured.
func NewCompactor(cfg Config, summarizer Summarizer, logger *zap.Logger) *Compactor {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.KeepFloor < 0 {
		cfg.KeepFloor = def.KeepFloor
	}
	if cfg.SummaryTokenCap <= 0 {
		cfg.SummaryTokenCap = def.SummaryTokenCap
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = def.SummaryTimeout
	}
	return &Compactor{config: cfg, summarizer: summarizer, logger: logger}
}

// Config returns the effective settings.
func (c *Compactor) Config() Config { return c.config }

// NeedsCompaction reports whether msgs is over the trigger threshold.
func (c *Compactor) NeedsCompaction(msgs []provider.Message) bool {
	return EstimateTokens(msgs) >= c.config.Threshold
}

// Compact returns nil when msgs is under the threshold or has no safe
// cutoff. Otherwise it summarizes msgs[:cutoff] and returns the
// replacement. Summarizer failures degrade to a placeholder summary and
// are never returned.
func (c *Compactor) Compact(ctx context.Context, msgs []provider.Message) *Result {
	tokens := EstimateTokens(msgs)
	if tokens < c.config.Threshold {
		return nil
	}

	cutoff := FindCutoff(msgs, c.config.KeepFloor)
	if cutoff <= 0 {
		c.logger.Debug("no safe cutoff, skipping compaction",
			zap.Int("messages", len(msgs)),
			zap.Int("tokens", tokens))
		return nil
	}

	head := msgs[:cutoff]
	text, rec, degraded := c.summarize(ctx, head)

	preserved := make([]provider.Message, len(msgs)-cutoff)
	copy(preserved, msgs[cutoff:])

	c.logger.Info("compacted conversation history",
		zap.Int("tokens", tokens),
		zap.Int("cutoff", cutoff),
		zap.Int("preserved", len(preserved)),
		zap.Bool("degraded", degraded))

	return &Result{
		Summary: provider.Message{
			ID:      uuid.New().String(),
			Role:    provider.RoleUser,
			Content: SummaryPrefix + text,
		},
		Preserved: preserved,
		Cutoff:    cutoff,
		Usage:     rec,
		Degraded:  degraded,
	}
}

// summarize never fails: it falls back to placeholder text.
func (c *Compactor) summarize(ctx context.Context, head []provider.Message) (string, *usage.Record, bool) {
	if len(head) == 0 {
		return noHistorySummary, nil, true
	}
	trimmed := TrimForSummary(head, c.config.SummaryTokenCap)
	if len(trimmed) == 0 {
		return tooLongSummary, nil, true
	}
	if c.summarizer == nil {
		return "Error generating summary: no summarizer configured", nil, true
	}

	sctx, cancel := context.WithTimeout(ctx, c.config.SummaryTimeout)
	defer cancel()

	text, rec, err := c.summarizer.Summarize(sctx, trimmed)
	if err == nil && text == "" {
		err = errors.New("empty summary")
	}
	if err != nil {
		c.logger.Warn("history summarization failed, using placeholder",
			zap.Int("messages", len(trimmed)),
			zap.Error(err))
		return fmt.Sprintf("Error generating summary: %v", err), nil, true
	}
	return text, rec, false
}
