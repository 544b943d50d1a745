package window

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/turnkeeper/internal/provider"
	"github.com/nidhogg/turnkeeper/internal/usage"
)

var (
	// ErrUnknownConversation is returned for conversations with no state.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrInvalidMessage is returned when a recorded message has an
	// unknown role or breaks the tool call shape rules.
	ErrInvalidMessage = errors.New("invalid message")
)

// MessageLog is the durable, append-only conversation log.
type MessageLog interface {
	Append(ctx context.Context, conversationID string, msgs []provider.Message) error
	// Read returns the oldest-first log; limit <= 0 means everything.
	Read(ctx context.Context, conversationID string, limit int) ([]provider.Message, error)
}

// MarkStore persists the last compaction mark of a conversation.
type MarkStore interface {
	SaveMark(ctx context.Context, conversationID string, mark CompactionMark) error
	// LoadMark returns nil, nil when the conversation was never compacted.
	LoadMark(ctx context.Context, conversationID string) (*CompactionMark, error)
}

// UsageStore persists the latest cumulative usage snapshot.
type UsageStore interface {
	SaveUsage(ctx context.Context, conversationID string, rec *usage.Record) error
	LoadUsage(ctx context.Context, conversationID string) (*usage.Record, error)
}

// CompactionMark records the boundary of the last compaction.
// PersistedCount is the number of logged messages the summary replaces;
// the live view is the summary followed by the log from that index.
type CompactionMark struct {
	Cutoff         int       `json:"cutoff"`
	SummaryID      string    `json:"summary_id"`
	Summary        string    `json:"summary"`
	CompactedAt    time.Time `json:"compacted_at"`
	PersistedCount int       `json:"persisted_count"`
	Degraded       bool      `json:"degraded,omitempty"`
}

// SummaryMessage rebuilds the summary message the mark stands for.
func (m CompactionMark) SummaryMessage() provider.Message {
	return provider.Message{ID: m.SummaryID, Role: provider.RoleUser, Content: m.Summary}
}
