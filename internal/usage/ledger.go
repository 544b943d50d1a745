package usage

import (
	"sync"

	"github.com/nidhogg/turnkeeper/internal/clock"
	"go.uber.org/zap"
)

// Ledger keeps the running usage total per conversation.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*Record
	clock   clock.Clock
	logger  *zap.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(c clock.Clock, logger *zap.Logger) *Ledger {
	if c == nil {
		c = clock.Real()
	}
	return &Ledger{
		records: make(map[string]*Record),
		clock:   c,
		logger:  logger,
	}
}

// Fold merges rec into the conversation's running total and returns the
// new total. Folding the same stamped snapshot twice leaves the total
// unchanged.
func (l *Ledger) Fold(conversationID string, rec *Record) *Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	merged := Merge(l.records[conversationID], rec, l.clock.Now())
	l.records[conversationID] = merged

	l.logger.Debug("usage folded",
		zap.String("conversation", conversationID),
		zap.Int64("input", merged.InputTokens),
		zap.Int64("output", merged.OutputTokens),
		zap.Int64("total", merged.TotalTokens))
	return merged.Clone()
}

// Get returns a copy of the conversation's running total.
func (l *Ledger) Get(conversationID string) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[conversationID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Set installs a snapshot as the conversation's total, bypassing the
// merge. Used when restoring persisted state.
func (l *Ledger) Set(conversationID string, rec *Record) {
	if !rec.Valid() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[conversationID] = rec.Clone()
}

// Reset forgets a conversation's total.
func (l *Ledger) Reset(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, conversationID)
}
