package window

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nidhogg/turnkeeper/internal/clock"
	"github.com/nidhogg/turnkeeper/internal/compaction"
	"github.com/nidhogg/turnkeeper/internal/provider"
	"github.com/nidhogg/turnkeeper/internal/usage"
	"go.uber.org/zap"
)

// conversation is the in-memory state of one conversation.
type conversation struct {
	live       []provider.Message
	base       int  // log index of the first non-summary message in live
	summary    bool // live[0] is a compaction summary
	mark       *CompactionMark
	gen        uint64
	compacting bool
}

// Manager keeps the live context window of many conversations. It
// compacts before and after a turn and accounts usage after it.
type Manager struct {
	compactor *compaction.Compactor
	ledger    *usage.Ledger
	log       MessageLog
	marks     MarkStore
	usage     UsageStore
	clock     clock.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	convs   map[string]*conversation
	nextGen uint64
}

// NewManager creates a manager. log may be nil for a purely in-memory
// window.
func NewManager(compactor *compaction.Compactor, ledger *usage.Ledger, log MessageLog, c clock.Clock, logger *zap.Logger) *Manager {
	if c == nil {
		c = clock.Real()
	}
	return &Manager{
		compactor: compactor,
		ledger:    ledger,
		log:       log,
		clock:     c,
		logger:    logger,
		convs:     make(map[string]*conversation),
	}
}

// SetMarkStore enables persistence of compaction marks.
func (m *Manager) SetMarkStore(s MarkStore) { m.marks = s }

// SetUsageStore enables persistence of cumulative usage snapshots.
func (m *Manager) SetUsageStore(s UsageStore) { m.usage = s }

// Ledger returns the usage ledger shared by all conversations.
func (m *Manager) Ledger() *usage.Ledger { return m.ledger }

// PrepareTurnInput returns the message log to send with the next turn,
// compacting it first when it is over the token threshold. Compaction
// problems never fail the call; only reading the persisted log can.
func (m *Manager) PrepareTurnInput(ctx context.Context, conversationID string) ([]provider.Message, error) {
	if _, err := m.state(ctx, conversationID); err != nil {
		return nil, err
	}
	return m.compact(ctx, conversationID), nil
}

// compact summarizes the head of the live window when it is over the
// threshold and returns a copy of the resulting window. The summarizer
// runs without the lock; a result for a conversation that was reset or
// restored meanwhile is discarded.
func (m *Manager) compact(ctx context.Context, conversationID string) []provider.Message {
	m.mu.Lock()
	st, ok := m.convs[conversationID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	snapshot := cloneMessages(st.live)
	if st.compacting || !m.compactor.NeedsCompaction(snapshot) || !m.advances(st, snapshot) {
		m.mu.Unlock()
		return snapshot
	}
	st.compacting = true
	gen := st.gen
	m.mu.Unlock()

	res := m.compactor.Compact(ctx, snapshot)

	m.mu.Lock()
	st.compacting = false
	cur, ok := m.convs[conversationID]
	if res == nil || !ok || cur.gen != gen {
		if res != nil {
			m.logger.Info("conversation replaced during compaction, discarding summary",
				zap.String("conversation", conversationID))
		}
		var out []provider.Message
		if ok {
			out = cloneMessages(cur.live)
		}
		m.mu.Unlock()
		if res != nil && res.Usage != nil {
			m.foldUsage(ctx, conversationID, res.Usage)
		}
		return out
	}

	offset := 0
	if cur.summary {
		offset = 1
	}
	appended := cur.live[len(snapshot):]
	live := append(res.Messages(), appended...)
	mark := CompactionMark{
		Cutoff:         res.Cutoff,
		SummaryID:      res.Summary.ID,
		Summary:        res.Summary.Content,
		CompactedAt:    m.clock.Now(),
		PersistedCount: cur.base + res.Cutoff - offset,
		Degraded:       res.Degraded,
	}
	cur.live = live
	cur.base = mark.PersistedCount
	cur.summary = true
	cur.mark = &mark
	cur.gen = m.newGen()
	out := cloneMessages(live)
	m.mu.Unlock()

	if v := compaction.PairingViolations(out); len(v) > 0 {
		m.logger.Warn("compacted window has unpaired tool results",
			zap.String("conversation", conversationID),
			zap.Int("violations", len(v)))
	}
	m.logger.Debug("installed compacted window",
		zap.String("conversation", conversationID),
		zap.Int("persisted_count", mark.PersistedCount),
		zap.Int("kept", len(appended)),
		zap.Int("messages", len(out)))

	if res.Usage != nil {
		m.foldUsage(ctx, conversationID, res.Usage)
	}
	if m.marks != nil {
		if err := m.marks.SaveMark(ctx, conversationID, mark); err != nil {
			m.logger.Warn("save compaction mark failed",
				zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	return out
}

// advances reports whether compacting msgs would fold at least one
// logged message into the summary. A window holding only the previous
// summary before its cutoff is left alone. Must be called with mu held.
func (m *Manager) advances(st *conversation, msgs []provider.Message) bool {
	if !st.summary {
		return true
	}
	return compaction.FindCutoff(msgs, m.compactor.Config().KeepFloor) > 1
}

// RecordTurnResult appends the messages produced by a turn, folds the
// turn's usage into the ledger and then compacts the window when the
// turn took it over the threshold. Messages without an ID get one.
func (m *Manager) RecordTurnResult(ctx context.Context, conversationID string, newMsgs []provider.Message, rec *usage.Record) error {
	msgs := make([]provider.Message, len(newMsgs))
	for i, msg := range newMsgs {
		if err := validate(msg); err != nil {
			return fmt.Errorf("record turn message %d: %w", i, err)
		}
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		msgs[i] = msg
	}

	if _, err := m.state(ctx, conversationID); err != nil {
		return err
	}
	if m.log != nil && len(msgs) > 0 {
		if err := m.log.Append(ctx, conversationID, msgs); err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
	}

	m.mu.Lock()
	st, ok := m.convs[conversationID]
	if !ok {
		st = &conversation{gen: m.newGen()}
		m.convs[conversationID] = st
	}
	st.live = append(st.live, msgs...)
	m.mu.Unlock()

	m.foldUsage(ctx, conversationID, rec)
	m.compact(ctx, conversationID)
	return nil
}

// GetUsage returns the cumulative usage of a conversation.
func (m *Manager) GetUsage(conversationID string) (*usage.Record, bool) {
	return m.ledger.Get(conversationID)
}

// FoldUsage merges an externally delivered usage record, such as a
// cumulative snapshot from another process.
func (m *Manager) FoldUsage(ctx context.Context, conversationID string, rec *usage.Record) *usage.Record {
	return m.foldUsage(ctx, conversationID, rec)
}

// Messages returns a copy of the live window without compacting.
func (m *Manager) Messages(conversationID string) ([]provider.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.convs[conversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}
	return cloneMessages(st.live), nil
}

// Mark returns the last compaction mark, nil if never compacted.
func (m *Manager) Mark(conversationID string) (*CompactionMark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.convs[conversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}
	if st.mark == nil {
		return nil, nil
	}
	mark := *st.mark
	return &mark, nil
}

// Restore rebuilds a conversation from the persisted log, the last
// compaction mark and the last usage snapshot, replacing any in-memory
// state. A compaction in flight for it is discarded.
func (m *Manager) Restore(ctx context.Context, conversationID string) error {
	if m.log == nil {
		return fmt.Errorf("restore %s: no message log configured", conversationID)
	}
	st, rec, err := m.load(ctx, conversationID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	st.gen = m.newGen()
	m.convs[conversationID] = st
	m.mu.Unlock()
	if rec != nil {
		m.ledger.Set(conversationID, rec)
	}
	return nil
}

// Reset drops the in-memory state of a conversation.
func (m *Manager) Reset(conversationID string) {
	m.mu.Lock()
	delete(m.convs, conversationID)
	m.mu.Unlock()
	m.ledger.Reset(conversationID)
}

// state returns the conversation, restoring it from the log on first use.
func (m *Manager) state(ctx context.Context, conversationID string) (*conversation, error) {
	m.mu.Lock()
	st, ok := m.convs[conversationID]
	if ok || m.log == nil {
		if !ok {
			st = &conversation{gen: m.newGen()}
			m.convs[conversationID] = st
		}
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	loaded, rec, err := m.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.convs[conversationID]; ok {
		return st, nil
	}
	loaded.gen = m.newGen()
	m.convs[conversationID] = loaded
	if rec != nil {
		m.ledger.Set(conversationID, rec)
	}
	return loaded, nil
}

func (m *Manager) load(ctx context.Context, conversationID string) (*conversation, *usage.Record, error) {
	msgs, err := m.log.Read(ctx, conversationID, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("read log %s: %w", conversationID, err)
	}
	st := &conversation{live: msgs}

	if m.marks != nil {
		mark, err := m.marks.LoadMark(ctx, conversationID)
		switch {
		case err != nil:
			m.logger.Warn("load compaction mark failed, using full log",
				zap.String("conversation", conversationID), zap.Error(err))
		case mark != nil && mark.PersistedCount <= len(msgs):
			live := make([]provider.Message, 0, len(msgs)-mark.PersistedCount+1)
			live = append(live, mark.SummaryMessage())
			st.live = append(live, msgs[mark.PersistedCount:]...)
			st.base = mark.PersistedCount
			st.summary = true
			st.mark = mark
		case mark != nil:
			m.logger.Warn("compaction mark beyond log end, ignoring",
				zap.String("conversation", conversationID),
				zap.Int("persisted_count", mark.PersistedCount),
				zap.Int("logged", len(msgs)))
		}
	}

	var rec *usage.Record
	if m.usage != nil {
		rec, err = m.usage.LoadUsage(ctx, conversationID)
		if err != nil {
			m.logger.Warn("load usage snapshot failed",
				zap.String("conversation", conversationID), zap.Error(err))
			rec = nil
		}
	}

	m.logger.Info("restored conversation",
		zap.String("conversation", conversationID),
		zap.Int("logged", len(msgs)),
		zap.Int("live", len(st.live)))
	return st, rec, nil
}

func (m *Manager) foldUsage(ctx context.Context, conversationID string, rec *usage.Record) *usage.Record {
	total := m.ledger.Fold(conversationID, rec)
	if m.usage != nil {
		if err := m.usage.SaveUsage(ctx, conversationID, total); err != nil {
			m.logger.Warn("save usage snapshot failed",
				zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	return total
}

// newGen must be called with mu held.
func (m *Manager) newGen() uint64 {
	m.nextGen++
	return m.nextGen
}

func validate(msg provider.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidMessage, msg.Role)
	}
	switch msg.Role {
	case provider.RoleTool:
		if msg.ToolCallID == "" {
			return fmt.Errorf("%w: tool result without tool_call_id", ErrInvalidMessage)
		}
	case provider.RoleUser, provider.RoleSystem:
		if len(msg.ToolCalls) > 0 {
			return fmt.Errorf("%w: %s message with tool calls", ErrInvalidMessage, msg.Role)
		}
	case provider.RoleAssistant:
	}
	return nil
}

func cloneMessages(in []provider.Message) []provider.Message {
	if in == nil {
		return nil
	}
	out := make([]provider.Message, len(in))
	copy(out, in)
	return out
}
