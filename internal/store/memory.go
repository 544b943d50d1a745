package store

import (
	"context"
	"sync"

	"github.com/nidhogg/turnkeeper/internal/provider"
	"github.com/nidhogg/turnkeeper/internal/usage"
	"github.com/nidhogg/turnkeeper/internal/window"
)

// MemoryLog is an in-process MessageLog, MarkStore and UsageStore. State
// does not survive a restart of the process.
type MemoryLog struct {
	mu    sync.RWMutex
	logs  map[string][]provider.Message
	ids   map[string]map[string]struct{}
	marks map[string]window.CompactionMark
	usage map[string]*usage.Record
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		logs:  make(map[string][]provider.Message),
		ids:   make(map[string]map[string]struct{}),
		marks: make(map[string]window.CompactionMark),
		usage: make(map[string]*usage.Record),
	}
}

// Append adds msgs to the log, skipping IDs already present.
func (l *MemoryLog) Append(_ context.Context, conversationID string, msgs []provider.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen, ok := l.ids[conversationID]
	if !ok {
		seen = make(map[string]struct{})
		l.ids[conversationID] = seen
	}
	for _, msg := range msgs {
		if msg.ID != "" {
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			seen[msg.ID] = struct{}{}
		}
		l.logs[conversationID] = append(l.logs[conversationID], msg)
	}
	return nil
}

// Read returns a copy of the log oldest first; a positive limit keeps
// only the newest messages.
func (l *MemoryLog) Read(_ context.Context, conversationID string, limit int) ([]provider.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	msgs := l.logs[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	out := make([]provider.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (l *MemoryLog) SaveMark(_ context.Context, conversationID string, mark window.CompactionMark) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[conversationID] = mark
	return nil
}

func (l *MemoryLog) LoadMark(_ context.Context, conversationID string) (*window.CompactionMark, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.marks[conversationID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// SaveUsage keeps the newest snapshot per conversation.
func (l *MemoryLog) SaveUsage(_ context.Context, conversationID string, rec *usage.Record) error {
	if !rec.Valid() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.usage[conversationID]; ok && cur.ObservedAt.After(rec.ObservedAt) {
		return nil
	}
	l.usage[conversationID] = rec.Clone()
	return nil
}

func (l *MemoryLog) LoadUsage(_ context.Context, conversationID string) (*usage.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.usage[conversationID].Clone(), nil
}

var (
	_ window.MessageLog = (*MemoryLog)(nil)
	_ window.MarkStore  = (*MemoryLog)(nil)
	_ window.UsageStore = (*MemoryLog)(nil)
	_ window.MessageLog = (*Store)(nil)
	_ window.MarkStore  = (*Store)(nil)
	_ window.UsageStore = (*Store)(nil)
)
