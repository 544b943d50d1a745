package window

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/turnkeeper/internal/clock"
	"github.com/nidhogg/turnkeeper/internal/compaction"
	"github.com/nidhogg/turnkeeper/internal/provider"
	"github.com/nidhogg/turnkeeper/internal/usage"
	"go.uber.org/zap"
)

// memStore is an in-test MessageLog, MarkStore and UsageStore.
type memStore struct {
	mu       sync.Mutex
	logs     map[string][]provider.Message
	marks    map[string]CompactionMark
	usage    map[string]*usage.Record
	readErr  error
	writeErr error
}

func newMemStore() *memStore {
	return &memStore{
		logs:  make(map[string][]provider.Message),
		marks: make(map[string]CompactionMark),
		usage: make(map[string]*usage.Record),
	}
}

func (s *memStore) Append(_ context.Context, id string, msgs []provider.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.logs[id] = append(s.logs[id], msgs...)
	return nil
}

func (s *memStore) Read(_ context.Context, id string, _ int) ([]provider.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	return append([]provider.Message(nil), s.logs[id]...), nil
}

func (s *memStore) SaveMark(_ context.Context, id string, mark CompactionMark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[id] = mark
	return nil
}

func (s *memStore) LoadMark(_ context.Context, id string) (*CompactionMark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.marks[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *memStore) SaveUsage(_ context.Context, id string, rec *usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[id] = rec.Clone()
	return nil
}

func (s *memStore) LoadUsage(_ context.Context, id string) (*usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[id].Clone(), nil
}

type stubSummarizer struct {
	rec     *usage.Record
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func (s *stubSummarizer) Summarize(ctx context.Context, msgs []provider.Message) (string, *usage.Record, error) {
	s.calls.Add(1)
	if s.entered != nil {
		s.once.Do(func() { close(s.entered) })
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	var rec *usage.Record
	if s.rec != nil {
		rec = s.rec.Clone()
	}
	return fmt.Sprintf("summary of %d messages", len(msgs)), rec, nil
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestManager(t *testing.T, s compaction.Summarizer, log MessageLog, threshold, floor int) (*Manager, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	logger := zap.NewNop()
	c := compaction.NewCompactor(compaction.Config{Threshold: threshold, KeepFloor: floor}, s, logger)
	return NewManager(c, usage.NewLedger(fc, logger), log, fc, logger), fc
}

// turnMessages builds n messages starting at log position from; a pair
// maps a tool call position to its result position.
func turnMessages(from, n int, pairs map[int]int) []provider.Message {
	results := make(map[int]int)
	for call, res := range pairs {
		results[res] = call
	}
	msgs := make([]provider.Message, n)
	for k := range msgs {
		i := from + k
		id := fmt.Sprintf("m%d", i)
		switch {
		case pairs[i] != 0:
			msgs[k] = provider.Message{ID: id, Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{{
				ID: fmt.Sprintf("call-%d", i), Type: "function",
				Function: provider.ToolCallFunction{Name: "search_documents", Arguments: `{}`},
			}}}
		case results[i] != 0:
			msgs[k] = provider.Message{ID: id, Role: provider.RoleTool, ToolCallID: fmt.Sprintf("call-%d", results[i]), Content: "found"}
		case i%2 == 0:
			msgs[k] = provider.Message{ID: id, Role: provider.RoleUser, Content: "question " + strings.Repeat("q", 40)}
		default:
			msgs[k] = provider.Message{ID: id, Role: provider.RoleAssistant, Content: "answer " + strings.Repeat("a", 40)}
		}
	}
	return msgs
}

func TestPrepareTurnInput_BelowThresholdUnchanged(t *testing.T) {
	m, _ := newTestManager(t, &stubSummarizer{}, nil, 1_000_000, 10)
	ctx := context.Background()

	msgs := turnMessages(0, 30, nil)
	if err := m.RecordTurnResult(ctx, "c1", msgs, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := m.PrepareTurnInput(ctx, "c1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(got) != 30 {
		t.Errorf("got %d messages, want 30", len(got))
	}
	if mark, _ := m.Mark("c1"); mark != nil {
		t.Errorf("unexpected mark %+v", mark)
	}
}

func TestPrepareTurnInput_EndToEnd(t *testing.T) {
	store := newMemStore()
	s := &stubSummarizer{rec: &usage.Record{InputTokens: 300, OutputTokens: 40, TotalTokens: 340}}
	m, _ := newTestManager(t, s, store, 100, 10)
	m.SetMarkStore(store)
	m.SetUsageStore(store)
	ctx := context.Background()

	msgs := turnMessages(0, 30, map[int]int{12: 15})
	if err := m.RecordTurnResult(ctx, "c1", msgs, nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := m.PrepareTurnInput(ctx, "c1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(got) != 11 {
		t.Fatalf("got %d messages, want 1 summary + 10 tail", len(got))
	}
	if !strings.HasPrefix(got[0].Content, compaction.SummaryPrefix) || got[0].Role != provider.RoleUser {
		t.Errorf("summary = %+v", got[0])
	}
	for i, msg := range got[1:] {
		if msg.ID != msgs[20+i].ID {
			t.Errorf("tail[%d] = %s, want %s", i, msg.ID, msgs[20+i].ID)
		}
	}
	if v := compaction.PairingViolations(got); len(v) != 0 {
		t.Errorf("violations: %+v", v)
	}

	mark, err := m.Mark("c1")
	if err != nil || mark == nil {
		t.Fatalf("mark = %v, %v", mark, err)
	}
	if mark.PersistedCount != 20 || mark.SummaryID != got[0].ID {
		t.Errorf("mark = %+v", mark)
	}
	if _, ok := store.marks["c1"]; !ok {
		t.Error("mark not persisted")
	}

	total, ok := m.GetUsage("c1")
	if !ok || total.TotalTokens != 340 {
		t.Errorf("usage = %+v, want summarizer usage folded", total)
	}
	if n := s.calls.Load(); n != 1 {
		t.Errorf("summarizer calls = %d, want 1", n)
	}
	if len(store.logs["c1"]) != 30 {
		t.Errorf("persisted log has %d messages, want the full 30", len(store.logs["c1"]))
	}
}

func TestPrepareTurnInput_SecondCompactionTracksLogPosition(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, &stubSummarizer{}, store, 100, 10)
	m.SetMarkStore(store)
	ctx := context.Background()

	if err := m.RecordTurnResult(ctx, "c1", turnMessages(0, 30, nil), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PrepareTurnInput(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordTurnResult(ctx, "c1", turnMessages(30, 20, nil), nil); err != nil {
		t.Fatal(err)
	}
	got, err := m.PrepareTurnInput(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}

	mark, _ := m.Mark("c1")
	if mark.PersistedCount != 40 {
		t.Errorf("persisted count = %d, want 40", mark.PersistedCount)
	}
	if len(got) != 11 || got[1].ID != "m40" {
		t.Errorf("window = %d messages starting at %s", len(got), got[1].ID)
	}
}

func TestCompaction_KeepsMessagesAppendedDuringSummary(t *testing.T) {
	s := &stubSummarizer{entered: make(chan struct{}), release: make(chan struct{})}
	m, _ := newTestManager(t, s, nil, 100, 10)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- m.RecordTurnResult(ctx, "c1", turnMessages(0, 30, nil), nil)
	}()

	<-s.entered
	late := provider.Message{ID: "late", Role: provider.RoleUser, Content: "still there?"}
	if err := m.RecordTurnResult(ctx, "c1", []provider.Message{late}, nil); err != nil {
		t.Fatalf("record during summary: %v", err)
	}
	close(s.release)

	if err := <-done; err != nil {
		t.Fatalf("record: %v", err)
	}
	live, _ := m.Messages("c1")
	if len(live) != 12 || live[len(live)-1].ID != "late" {
		t.Fatalf("live window has %d messages, last %s", len(live), live[len(live)-1].ID)
	}
	if n := s.calls.Load(); n != 1 {
		t.Errorf("summarizer calls = %d, want 1", n)
	}
}

func TestCompaction_ResetDuringSummaryDiscards(t *testing.T) {
	s := &stubSummarizer{entered: make(chan struct{}), release: make(chan struct{})}
	m, _ := newTestManager(t, s, nil, 100, 10)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- m.RecordTurnResult(ctx, "c1", turnMessages(0, 30, nil), nil)
	}()

	<-s.entered
	m.Reset("c1")
	close(s.release)

	if err := <-done; err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := m.Mark("c1"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("got %v, want ErrUnknownConversation", err)
	}
	if _, err := m.Messages("c1"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("got %v, want ErrUnknownConversation", err)
	}
}

func TestRestore(t *testing.T) {
	store := newMemStore()
	s := &stubSummarizer{rec: &usage.Record{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}
	m, _ := newTestManager(t, s, store, 100, 10)
	m.SetMarkStore(store)
	m.SetUsageStore(store)
	ctx := context.Background()

	turn := &usage.Record{InputTokens: 100, OutputTokens: 20, TotalTokens: 120}
	if err := m.RecordTurnResult(ctx, "c1", turnMessages(0, 30, nil), turn); err != nil {
		t.Fatal(err)
	}
	before, err := m.PrepareTurnInput(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	wantUsage, _ := m.GetUsage("c1")

	restarted, _ := newTestManager(t, s, store, 100, 10)
	restarted.SetMarkStore(store)
	restarted.SetUsageStore(store)
	if err := restarted.Restore(ctx, "c1"); err != nil {
		t.Fatalf("restore: %v", err)
	}

	after, err := restarted.Messages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("restored %d messages, want %d", len(after), len(before))
	}
	for i := range after {
		if after[i].ID != before[i].ID || after[i].Content != before[i].Content {
			t.Errorf("message %d: got %+v, want %+v", i, after[i], before[i])
		}
	}
	got, ok := restarted.GetUsage("c1")
	if !ok || !usage.Equal(got, wantUsage) {
		t.Errorf("usage = %+v, want %+v", got, wantUsage)
	}
	if wantUsage.TotalTokens != 135 {
		t.Errorf("total = %d, want turn + summary usage", wantUsage.TotalTokens)
	}
}

func TestPrepareTurnInput_LazyRestore(t *testing.T) {
	store := newMemStore()
	store.logs["c1"] = turnMessages(0, 4, nil)
	m, _ := newTestManager(t, &stubSummarizer{}, store, 1_000_000, 10)

	got, err := m.PrepareTurnInput(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Errorf("got %d messages, want the 4 logged", len(got))
	}
}

func TestRecordTurnResult_Usage(t *testing.T) {
	m, fc := newTestManager(t, &stubSummarizer{}, nil, 1_000_000, 10)
	ctx := context.Background()
	msg := func(id string) []provider.Message {
		return []provider.Message{{ID: id, Role: provider.RoleAssistant, Content: "ok"}}
	}

	if err := m.RecordTurnResult(ctx, "c1", msg("a"), &usage.Record{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}); err != nil {
		t.Fatal(err)
	}
	fc.Advance(time.Second)
	if err := m.RecordTurnResult(ctx, "c1", msg("b"), &usage.Record{InputTokens: 5, OutputTokens: 1, TotalTokens: 6}); err != nil {
		t.Fatal(err)
	}
	total, _ := m.GetUsage("c1")
	if total.TotalTokens != 18 {
		t.Fatalf("distinct calls: total = %d, want 18", total.TotalTokens)
	}

	// A re-delivered cumulative snapshot does not double count.
	snapshot := total.Clone()
	m.FoldUsage(ctx, "c1", snapshot)
	m.FoldUsage(ctx, "c1", snapshot)
	again, _ := m.GetUsage("c1")
	if !usage.Equal(again, total) {
		t.Errorf("after duplicate snapshots: %+v, want %+v", again, total)
	}

	// Malformed usage is ignored.
	if err := m.RecordTurnResult(ctx, "c1", msg("c"), &usage.Record{InputTokens: -1}); err != nil {
		t.Fatal(err)
	}
	if after, _ := m.GetUsage("c1"); after.TotalTokens != 18 {
		t.Errorf("malformed usage changed total to %d", after.TotalTokens)
	}
}

func TestRecordTurnResult_Errors(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, &stubSummarizer{}, store, 1_000_000, 10)
	ctx := context.Background()

	bad := []provider.Message{{Role: "robot", Content: "beep"}}
	if err := m.RecordTurnResult(ctx, "c1", bad, nil); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("got %v, want ErrInvalidMessage", err)
	}
	orphan := []provider.Message{{Role: provider.RoleTool, Content: "x"}}
	if err := m.RecordTurnResult(ctx, "c1", orphan, nil); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("got %v, want ErrInvalidMessage", err)
	}

	store.writeErr = errors.New("disk full")
	ok := []provider.Message{{Role: provider.RoleUser, Content: "hi"}}
	if err := m.RecordTurnResult(ctx, "c1", ok, nil); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("got %v, want append failure", err)
	}

	store.readErr = errors.New("connection refused")
	if _, err := m.PrepareTurnInput(ctx, "c2"); err == nil {
		t.Error("expected read failure for an unloaded conversation")
	}
}

func TestRecordTurnResult_AssignsIDs(t *testing.T) {
	m, _ := newTestManager(t, &stubSummarizer{}, nil, 1_000_000, 10)
	if err := m.RecordTurnResult(context.Background(), "c1", []provider.Message{{Role: provider.RoleUser, Content: "hi"}}, nil); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Messages("c1")
	if len(got) != 1 || got[0].ID == "" {
		t.Errorf("messages = %+v", got)
	}
}

func TestRecordTurnResult_CompactsOverThreshold(t *testing.T) {
	store := newMemStore()
	s := &stubSummarizer{rec: &usage.Record{InputTokens: 500, OutputTokens: 50, TotalTokens: 550}}
	m, _ := newTestManager(t, s, store, 100, 2)
	m.SetMarkStore(store)
	ctx := context.Background()

	msgs := make([]provider.Message, 10)
	for i := range msgs {
		msgs[i] = provider.Message{ID: fmt.Sprintf("u%d", i), Role: provider.RoleUser, Content: strings.Repeat("x", 200)}
	}
	turn := &usage.Record{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}
	if err := m.RecordTurnResult(ctx, "c1", msgs, turn); err != nil {
		t.Fatalf("record: %v", err)
	}

	if n := s.calls.Load(); n != 1 {
		t.Fatalf("summarizer calls = %d, want 1", n)
	}
	mark, err := m.Mark("c1")
	if err != nil || mark == nil {
		t.Fatalf("mark = %v, %v; want a compaction mark after the turn", mark, err)
	}
	if mark.PersistedCount != 8 {
		t.Errorf("persisted count = %d, want 8", mark.PersistedCount)
	}
	if _, ok := store.marks["c1"]; !ok {
		t.Error("mark not persisted")
	}

	live, _ := m.Messages("c1")
	if len(live) != 3 || live[1].ID != "u8" || live[2].ID != "u9" {
		t.Fatalf("live window = %d messages, want summary + u8, u9", len(live))
	}
	total, _ := m.GetUsage("c1")
	if total.TotalTokens != 562 {
		t.Errorf("total = %d, want turn + summary usage", total.TotalTokens)
	}

	// The next turn starts from the compacted window without another summary.
	got, err := m.PrepareTurnInput(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || s.calls.Load() != 1 {
		t.Errorf("prepare: %d messages, %d summarizer calls", len(got), s.calls.Load())
	}
}
