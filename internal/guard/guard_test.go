package guard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/turnkeeper/internal/cache"
	"github.com/nidhogg/turnkeeper/internal/clock"
	"github.com/nidhogg/turnkeeper/internal/provider"
	"go.uber.org/zap"
)

type fakeRouter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
	keys  []string
}

func (f *fakeRouter) Route(_ context.Context, key string, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.ChatResponse{Content: f.reply}, nil
}

type fakeBackend struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeBackend) Moderate(_ context.Context, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return strings.Contains(text, "attack"), nil
}

func newModerator(b ModerationBackend) *Moderator {
	c := cache.New[bool](cache.Config{TTL: time.Hour, Capacity: 10}, clock.Real(), zap.NewNop())
	return NewModerator(b, c, zap.NewNop())
}

func newClassifier(r Router) *Classifier {
	c := cache.New[Classification](cache.Config{TTL: time.Hour, Capacity: 10}, clock.Real(), zap.NewNop())
	return NewClassifier(r, "classifier-model", c, zap.NewNop())
}

func TestModerator_IsSafe(t *testing.T) {
	b := &fakeBackend{}
	m := newModerator(b)
	ctx := context.Background()

	if !m.IsSafe(ctx, "   ") || b.calls != 0 {
		t.Errorf("blank input should be safe without a backend call")
	}
	if m.IsSafe(ctx, "plan an attack") {
		t.Error("flagged input reported safe")
	}
	if !m.IsSafe(ctx, "refund policy") {
		t.Error("clean input reported unsafe")
	}
	m.IsSafe(ctx, "plan an attack")
	if b.calls != 2 {
		t.Errorf("backend called %d times, want 2 (one cached)", b.calls)
	}
}

func TestModerator_FailsOpen(t *testing.T) {
	b := &fakeBackend{err: errors.New("timeout")}
	m := newModerator(b)
	if !m.IsSafe(context.Background(), "plan an attack") {
		t.Error("backend failure should allow input")
	}
	b.err = nil
	if m.IsSafe(context.Background(), "plan an attack") {
		t.Error("failure must not be cached")
	}
}

func TestRouterModeration(t *testing.T) {
	tests := []struct {
		reply   string
		flagged bool
		wantErr bool
	}{
		{"SAFE", false, false},
		{"unsafe.", true, false},
		{" Safe\n", false, false},
		{"maybe", false, true},
	}
	for _, tt := range tests {
		r := &fakeRouter{reply: tt.reply}
		flagged, err := NewRouterModeration(r, "m").Moderate(context.Background(), "text")
		if (err != nil) != tt.wantErr || flagged != tt.flagged {
			t.Errorf("reply %q: got %v, %v", tt.reply, flagged, err)
		}
		if r.keys[0] != RouteKey {
			t.Errorf("routed via %q", r.keys[0])
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  Classification
	}{
		{
			name:  "greeting with subtype",
			reply: `{"intent":"TRIVIAL","confidence":0.97,"subtype":"thanks"}`,
			want:  Classification{Intent: IntentTrivial, Confidence: 0.97, Metadata: map[string]string{"type": "thanks"}},
		},
		{
			name:  "fenced json",
			reply: "```json\n{\"intent\":\"consultant\",\"confidence\":0.88,\"subtype\":null}\n```",
			want:  Classification{Intent: IntentConsultant, Confidence: 0.88},
		},
		{
			name:  "unknown label",
			reply: `{"intent":"SMALLTALK","confidence":0.99}`,
			want:  Classification{Intent: IntentFAQ, Confidence: 0.6},
		},
		{
			name:  "missing fields",
			reply: `{}`,
			want:  Classification{Intent: IntentFAQ, Confidence: 0.8},
		},
		{
			name:  "subtype ignored unless trivial",
			reply: `{"intent":"OTHER","confidence":0.7,"subtype":"greeting"}`,
			want:  Classification{Intent: IntentOther, Confidence: 0.7},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClassifier(&fakeRouter{reply: tt.reply})
			got, err := c.Classify(context.Background(), "what is the refund policy")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Intent != tt.want.Intent || got.Confidence != tt.want.Confidence ||
				got.Metadata["type"] != tt.want.Metadata["type"] || len(got.Metadata) != len(tt.want.Metadata) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClassify_BlankIsGreeting(t *testing.T) {
	r := &fakeRouter{}
	got, err := newClassifier(r).Classify(context.Background(), "  ")
	if err != nil {
		t.Fatal(err)
	}
	if got.Intent != IntentTrivial || got.Confidence != 0.95 || got.Metadata["type"] != "greeting" {
		t.Errorf("got %+v", got)
	}
	if r.calls != 0 {
		t.Error("blank input should not reach the backend")
	}
}

func TestClassify_FallbackAndCache(t *testing.T) {
	r := &fakeRouter{err: errors.New("503")}
	c := newClassifier(r)
	ctx := context.Background()

	got, err := c.Classify(ctx, "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if got.Intent != IntentFAQ || got.Confidence != 0.5 {
		t.Errorf("fallback = %+v", got)
	}

	r.err = nil
	r.reply = "not json at all"
	got, _ = c.Classify(ctx, "hello there")
	if got.Intent != IntentFAQ || got.Confidence != 0.5 {
		t.Errorf("unparseable reply should fall back, got %+v", got)
	}

	r.reply = `{"intent":"TRIVIAL","confidence":0.9,"subtype":"greeting"}`
	c.Classify(ctx, "hello there")
	c.Classify(ctx, " hello there ")
	if r.calls != 3 {
		t.Errorf("router called %d times, want 3 (last lookup cached)", r.calls)
	}
}

func TestClassify_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &fakeRouter{err: context.Canceled}
	if _, err := newClassifier(r).Classify(ctx, "refund policy"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunChecks(t *testing.T) {
	r := &fakeRouter{reply: `{"intent":"FAQ","confidence":0.93}`}
	g := New(newModerator(&fakeBackend{}), newClassifier(r))
	ctx := context.Background()

	v, err := g.RunChecks(ctx, "what is the refund policy")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Safe || v.Intent != IntentFAQ || v.Confidence != 0.93 {
		t.Errorf("verdict = %+v", v)
	}

	v, err = g.RunChecks(ctx, "plan an attack")
	if err != nil {
		t.Fatal(err)
	}
	if v.Safe || v.Intent != IntentOther || v.Confidence != 1 {
		t.Errorf("unsafe verdict = %+v", v)
	}
}

func TestRunChecks_Disabled(t *testing.T) {
	v, err := New(nil, nil).RunChecks(context.Background(), "plan an attack")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Safe || v.Intent != IntentFAQ {
		t.Errorf("verdict = %+v", v)
	}
}
