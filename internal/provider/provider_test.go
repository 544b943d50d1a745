package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestOpenAIChat_ToolCallsAndUsage(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing auth header")
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		fmt.Fprint(w, `{
			"id":"chatcmpl-1","model":"gpt-test",
			"choices":[{"message":{"role":"assistant","content":"",
				"tool_calls":[{"id":"call_1","type":"function","function":{"name":"search_documents","arguments":"{\"query\":\"refund\"}"}}]},
				"finish_reason":"tool_calls"}],
			"usage":{"prompt_tokens":120,"completion_tokens":15,"total_tokens":135,
				"prompt_tokens_details":{"cached_tokens":100}}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL + "/", APIKey: "sk-test"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model: "gpt-test",
		Messages: []Message{
			{ID: "local-1", Role: RoleUser, Content: "refund policy?"},
		},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	msgs := got["messages"].([]interface{})
	if _, leaked := msgs[0].(map[string]interface{})["id"]; leaked {
		t.Error("local message id was sent to the backend")
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "search_documents" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	rec := resp.Usage.Record()
	if rec.TotalTokens != 135 || rec.InputDetails["cached_tokens"] != 100 {
		t.Errorf("usage = %+v", rec)
	}
	if msg := resp.Message(); !msg.HasToolCalls() {
		t.Error("response message should carry tool calls")
	}
}

func TestOpenAIChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{Model: "m"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || !apiErr.Retryable() {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestOpenAIStream_CollectsToolCallsAndUsage(t *testing.T) {
	events := []string{
		`{"id":"c1","model":"gpt-test","choices":[{"delta":{"content":"Let me "}}]}`,
		`{"id":"c1","choices":[{"delta":{"content":"check."}}]}`,
		`{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"search_documents","arguments":""}}]}}]}`,
		`{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}`,
		`{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","choices":[],"usage":{"prompt_tokens":50,"completion_tokens":7,"total_tokens":57}}`,
	}
	var streamReq map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &streamReq)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	ch, err := p.ChatStream(context.Background(), &ChatRequest{Model: "gpt-test"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	resp, err := Collect(context.Background(), ch)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	opts, _ := streamReq["stream_options"].(map[string]interface{})
	if opts["include_usage"] != true {
		t.Errorf("stream_options = %v, want include_usage", streamReq["stream_options"])
	}
	if resp.Content != "Let me check." {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_9" || tc.Function.Arguments != `{"query":"x"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.FinishReason != "tool_calls" || resp.Usage.TotalTokens != 57 {
		t.Errorf("finish=%q usage=%+v", resp.FinishReason, resp.Usage)
	}
}

func TestCollect_PropagatesChunkError(t *testing.T) {
	ch := make(chan *StreamChunk, 2)
	ch <- &StreamChunk{Content: "partial"}
	ch <- &StreamChunk{Err: errors.New("connection reset")}
	close(ch)

	if _, err := Collect(context.Background(), ch); err == nil || !strings.Contains(err.Error(), "reset") {
		t.Errorf("got %v, want stream error", err)
	}
}

func TestAnthropicConvertRequest(t *testing.T) {
	p := NewAnthropicProvider(ProviderConfig{ID: "claude"}, zap.NewNop())
	ar := p.convertRequest(&ChatRequest{
		Model: "claude-test",
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "find refunds"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "tu_1", Type: "function", Function: ToolCallFunction{Name: "search_documents", Arguments: `{"query":"refund"}`}},
				{ID: "tu_2", Type: "function", Function: ToolCallFunction{Name: "search_documents", Arguments: `not json`}},
			}},
			{Role: RoleTool, ToolCallID: "tu_1", Content: "doc a"},
			{Role: RoleTool, ToolCallID: "tu_2", Content: "doc b"},
		},
		Tools: []Tool{{Type: "function", Function: ToolFunction{Name: "search_documents", Parameters: map[string]interface{}{"type": "object"}}}},
	})

	if ar.System != "be brief" || ar.MaxTokens != 4096 {
		t.Errorf("system=%q max=%d", ar.System, ar.MaxTokens)
	}
	if len(ar.Messages) != 3 {
		t.Fatalf("got %d turns, want user/assistant/user", len(ar.Messages))
	}
	results := ar.Messages[2]
	if results.Role != "user" || len(results.Content) != 2 || results.Content[1].ToolUseID != "tu_2" {
		t.Errorf("tool results turn = %+v", results)
	}
	if string(ar.Messages[1].Content[1].Input) != "{}" {
		t.Errorf("invalid arguments should be sent as {}, got %s", ar.Messages[1].Content[1].Input)
	}
	if len(ar.Tools) != 1 || ar.Tools[0].Name != "search_documents" {
		t.Errorf("tools = %+v", ar.Tools)
	}
}

func TestAnthropicStream(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"id":"msg_1","model":"claude-test","usage":{"input_tokens":80,"output_tokens":1,"cache_read_input_tokens":40}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Searching"}}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"search_documents"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":":\"q\"}"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":22}}`,
		`{"type":"message_stop"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "claude", Endpoint: srv.URL}, zap.NewNop())
	ch, err := p.ChatStream(context.Background(), &ChatRequest{Model: "claude-test", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	resp, err := Collect(context.Background(), ch)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if resp.ID != "msg_1" || resp.Content != "Searching" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Arguments != `{"query":"q"}` {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.PromptTokens != 80 || resp.Usage.CompletionTokens != 22 || resp.Usage.TotalTokens != 102 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Usage.PromptDetails["cached_tokens"] != 40 {
		t.Errorf("details = %+v", resp.Usage.PromptDetails)
	}
}

type stubProvider struct {
	id    string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: "from " + s.id}, nil
}
func (s *stubProvider) ChatStream(_ context.Context, _ *ChatRequest) (<-chan *StreamChunk, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *StreamChunk, 1)
	ch <- &StreamChunk{Content: "from " + s.id, Done: true}
	close(ch)
	return ch, nil
}
func (s *stubProvider) HealthCheck(_ context.Context) error { return nil }

func TestRouter(t *testing.T) {
	t.Run("no providers", func(t *testing.T) {
		r := NewRouter(zap.NewNop())
		if _, err := r.Route(context.Background(), "_compactor", &ChatRequest{}); !errors.Is(err, ErrNoProvider) {
			t.Errorf("got %v, want ErrNoProvider", err)
		}
	})

	t.Run("binding and fallback", func(t *testing.T) {
		primary := &stubProvider{id: "a", err: errors.New("down")}
		backup := &stubProvider{id: "b"}
		other := &stubProvider{id: "c"}

		r := NewRouter(zap.NewNop())
		r.Register(other)
		r.Register(primary)
		r.Register(backup)
		r.Bind("_compactor", "a")
		r.SetFallbacks("_compactor", []string{"missing", "b"})

		resp, err := r.Route(context.Background(), "_compactor", &ChatRequest{})
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if resp.Content != "from b" {
			t.Errorf("content = %q", resp.Content)
		}
		if other.calls != 0 {
			t.Error("default provider should not be used for a bound key")
		}

		resp, err = r.Route(context.Background(), "unbound", &ChatRequest{})
		if err != nil || resp.Content != "from c" {
			t.Errorf("unbound key: resp=%+v err=%v", resp, err)
		}
	})

	t.Run("stream fallback", func(t *testing.T) {
		primary := &stubProvider{id: "a", err: errors.New("down")}
		backup := &stubProvider{id: "b"}

		r := NewRouter(zap.NewNop())
		r.Register(primary)
		r.Register(backup)
		r.AddFallback("turn", "a")
		r.AddFallback("turn", "b")

		ch, err := r.RouteStream(context.Background(), "turn", &ChatRequest{})
		if err != nil {
			t.Fatalf("route stream: %v", err)
		}
		resp, err := Collect(context.Background(), ch)
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		if resp.Content != "from b" {
			t.Errorf("content = %q", resp.Content)
		}
		if primary.calls != 1 {
			t.Errorf("primary calls = %d, want 1 (not retried as its own fallback)", primary.calls)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		down := errors.New("down")
		r := NewRouter(zap.NewNop())
		r.Register(&stubProvider{id: "a", err: down})
		r.Register(&stubProvider{id: "b", err: down})
		r.SetFallbacks("turn", []string{"b"})

		if _, err := r.RouteStream(context.Background(), "turn", &ChatRequest{}); !errors.Is(err, down) {
			t.Errorf("err = %v, want wrapped backend error", err)
		}
		ids := []string{}
		for _, p := range r.ListProviders() {
			ids = append(ids, p.ID())
		}
		if strings.Join(ids, ",") != "a,b" {
			t.Errorf("providers = %v, want sorted by id", ids)
		}
	})
}

func TestOpenAIModerate(t *testing.T) {
	var model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/moderations" {
			http.NotFound(w, r)
			return
		}
		var req moderationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		model = req.Model
		flagged := strings.Contains(req.Input, "attack")
		fmt.Fprintf(w, `{"results":[{"flagged":%t,"categories":{"violence":%t}}]}`, flagged, flagged)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{
		ID: "oai", Endpoint: srv.URL, APIKey: "k",
		Extra: map[string]string{"moderation_model": "omni-moderation-latest"},
	}, zap.NewNop())

	flagged, err := p.Moderate(context.Background(), "plan an attack")
	if err != nil || !flagged {
		t.Errorf("Moderate(attack) = %v, %v", flagged, err)
	}
	flagged, err = p.Moderate(context.Background(), "refund policy")
	if err != nil || flagged {
		t.Errorf("Moderate(refund) = %v, %v", flagged, err)
	}
	if model != "omni-moderation-latest" {
		t.Errorf("model = %q", model)
	}
}
