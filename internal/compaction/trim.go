package compaction

import (
	"unicode/utf8"

	"github.com/nidhogg/turnkeeper/internal/provider"
)

// TrimForSummary keeps the newest messages of msgs that fit in maxTokens
// so the summarization request has a bounded cost. A leading system
// message is kept when it fits. The message that overflows the budget is
// included partially, keeping the tail of its content. The kept window
// then starts at its first user message; if there is none the result is
// empty.
func TrimForSummary(msgs []provider.Message, maxTokens int) []provider.Message {
	if len(msgs) == 0 || maxTokens <= 0 {
		return nil
	}

	var system *provider.Message
	body := msgs
	budget := maxTokens
	if msgs[0].Role == provider.RoleSystem {
		if cost := EstimateMessage(msgs[0]); cost <= budget {
			first := msgs[0]
			system = &first
			budget -= cost
		}
		body = msgs[1:]
	}

	var kept []provider.Message
	for i := len(body) - 1; i >= 0; i-- {
		m := body[i]
		cost := EstimateMessage(m)
		if cost <= budget {
			kept = append(kept, m)
			budget -= cost
			continue
		}
		if partial, ok := truncateToFit(m, budget); ok {
			kept = append(kept, partial)
		}
		break
	}
	reverse(kept)

	start := -1
	for i, m := range kept {
		if m.Role == provider.RoleUser {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	kept = kept[start:]

	if system != nil {
		kept = append([]provider.Message{*system}, kept...)
	}
	return kept
}

// truncateToFit returns a copy of m whose content tail fits in budget
// tokens. The cut lands on a rune boundary. Tool-call messages are never
// cut.
func truncateToFit(m provider.Message, budget int) (provider.Message, bool) {
	if len(m.ToolCalls) > 0 {
		return provider.Message{}, false
	}
	room := (budget - perMessageOverhead) * 4
	room -= len(m.Name) + len(m.ToolCallID)
	if room <= 0 || len(m.Content) == 0 {
		return provider.Message{}, false
	}
	if room >= len(m.Content) {
		return m, true
	}
	start := len(m.Content) - room
	for start < len(m.Content) && !utf8.RuneStart(m.Content[start]) {
		start++
	}
	if start == len(m.Content) {
		return provider.Message{}, false
	}
	out := m
	out.Content = m.Content[start:]
	return out, true
}

func reverse(msgs []provider.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
