package compaction

import "github.com/nidhogg/turnkeeper/internal/provider"

// perMessageOverhead approximates role and framing tokens.
const perMessageOverhead = 3

// EstimateTokens approximates the token cost of msgs at ~4 characters
// per token. It is only used for trigger decisions and never shrinks
// when a message is appended.
func EstimateTokens(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// EstimateMessage approximates the token cost of a single message.
func EstimateMessage(m provider.Message) int {
	chars := len(m.Content) + len(m.Name) + len(m.ToolCallID)
	for _, tc := range m.ToolCalls {
		chars += len(tc.ID) + len(tc.Function.Name) + len(tc.Function.Arguments)
	}
	return perMessageOverhead + estimateTokensStr(chars)
}

// estimateTokensStr rounds up so short strings still cost something.
func estimateTokensStr(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
