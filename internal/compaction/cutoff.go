package compaction

import "github.com/nidhogg/turnkeeper/internal/provider"

// FindCutoff returns the latest index at or below len(msgs)-keepFloor at
// which the log can be cut without separating an assistant tool call
// from any of its tool results. It returns 0 when there is not enough
// history or no safe index exists.
//
// Calls and results are paired across the whole log, not within a fixed
// look-around radius of the candidate, so a pair of any width is kept
// together. Each candidate is checked against every span: the cost is
// O(len(msgs) * spans) rather than bounded by a radius.
func FindCutoff(msgs []provider.Message, keepFloor int) int {
	if keepFloor < 0 {
		keepFloor = 0
	}
	if len(msgs) <= keepFloor {
		return 0
	}
	spans := toolSpans(msgs)
	for i := len(msgs) - keepFloor; i >= 0; i-- {
		if !spans.straddle(i) {
			return i
		}
	}
	return 0
}

// IsSafeCutoff reports whether cutting msgs at index i keeps every tool
// call on the same side as all of its results.
func IsSafeCutoff(msgs []provider.Message, i int) bool {
	if i >= len(msgs) {
		return true
	}
	return !toolSpans(msgs).straddle(i)
}

// span covers an assistant tool-call message at call and its last
// matching tool result at last.
type span struct {
	call int
	last int
}

type spanSet []span

// straddle reports whether a cut at i puts a call before i and one of its
// results at or after i.
func (s spanSet) straddle(i int) bool {
	for _, sp := range s {
		if sp.call < i && sp.last >= i {
			return true
		}
	}
	return false
}

// toolSpans pairs each assistant tool-call message with the furthest
// later tool result answering one of its calls. Results that precede
// their call never straddle a cut that the call does not, so they are
// ignored. The whole log is scanned once.
func toolSpans(msgs []provider.Message) spanSet {
	owner := make(map[string]int)
	last := make(map[int]int)
	var order []int

	for j, m := range msgs {
		switch m.Role {
		case provider.RoleAssistant:
			ids := m.CallIDs()
			if len(ids) == 0 {
				continue
			}
			for _, id := range ids {
				owner[id] = j
			}
			order = append(order, j)
		case provider.RoleTool:
			if !m.IsToolResult() {
				continue
			}
			p, ok := owner[m.ToolCallID]
			if !ok {
				continue
			}
			if j > last[p] {
				last[p] = j
			}
		case provider.RoleUser, provider.RoleSystem:
		}
	}

	spans := make(spanSet, 0, len(order))
	for _, p := range order {
		if l, ok := last[p]; ok {
			spans = append(spans, span{call: p, last: l})
		}
	}
	return spans
}

// Violation describes a tool result whose call is missing from the log.
type Violation struct {
	Index      int
	ToolCallID string
}

// PairingViolations lists tool results in msgs that reference a call ID
// not emitted by an earlier assistant message in msgs.
func PairingViolations(msgs []provider.Message) []Violation {
	seen := make(map[string]struct{})
	var out []Violation
	for i, m := range msgs {
		switch m.Role {
		case provider.RoleAssistant:
			for _, id := range m.CallIDs() {
				seen[id] = struct{}{}
			}
		case provider.RoleTool:
			if _, ok := seen[m.ToolCallID]; !ok {
				out = append(out, Violation{Index: i, ToolCallID: m.ToolCallID})
			}
		case provider.RoleUser, provider.RoleSystem:
		}
	}
	return out
}
