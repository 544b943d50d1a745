package provider

import (
	"context"
	"sort"
	"strings"
)

// Collect drains a stream into a single response. Tool call fragments
// are joined by index and the last usage report wins. A chunk error
// aborts collection.
func Collect(ctx context.Context, ch <-chan *StreamChunk) (*ChatResponse, error) {
	resp := &ChatResponse{}
	var content strings.Builder
	calls := make(map[int]*ToolCall)
	args := make(map[int]*strings.Builder)

	for {
		var chunk *StreamChunk
		var ok bool
		select {
		case chunk, ok = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !ok {
			break
		}
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.ID != "" {
			resp.ID = chunk.ID
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		content.WriteString(chunk.Content)
		for _, d := range chunk.ToolCalls {
			tc, exists := calls[d.Index]
			if !exists {
				tc = &ToolCall{Type: "function"}
				calls[d.Index] = tc
				args[d.Index] = &strings.Builder{}
			}
			if d.ID != "" {
				tc.ID = d.ID
			}
			if d.Name != "" {
				tc.Function.Name = d.Name
			}
			args[d.Index].WriteString(d.Arguments)
		}
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
		if chunk.Done {
			break
		}
	}

	resp.Content = content.String()
	if len(calls) > 0 {
		idx := make([]int, 0, len(calls))
		for i := range calls {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			tc := calls[i]
			tc.Function.Arguments = args[i].String()
			resp.ToolCalls = append(resp.ToolCalls, *tc)
		}
	}
	return resp, nil
}
