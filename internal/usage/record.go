package usage

import (
	"encoding/json"
	"time"
)

// Record is a snapshot of token consumption. A zero ObservedAt means the
// record is unstamped: it describes a single call rather than a
// cumulative total observed at a point in time.
type Record struct {
	InputTokens   int64            `json:"input_tokens"`
	OutputTokens  int64            `json:"output_tokens"`
	TotalTokens   int64            `json:"total_tokens"`
	InputDetails  map[string]int64 `json:"input_token_details,omitempty"`
	OutputDetails map[string]int64 `json:"output_token_details,omitempty"`
	ObservedAt    time.Time        `json:"observed_at,omitempty"`
}

// Stamped reports whether the record carries an observation time.
func (r *Record) Stamped() bool {
	return r != nil && !r.ObservedAt.IsZero()
}

// Valid reports whether r can take part in a merge. Negative counts are
// malformed and the record is then treated as absent.
func (r *Record) Valid() bool {
	if r == nil {
		return false
	}
	if r.InputTokens < 0 || r.OutputTokens < 0 || r.TotalTokens < 0 {
		return false
	}
	for _, v := range r.InputDetails {
		if v < 0 {
			return false
		}
	}
	for _, v := range r.OutputDetails {
		if v < 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.InputDetails = cloneDetails(r.InputDetails)
	out.OutputDetails = cloneDetails(r.OutputDetails)
	return &out
}

// Equal reports whether a and b hold the same counts and timestamp.
func Equal(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.InputTokens == b.InputTokens &&
		a.OutputTokens == b.OutputTokens &&
		a.TotalTokens == b.TotalTokens &&
		a.ObservedAt.Equal(b.ObservedAt) &&
		detailsEqual(a.InputDetails, b.InputDetails) &&
		detailsEqual(a.OutputDetails, b.OutputDetails)
}

// wireRecord uses pointers for the required fields so a missing field
// can be told apart from a zero count.
type wireRecord struct {
	InputTokens   *int64           `json:"input_tokens"`
	OutputTokens  *int64           `json:"output_tokens"`
	TotalTokens   *int64           `json:"total_tokens"`
	InputDetails  map[string]int64 `json:"input_token_details"`
	OutputDetails map[string]int64 `json:"output_token_details"`
	ObservedAt    *time.Time       `json:"observed_at"`
}

// Decode parses a JSON usage payload. It returns nil when the payload is
// malformed or lacks input_tokens/output_tokens, so callers can hand the
// result straight to Merge.
func Decode(data []byte) *Record {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil
	}
	if w.InputTokens == nil || w.OutputTokens == nil {
		return nil
	}
	r := &Record{
		InputTokens:   *w.InputTokens,
		OutputTokens:  *w.OutputTokens,
		InputDetails:  w.InputDetails,
		OutputDetails: w.OutputDetails,
	}
	if w.TotalTokens != nil {
		r.TotalTokens = *w.TotalTokens
	} else {
		r.TotalTokens = r.InputTokens + r.OutputTokens
	}
	if w.ObservedAt != nil {
		r.ObservedAt = *w.ObservedAt
	}
	if !r.Valid() {
		return nil
	}
	return r
}

func cloneDetails(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func detailsEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
