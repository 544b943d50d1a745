package usage

import "time"

// Merge folds incoming into existing and returns the combined record.
// Neither argument is modified.
//
// The merge law:
//   - both absent: a zeroed record stamped with now;
//   - one absent: the other one, stamped with now if it was unstamped;
//   - both stamped: the record with the later ObservedAt, unchanged. A
//     stamped record is a cumulative snapshot, so seeing it again must
//     overwrite rather than add. Ties go to incoming;
//   - otherwise: field-wise sum, detail maps matched by key, stamped now.
//
// Invalid records (see Record.Valid) count as absent.
func Merge(existing, incoming *Record, now time.Time) *Record {
	if !existing.Valid() {
		existing = nil
	}
	if !incoming.Valid() {
		incoming = nil
	}

	switch {
	case existing == nil && incoming == nil:
		return &Record{ObservedAt: now}
	case existing == nil:
		return stamp(incoming, now)
	case incoming == nil:
		return stamp(existing, now)
	}

	if existing.Stamped() && incoming.Stamped() {
		if existing.ObservedAt.After(incoming.ObservedAt) {
			return existing.Clone()
		}
		return incoming.Clone()
	}

	return &Record{
		InputTokens:   existing.InputTokens + incoming.InputTokens,
		OutputTokens:  existing.OutputTokens + incoming.OutputTokens,
		TotalTokens:   existing.TotalTokens + incoming.TotalTokens,
		InputDetails:  addDetails(existing.InputDetails, incoming.InputDetails),
		OutputDetails: addDetails(existing.OutputDetails, incoming.OutputDetails),
		ObservedAt:    now,
	}
}

func stamp(r *Record, now time.Time) *Record {
	out := r.Clone()
	if !out.Stamped() {
		out.ObservedAt = now
	}
	return out
}

// addDetails sums matching keys; keys present on one side pass through.
func addDetails(a, b map[string]int64) map[string]int64 {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]int64, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] += v
	}
	return out
}
