package retrieval

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// separators are tried in order; the empty separator splits into runes.
var separators = []string{"\n\n", "\n", ".", "!", "?", ",", " ", ""}

// Splitter cuts documents into overlapping chunks of at most Size runes,
// preferring paragraph, line, sentence and word boundaries in that order.
type Splitter struct {
	Size    int
	Overlap int
}

// DefaultSplitter returns the splitter used when indexing documents.
func DefaultSplitter() Splitter {
	return Splitter{Size: DefaultChunkSize, Overlap: DefaultChunkOverlap}
}

// Split returns the chunks of text. Whitespace-only chunks are dropped.
func (s Splitter) Split(text string) []string {
	if s.Size <= 0 {
		s.Size = DefaultChunkSize
	}
	if s.Overlap < 0 || s.Overlap >= s.Size {
		s.Overlap = 0
	}
	var out []string
	for _, c := range s.split(text, separators) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func (s Splitter) split(text string, seps []string) []string {
	sep, rest := seps[len(seps)-1], []string(nil)
	for i, candidate := range seps {
		if candidate == "" || strings.Contains(text, candidate) {
			sep, rest = candidate, seps[i+1:]
			break
		}
	}

	var pieces []string
	if sep == "" {
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
	} else {
		pieces = strings.SplitAfter(text, sep)
	}

	var final, fitting []string
	for _, p := range pieces {
		if p == "" {
			continue
		}
		if runes(p) <= s.Size {
			fitting = append(fitting, p)
			continue
		}
		final = append(final, s.merge(fitting)...)
		fitting = nil
		if len(rest) == 0 {
			final = append(final, p)
		} else {
			final = append(final, s.split(p, rest)...)
		}
	}
	return append(final, s.merge(fitting)...)
}

// merge packs pieces into chunks, carrying up to Overlap runes of the
// previous chunk into the next one.
func (s Splitter) merge(pieces []string) []string {
	var (
		out   []string
		cur   []string
		total int
	)
	for _, p := range pieces {
		n := runes(p)
		if total+n > s.Size && len(cur) > 0 {
			out = append(out, strings.Join(cur, ""))
			for total > s.Overlap || (total+n > s.Size && total > 0) {
				total -= runes(cur[0])
				cur = cur[1:]
			}
		}
		cur = append(cur, p)
		total += n
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, ""))
	}
	return out
}

func runes(s string) int { return utf8.RuneCountInString(s) }
