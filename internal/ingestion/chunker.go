package ingestion

import (
	"iter"
	"strings"

	"github.com/cloo-solutions/docchat/internal/domain"
)

// token is one word plus the whitespace that follows it. The first token of
// a page also owns any leading whitespace, so token spans tile the page.
type token struct {
	start     int
	wordStart int
	end       int
}

// Chunk splits the pages into overlapping token windows. Windows never cross
// a page. Ranging over the result more than once yields identical chunks;
// IDs are left empty for the caller to assign.
func Chunk(documentID string, pages []domain.ParsedPage, opts ChunkOptions) iter.Seq[domain.Chunk] {
	opts = normalizeChunkOptions(opts)

	return func(yield func(domain.Chunk) bool) {
		ordinal := 0
		section := ""

		for _, page := range pages {
			tokens := tokenize(page.Text)
			if len(tokens) > 0 {
				boundaries := paragraphBoundaries(page, tokens)

				for _, w := range windows(len(tokens), boundaries, opts) {
					first, last := tokens[w.start], tokens[w.end-1]
					c := domain.Chunk{
						DocumentID: documentID,
						Page:       page.Number,
						Section:    sectionAt(page.Headings, first.wordStart, section),
						Ordinal:    ordinal,
						Text:       page.Text[first.start:last.end],
						TokenCount: w.end - w.start,
						CharStart:  first.start,
						CharEnd:    last.end,
					}
					ordinal++
					if !yield(c) {
						return
					}
				}
			}

			if n := len(page.Headings); n > 0 {
				section = page.Headings[n-1].Text
			}
		}
	}
}

func normalizeChunkOptions(opts ChunkOptions) ChunkOptions {
	def := DefaultSettings().Chunking
	if opts.TargetTokens <= 0 {
		opts.TargetTokens = def.TargetTokens
	}
	if opts.OverlapTokens < 0 || opts.OverlapTokens >= opts.TargetTokens {
		opts.OverlapTokens = 0
	}
	if opts.BoundaryTolerance < 0 {
		opts.BoundaryTolerance = 0
	}
	return opts
}

func tokenize(text string) []token {
	var tokens []token
	i := 0
	for i < len(text) {
		j := i
		for j < len(text) && isSpace(text[j]) {
			j++
		}
		if j == len(text) {
			break
		}
		wordStart := j
		for j < len(text) && !isSpace(text[j]) {
			j++
		}
		for j < len(text) && isSpace(text[j]) {
			j++
		}

		start := i
		if len(tokens) == 0 {
			start = 0
		}
		tokens = append(tokens, token{start: start, wordStart: wordStart, end: j})
		i = j
	}
	return tokens
}

// isSpace treats ASCII whitespace as separators. Multi-byte characters are
// always part of a word, which keeps offsets on rune boundaries.
func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// paragraphBoundaries marks token indexes that start a paragraph: the token
// after a blank line, or the first token of a heading.
func paragraphBoundaries(page domain.ParsedPage, tokens []token) map[int]bool {
	headingAt := make(map[int]bool, len(page.Headings))
	for _, h := range page.Headings {
		headingAt[h.Offset] = true
	}

	out := make(map[int]bool)
	for i := 1; i < len(tokens); i++ {
		gap := page.Text[tokens[i-1].wordStart:tokens[i].wordStart]
		if strings.Contains(gap, "\n\n") || headingAt[tokens[i].wordStart] {
			out[i] = true
		}
	}
	return out
}

type window struct {
	start, end int
}

func windows(n int, boundaries map[int]bool, opts ChunkOptions) []window {
	var out []window
	start := 0
	for {
		end := start + opts.TargetTokens
		if end >= n {
			return append(out, window{start: start, end: n})
		}

		// Prefer ending at a paragraph break, but never so early that the
		// next window would not advance.
		for b := end; b >= end-opts.BoundaryTolerance && b-opts.OverlapTokens > start; b-- {
			if boundaries[b] {
				end = b
				break
			}
		}

		out = append(out, window{start: start, end: end})
		start = end - opts.OverlapTokens
	}
}

func sectionAt(headings []domain.Heading, offset int, carried string) string {
	section := carried
	for _, h := range headings {
		if h.Offset > offset {
			break
		}
		section = h.Text
	}
	return section
}

// Reconstruct joins chunks of one page back into the page text, dropping the
// overlap between neighbours. Chunks must be in ordinal order.
func Reconstruct(chunks []domain.Chunk) string {
	var sb strings.Builder
	prevEnd := 0
	for _, c := range chunks {
		if c.CharEnd <= prevEnd {
			continue
		}
		from := max(prevEnd-c.CharStart, 0)
		sb.WriteString(c.Text[from:])
		prevEnd = c.CharEnd
	}
	return sb.String()
}
