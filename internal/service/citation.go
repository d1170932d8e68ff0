package service

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/cloo-solutions/docchat/internal/domain"
)

const (
	citationTextRunes = 200
	fallbackCitations = 3
	maxRangePages     = 50
)

var (
	sourceMarker  = regexp.MustCompile(`(?i)\[source\s+(\d+)(?:\s*[-–—]\s*pages?\s+(\d+))?(?:\s*\([^)\]]*\))?\s*\]`)
	pMarker       = regexp.MustCompile(`(?i)[\[(]\s*pp?\.\s*(\d+(?:\s*(?:,|;|-|–|and|&)\s*(?:pp?\.\s*)?\d+)*)\s*[\])]`)
	pageWord      = regexp.MustCompile(`(?i)\bpages?\s+(\d+(?:\s*(?:,|;|-|–|and|&|to)\s*(?:pages?\s+)?\d+)*)`)
	pageListToken = regexp.MustCompile(`(?i)\d+|-|–|to`)
)

type citationRef struct {
	pos    int
	page   int
	source int
}

// MapCitations turns the page and source markers of an answer into
// citations against the retrieved chunks. Citations keep first-appearance
// order and are unique per (page, chunk). A marker whose page has no
// retrieved chunk, or a source label past the retrieved set, is kept as an
// unresolved citation. Without any marker the
// top chunks on distinct pages are cited.
func MapCitations(answer string, chunks []domain.ScoredChunk) []domain.Citation {
	citations := []domain.Citation{}
	if len(chunks) == 0 {
		return citations
	}

	refs := extractRefs(answer)
	if len(refs) == 0 {
		return fallbackCitationList(chunks)
	}

	seen := make(map[string]bool)
	for _, ref := range refs {
		c, ok := resolve(ref, chunks)
		if !ok {
			continue
		}
		key := strconv.Itoa(c.Page) + "|"
		switch {
		case c.ChunkID != nil:
			key += *c.ChunkID
		case c.Page == 0:
			key += "source" + strconv.Itoa(c.Source)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		citations = append(citations, c)
	}
	return citations
}

func extractRefs(answer string) []citationRef {
	var refs []citationRef
	var taken [][2]int

	for _, m := range sourceMarker.FindAllStringSubmatchIndex(answer, -1) {
		taken = append(taken, [2]int{m[0], m[1]})
		source, _ := strconv.Atoi(answer[m[2]:m[3]])
		page := 0
		if m[4] >= 0 {
			page, _ = strconv.Atoi(answer[m[4]:m[5]])
		}
		refs = append(refs, citationRef{pos: m[0], page: page, source: source})
	}

	for _, re := range []*regexp.Regexp{pMarker, pageWord} {
		for _, m := range re.FindAllStringSubmatchIndex(answer, -1) {
			if overlaps(taken, m[0], m[1]) {
				continue
			}
			taken = append(taken, [2]int{m[0], m[1]})
			for _, page := range parsePageList(answer[m[2]:m[3]]) {
				refs = append(refs, citationRef{pos: m[0], page: page})
			}
		}
	}

	sort.SliceStable(refs, func(i, j int) bool { return refs[i].pos < refs[j].pos })
	return refs
}

func overlaps(spans [][2]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}

// parsePageList expands "3", "3, 5", "3; p. 5", "3 and 5" and "3-5" into
// page numbers.
func parsePageList(s string) []int {
	var pages []int
	inRange := false
	for _, tok := range pageListToken.FindAllString(s, -1) {
		n, err := strconv.Atoi(tok)
		if err != nil {
			inRange = len(pages) > 0
			continue
		}
		if inRange {
			last := pages[len(pages)-1]
			if n > last && n-last <= maxRangePages {
				for p := last + 1; p < n; p++ {
					pages = append(pages, p)
				}
			}
			inRange = false
		}
		if n > 0 {
			pages = append(pages, n)
		}
	}
	return pages
}

func resolve(ref citationRef, chunks []domain.ScoredChunk) (domain.Citation, bool) {
	if ref.source > 0 && ref.source <= len(chunks) {
		idx := ref.source - 1
		if ref.page == 0 || ref.page == chunks[idx].Page {
			return citationFor(chunks, idx), true
		}
	}

	if ref.page <= 0 {
		if ref.source <= 0 {
			return domain.Citation{}, false
		}
		return domain.Citation{Source: ref.source, Unresolved: true}, true
	}
	if idx := bestOnPage(chunks, ref.page); idx >= 0 {
		return citationFor(chunks, idx), true
	}
	return domain.Citation{Page: ref.page, Unresolved: true}, true
}

// bestOnPage returns the index of the most similar chunk on page, or -1.
func bestOnPage(chunks []domain.ScoredChunk, page int) int {
	best := -1
	for i, c := range chunks {
		if c.Page != page {
			continue
		}
		if best < 0 || c.Similarity > chunks[best].Similarity ||
			(c.Similarity == chunks[best].Similarity && c.Ordinal < chunks[best].Ordinal) {
			best = i
		}
	}
	return best
}

func citationFor(chunks []domain.ScoredChunk, idx int) domain.Citation {
	c := chunks[idx]
	id := c.ID
	return domain.Citation{
		Page:    c.Page,
		Text:    truncate(c.Text, citationTextRunes),
		ChunkID: &id,
		Section: c.Section,
		Source:  idx + 1,
	}
}

func fallbackCitationList(chunks []domain.ScoredChunk) []domain.Citation {
	citations := []domain.Citation{}
	pages := make(map[int]bool)
	for i, c := range chunks {
		if len(citations) == fallbackCitations {
			break
		}
		if pages[c.Page] {
			continue
		}
		pages[c.Page] = true
		citations = append(citations, citationFor(chunks, i))
	}
	return citations
}
