package ingestion

import (
	"context"
	"strings"
	"unicode"

	"github.com/cloo-solutions/docchat/internal/domain"
)

// OCRClient recognizes the text of the given 1-based pages.
type OCRClient interface {
	RecognizePages(ctx context.Context, content []byte, pages []int) (map[int]string, error)
}

// sparsePages lists the pages whose native text has fewer than minChars
// non-space characters.
func sparsePages(pages []domain.ParsedPage, minChars int) []int {
	var out []int
	for _, p := range pages {
		if visibleChars(p.Text) < minChars {
			out = append(out, p.Number)
		}
	}
	return out
}

// needsOCR reports whether the share of sparse pages exceeds ratio.
func needsOCR(total, sparse int, ratio float64) bool {
	if total == 0 || sparse == 0 {
		return false
	}
	return float64(sparse)/float64(total) > ratio
}

func visibleChars(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// applyOCR replaces the text of pages OCR recovered. Empty results keep the
// native text. It returns the pages that were replaced.
func applyOCR(pages []domain.ParsedPage, recognized map[int]string) []int {
	var replaced []int
	for i := range pages {
		text, ok := recognized[pages[i].Number]
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		pages[i].Text = text
		pages[i].Headings = nil
		pages[i].OCR = true
		replaced = append(replaced, pages[i].Number)
	}
	return replaced
}
