// Package parser extracts per-page text and heading positions from PDF files.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/ledongthuc/pdf"
)

const (
	// DefaultHeadingFontSize is the minimum font size treated as a heading.
	DefaultHeadingFontSize = 14.0
	// MaxHeadingChars bounds heading length; longer lines are body text.
	MaxHeadingChars = 200

	paragraphGapFactor = 1.8
	wordGapFactor      = 0.15
)

// Parser extracts text with positional metadata using ledongthuc/pdf.
type Parser struct {
	headingFontSize float64
}

func NewParser() *Parser {
	return &Parser{headingFontSize: DefaultHeadingFontSize}
}

// NewParserWithHeadingSize falls back to DefaultHeadingFontSize for size <= 0.
func NewParserWithHeadingSize(size float64) *Parser {
	if size <= 0 {
		size = DefaultHeadingFontSize
	}
	return &Parser{headingFontSize: size}
}

// PageCount returns the number of pages without extracting text.
func (p *Parser) PageCount(content []byte) (n int, err error) {
	defer recoverPanic(&err)

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return 0, fmt.Errorf("failed to open pdf: %w", err)
	}
	return reader.NumPage(), nil
}

// Parse extracts every page in order. A page whose text cannot be read is
// returned empty so OCR can pick it up.
func (p *Parser) Parse(ctx context.Context, content []byte) (doc *domain.ParsedDocument, err error) {
	defer recoverPanic(&err)

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	total := reader.NumPage()
	doc = &domain.ParsedDocument{PageCount: total, Pages: make([]domain.ParsedPage, 0, total)}

	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(i)
		parsed := domain.ParsedPage{Number: i}
		if !page.V.IsNull() {
			parsed.Text, parsed.Headings = p.extractPage(page)
		}
		doc.Pages = append(doc.Pages, parsed)
	}

	return doc, nil
}

func (p *Parser) extractPage(page pdf.Page) (string, []domain.Heading) {
	rows, err := page.GetTextByRow()
	if err != nil || len(rows) == 0 {
		text, perr := page.GetPlainText(map[string]*pdf.Font{})
		if perr != nil {
			return "", nil
		}
		return normalizePlain(text), nil
	}

	lines := make([]line, 0, len(rows))
	for _, row := range rows {
		l := buildLine(row)
		if strings.TrimSpace(l.text) == "" {
			continue
		}
		lines = append(lines, l)
	}

	return p.layout(lines)
}

type line struct {
	text     string
	fontSize float64
	y        float64
}

func buildLine(row *pdf.Row) line {
	var sb strings.Builder
	var maxSize float64
	var prevEnd float64
	for i, t := range row.Content {
		if t.FontSize > maxSize {
			maxSize = t.FontSize
		}
		if i > 0 && t.X-prevEnd > t.FontSize*wordGapFactor && !strings.HasSuffix(sb.String(), " ") && !strings.HasPrefix(t.S, " ") {
			sb.WriteByte(' ')
		}
		sb.WriteString(t.S)
		prevEnd = t.X + t.W
	}
	return line{text: strings.Join(strings.Fields(sb.String()), " "), fontSize: maxSize, y: float64(row.Position)}
}

// layout joins lines into page text, inserting a blank line between
// paragraphs and before headings, and records heading offsets.
func (p *Parser) layout(lines []line) (string, []domain.Heading) {
	var sb strings.Builder
	var headings []domain.Heading

	for i, l := range lines {
		heading := p.isHeading(l)
		if i > 0 {
			prev := lines[i-1]
			gap := math.Abs(prev.y - l.y)
			if heading || p.isHeading(prev) || gap > prev.fontSize*paragraphGapFactor {
				sb.WriteString("\n\n")
			} else {
				sb.WriteByte('\n')
			}
		}
		if heading {
			headings = append(headings, domain.Heading{Offset: sb.Len(), Text: l.text})
		}
		sb.WriteString(l.text)
	}

	return sb.String(), headings
}

func (p *Parser) isHeading(l line) bool {
	return l.fontSize >= p.headingFontSize && len(l.text) < MaxHeadingChars
}

func normalizePlain(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text)
}

func recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("pdf reader panic: %v", r)
	}
}
