package testutil

import (
	"bytes"
	"fmt"
	"strings"
)

// PDFLine is one line of text placed on a generated test page.
type PDFLine struct {
	Text     string
	FontSize float64
	Y        float64
}

// BuildPDF writes a minimal uncompressed PDF with one page per entry.
// Lines without a Y are laid out top to bottom. A page with no lines has an
// empty content stream, which reads back as a scanned page with no text.
func BuildPDF(pages ...[]PDFLine) []byte {
	var buf bytes.Buffer
	var offsets []int

	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")

	pageCount := len(pages)
	kids := make([]string, pageCount)
	for i := range pages {
		// catalog=1, pages=2, font=3, then (page, content) pairs
		kids[i] = fmt.Sprintf("%d 0 R", 4+i*2)
	}

	writeObj("<< /Type /Catalog /Pages 2 0 R >>")
	writeObj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pageCount))
	writeObj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	for i, lines := range pages {
		contentRef := 5 + i*2
		writeObj(fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
			contentRef,
		))

		stream := pageStream(lines)
		writeObj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}

	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xrefOffset)

	return buf.Bytes()
}

func pageStream(lines []PDFLine) string {
	var sb strings.Builder
	y := 740.0
	for _, l := range lines {
		size := l.FontSize
		if size <= 0 {
			size = 11
		}
		lineY := l.Y
		if lineY <= 0 {
			lineY = y
		}
		fmt.Fprintf(&sb, "BT /F1 %.1f Tf 72 %.1f Td (%s) Tj ET\n", size, lineY, escapePDFString(l.Text))
		y = lineY - size*1.4
	}
	return sb.String()
}

func escapePDFString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}

// TextPages builds pages of body text split into lines of about 80 chars.
func TextPages(texts ...string) [][]PDFLine {
	pages := make([][]PDFLine, 0, len(texts))
	for _, text := range texts {
		var lines []PDFLine
		for _, l := range wrap(text, 80) {
			lines = append(lines, PDFLine{Text: l, FontSize: 10})
		}
		pages = append(pages, lines)
	}
	return pages
}

func wrap(text string, width int) []string {
	words := strings.Fields(text)
	var out []string
	var cur strings.Builder
	for _, w := range words {
		if cur.Len() > 0 && cur.Len()+1+len(w) > width {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
