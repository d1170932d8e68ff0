package domain

// Heading is a heading line found on a page. Offset is the byte offset of
// the heading text inside ParsedPage.Text.
type Heading struct {
	Offset int
	Text   string
}

// ParsedPage is the extracted text of one PDF page. Paragraphs are separated
// by a blank line.
type ParsedPage struct {
	Number   int
	Text     string
	Headings []Heading
	OCR      bool
}

// ParsedDocument is the parser output for a whole PDF, pages in order.
type ParsedDocument struct {
	PageCount int
	Pages     []ParsedPage
}
