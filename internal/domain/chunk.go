package domain

import "time"

// EmbeddingDimensions is the vector size of the chunks.embedding column.
const EmbeddingDimensions = 1536

// Chunk is a bounded span of a page's text with its embedding.
// CharStart and CharEnd are byte offsets into the page text.
type Chunk struct {
	ID         string
	DocumentID string
	Page       int
	Section    string
	Ordinal    int
	Text       string
	TokenCount int
	CharStart  int
	CharEnd    int
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredChunk is a chunk returned by retrieval with its cosine similarity.
type ScoredChunk struct {
	Chunk
	Similarity float64
}

// PageMatch counts the chunks of one page that contain a search term.
type PageMatch struct {
	Page  int `json:"page"`
	Count int `json:"count"`
}
