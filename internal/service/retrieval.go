package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/cloo-solutions/docchat/internal/telemetry"
)

// ChunkRepositoryInterface defines the repository interface for stored chunks
type ChunkRepositoryInterface interface {
	ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error
	DeleteByDocument(ctx context.Context, documentID string) error
	CountByDocument(ctx context.Context, documentID string) (int, error)
	Search(ctx context.Context, documentID string, embedding []float32, k int) ([]domain.ScoredChunk, error)
}

// QueryEmbedder embeds a single question.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

const DefaultTopK = 5

// RetrievalService finds the chunks of one document closest to a question.
type RetrievalService struct {
	chunks   ChunkRepositoryInterface
	embedder QueryEmbedder
	topK     int
}

func NewRetrievalService(chunks ChunkRepositoryInterface, embedder QueryEmbedder, topK int) *RetrievalService {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &RetrievalService{chunks: chunks, embedder: embedder, topK: topK}
}

// Retrieve returns at most k chunks ordered by similarity, ties broken by
// ordinal. k <= 0 uses the configured default. A document without chunks
// returns domain.ErrRetrievalEmpty without an embedding call.
func (s *RetrievalService) Retrieve(ctx context.Context, documentID, query string, k int) ([]domain.ScoredChunk, error) {
	ctx, span := telemetry.StartSpan(ctx, "RetrievalService.Retrieve", telemetry.SpanAttributes{
		DocumentID: documentID,
		Operation:  "retrieve",
	})
	defer span.End()

	if k <= 0 {
		k = s.topK
	}

	count, err := s.chunks.CountByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	if count == 0 {
		return nil, domain.ErrRetrievalEmpty
	}

	embedding, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := s.chunks.Search(ctx, documentID, embedding, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	SortBySimilarity(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// SortBySimilarity orders chunks by similarity descending, then ordinal.
func SortBySimilarity(chunks []domain.ScoredChunk) {
	slices.SortStableFunc(chunks, func(a, b domain.ScoredChunk) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return a.Ordinal - b.Ordinal
	})
}
