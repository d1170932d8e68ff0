package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/cloo-solutions/docchat/internal/telemetry"
)

const MaxSearchTermRunes = 200

// PageSearcher finds the pages of a document that mention a term.
type PageSearcher interface {
	SearchText(ctx context.Context, documentID, term string) ([]domain.PageMatch, error)
}

// SearchResult lists the pages of a document that contain a term.
type SearchResult struct {
	Query      string
	DocumentID string
	Results    []domain.PageMatch
}

// SearchService runs plain-text lookups inside one document.
type SearchService struct {
	documents DocumentRepositoryInterface
	pages     PageSearcher
}

func NewSearchService(documents DocumentRepositoryInterface, pages PageSearcher) *SearchService {
	return &SearchService{documents: documents, pages: pages}
}

// Search returns, in page order, the pages whose chunks contain query and
// how many chunks on each page match. Documents that are not READY have no
// chunks and yield no results.
func (s *SearchService) Search(ctx context.Context, documentID, query string) (*SearchResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "SearchService.Search", telemetry.SpanAttributes{
		DocumentID: documentID,
		Operation:  "search_text",
	})
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.Validation("search query cannot be empty")
	}
	if utf8.RuneCountInString(query) > MaxSearchTermRunes {
		return nil, domain.Validation(fmt.Sprintf("search query exceeds %d characters", MaxSearchTermRunes))
	}

	if _, err := s.documents.GetByID(ctx, documentID); err != nil {
		return nil, err
	}

	matches, err := s.pages.SearchText(ctx, documentID, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search document: %w", err)
	}
	if matches == nil {
		matches = []domain.PageMatch{}
	}
	return &SearchResult{Query: query, DocumentID: documentID, Results: matches}, nil
}
