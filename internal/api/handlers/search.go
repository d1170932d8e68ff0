package handlers

import (
	"context"
	"net/http"

	"github.com/cloo-solutions/docchat/internal/api"
	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/cloo-solutions/docchat/internal/service"
	"github.com/go-chi/chi/v5"
)

type SearchService interface {
	Search(ctx context.Context, documentID, query string) (*service.SearchResult, error)
}

type SearchHandler struct {
	svc SearchService
}

func NewSearchHandler(svc SearchService) *SearchHandler {
	return &SearchHandler{svc: svc}
}

type SearchResponse struct {
	Query      string             `json:"query"`
	DocumentID string             `json:"document_id"`
	Results    []domain.PageMatch `json:"results"`
	TotalPages int                `json:"total_pages"`
}

// Search handles GET /documents/{id}/search?q=term.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Search(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("q"))
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, SearchResponse{
		Query:      result.Query,
		DocumentID: result.DocumentID,
		Results:    result.Results,
		TotalPages: len(result.Results),
	})
}
