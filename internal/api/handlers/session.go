package handlers

import (
	"context"
	"net/http"

	"github.com/cloo-solutions/docchat/internal/api"
	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/cloo-solutions/docchat/internal/pagination"
	"github.com/cloo-solutions/docchat/internal/service"
	"github.com/go-chi/chi/v5"
)

type SessionService interface {
	List(ctx context.Context, input service.ListSessionsInput) (*service.ListSessionsOutput, error)
	History(ctx context.Context, sessionID string) (*service.SessionHistory, error)
	Delete(ctx context.Context, sessionID string) error
}

type SessionHandler struct {
	svc SessionService
}

func NewSessionHandler(svc SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

type SessionResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

type MessageResponse struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	Citations  []domain.Citation `json:"citations"`
	Incomplete bool              `json:"incomplete,omitempty"`
	CreatedAt  string            `json:"created_at"`
}

type HistoryResponse struct {
	SessionID  string             `json:"session_id"`
	DocumentID string             `json:"document_id"`
	Title      string             `json:"title"`
	Messages   []*MessageResponse `json:"messages"`
}

func messageToResponse(m *domain.ChatMessage) *MessageResponse {
	citations := m.Citations
	if citations == nil {
		citations = []domain.Citation{}
	}
	return &MessageResponse{
		ID:         m.ID,
		Role:       string(m.Role),
		Content:    m.Content,
		Citations:  citations,
		Incomplete: m.Incomplete,
		CreatedAt:  formatTime(m.CreatedAt),
	}
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := pagination.ParseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	input := service.ListSessionsInput{
		DocumentID: chi.URLParam(r, "id"),
		Cursor:     r.URL.Query().Get("cursor"),
		Limit:      limit,
	}

	out, err := h.svc.List(r.Context(), input)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	items := make([]SessionResponse, 0, len(out.Items))
	for _, s := range out.Items {
		items = append(items, SessionResponse{
			ID:        s.ID,
			Title:     s.Title,
			CreatedAt: formatTime(s.CreatedAt),
		})
	}

	api.Success(w, http.StatusOK, pagination.PageResult[SessionResponse]{
		Items:   items,
		Cursor:  out.Cursor,
		HasMore: out.HasMore,
	})
}

func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}

	messages := make([]*MessageResponse, 0, len(history.Messages))
	for _, m := range history.Messages {
		messages = append(messages, messageToResponse(m))
	}

	api.Success(w, http.StatusOK, &HistoryResponse{
		SessionID:  history.Session.ID,
		DocumentID: history.Session.DocumentID,
		Title:      history.Session.Title,
		Messages:   messages,
	})
}

func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		api.HandleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
