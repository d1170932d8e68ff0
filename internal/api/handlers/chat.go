package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cloo-solutions/docchat/internal/api"
	"github.com/cloo-solutions/docchat/internal/service"
)

// SessionIDHeader carries the session of a streamed chat turn.
const SessionIDHeader = "X-Session-ID"

type ChatService interface {
	Chat(ctx context.Context, input service.ChatInput) (*service.ChatResult, error)
	Stream(ctx context.Context, input service.ChatInput) (*service.StreamResult, error)
}

type ChatHandler struct {
	svc    ChatService
	logger *slog.Logger
}

func NewChatHandler(svc ChatService, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ChatHandler{svc: svc, logger: logger}
}

type ChatRequest struct {
	DocumentID string `json:"document_id"`
	Message    string `json:"message"`
	SessionID  string `json:"session_id,omitempty"`
}

func (h *ChatHandler) decode(w http.ResponseWriter, r *http.Request) (service.ChatInput, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return service.ChatInput{}, false
	}
	if req.DocumentID == "" {
		api.Error(w, http.StatusBadRequest, "document_id is required")
		return service.ChatInput{}, false
	}
	return service.ChatInput{
		DocumentID: req.DocumentID,
		Message:    req.Message,
		SessionID:  req.SessionID,
	}, true
}

func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decode(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Chat(r.Context(), input)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, result)
}

// Stream answers as server-sent events. Request errors found before the
// first event are plain JSON errors; later failures arrive as an error event.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decode(w, r)
	if !ok {
		return
	}

	// A failed write cancels the turn so it is stored as incomplete.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	result, err := h.svc.Stream(ctx, input)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	w.Header().Set(SessionIDHeader, result.SessionID)
	sse := api.NewSSEWriter(w)

	broken := false
	for ev := range result.Events {
		if broken {
			continue
		}
		if err := sse.Event(ev); err != nil {
			h.logger.Warn("chat stream write failed", "session_id", result.SessionID, "error", err)
			broken = true
			cancel()
		}
	}

	if broken || r.Context().Err() != nil {
		return
	}
	if err := sse.Done(); err != nil {
		h.logger.Warn("chat stream close failed", "session_id", result.SessionID, "error", err)
	}
}
