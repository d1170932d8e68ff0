package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cloo-solutions/docchat/internal/api"
	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/cloo-solutions/docchat/internal/service"
	"github.com/go-chi/chi/v5"
)

type DocumentService interface {
	Upload(ctx context.Context, input service.UploadInput) (*service.UploadResult, error)
	Get(ctx context.Context, id string) (*domain.Document, error)
	Reingest(ctx context.Context, id string, force bool) (*domain.Document, error)
}

type DocumentHandler struct {
	svc            DocumentService
	maxUploadBytes int64
}

func NewDocumentHandler(svc DocumentService, maxUploadBytes int64) *DocumentHandler {
	return &DocumentHandler{svc: svc, maxUploadBytes: maxUploadBytes}
}

type DocumentResponse struct {
	ID          string  `json:"id"`
	Filename    string  `json:"filename"`
	FileSize    int64   `json:"file_size"`
	Status      string  `json:"status"`
	Stage       string  `json:"stage,omitempty"`
	PageCount   int     `json:"page_count"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	ProcessedAt *string `json:"processed_at"`
}

type DocumentStatusResponse struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Stage       string  `json:"stage,omitempty"`
	Error       string  `json:"error,omitempty"`
	PageCount   int     `json:"page_count"`
	ProcessedAt *string `json:"processed_at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func documentToResponse(d *domain.Document) *DocumentResponse {
	return &DocumentResponse{
		ID:          d.ID,
		Filename:    d.Filename,
		FileSize:    d.FileSize,
		Status:      string(d.Status),
		Stage:       string(d.Stage),
		PageCount:   d.PageCount,
		Error:       d.Error,
		CreatedAt:   formatTime(d.CreatedAt),
		UpdatedAt:   formatTime(d.UpdatedAt),
		ProcessedAt: formatOptionalTime(d.ProcessedAt),
	}
}

// Upload accepts a multipart "file" field. A new document answers 201, a
// duplicate of stored content answers 200 with the existing document.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.HandleError(w, domain.ErrFileTooLarge)
			return
		}
		api.Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	reader := io.Reader(file)
	if h.maxUploadBytes > 0 {
		reader = io.LimitReader(file, h.maxUploadBytes+1)
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		api.Error(w, http.StatusBadRequest, "failed to read file")
		return
	}
	if h.maxUploadBytes > 0 && int64(len(content)) > h.maxUploadBytes {
		api.HandleError(w, domain.ErrFileTooLarge)
		return
	}

	result, err := h.svc.Upload(r.Context(), service.UploadInput{
		Filename: header.Filename,
		Content:  content,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	api.Success(w, status, documentToResponse(result.Document))
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, documentToResponse(doc))
}

func (h *DocumentHandler) Status(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, &DocumentStatusResponse{
		ID:          doc.ID,
		Status:      string(doc.Status),
		Stage:       string(doc.Stage),
		Error:       doc.Error,
		PageCount:   doc.PageCount,
		ProcessedAt: formatOptionalTime(doc.ProcessedAt),
	})
}

func (h *DocumentHandler) Reingest(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			api.Error(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = parsed
	}

	doc, err := h.svc.Reingest(r.Context(), chi.URLParam(r, "id"), force)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusAccepted, documentToResponse(doc))
}
