package server

import (
	"log/slog"
	"net/http"

	"github.com/cloo-solutions/docchat/internal/api"
	"github.com/cloo-solutions/docchat/internal/api/handlers"
	"github.com/cloo-solutions/docchat/internal/api/middleware"
	"github.com/go-chi/chi/v5"
)

const (
	defaultMaxBodyBytes int64 = 60 * 1024 * 1024
	defaultMaxJSONBytes int64 = 1 << 20
)

type RouterConfig struct {
	// APIKey guards every route except /health. Empty disables auth.
	APIKey string
	Logger *slog.Logger
	// MaxBodyBytes caps multipart uploads, MaxJSONBytes every other body.
	MaxBodyBytes int64
	MaxJSONBytes int64

	DocumentHandler *handlers.DocumentHandler
	ChatHandler     *handlers.ChatHandler
	SessionHandler  *handlers.SessionHandler
	SearchHandler   *handlers.SearchHandler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	maxJSONBytes := cfg.MaxJSONBytes
	if maxJSONBytes <= 0 {
		maxJSONBytes = defaultMaxJSONBytes
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog(logger))
	r.Use(middleware.MaxBodyBytes(maxJSONBytes, maxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", cfg.DocumentHandler.Upload)
			r.Get("/{id}", cfg.DocumentHandler.Get)
			r.Get("/{id}/status", cfg.DocumentHandler.Status)
			r.Post("/{id}/reingest", cfg.DocumentHandler.Reingest)
			r.Get("/{id}/sessions", cfg.SessionHandler.List)
			r.Get("/{id}/search", cfg.SearchHandler.Search)
		})

		r.Post("/chat", cfg.ChatHandler.Chat)
		r.Post("/chat/stream", cfg.ChatHandler.Stream)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/{id}/messages", cfg.SessionHandler.History)
			r.Delete("/{id}", cfg.SessionHandler.Delete)
		})
	})

	return r
}
