package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloo-solutions/docchat/internal/api/handlers"
	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/cloo-solutions/docchat/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "secret-key"

type MockDocumentService struct {
	mock.Mock
}

func (m *MockDocumentService) Upload(ctx context.Context, input service.UploadInput) (*service.UploadResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.UploadResult), args.Error(1)
}

func (m *MockDocumentService) Get(ctx context.Context, id string) (*domain.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Document), args.Error(1)
}

func (m *MockDocumentService) Reingest(ctx context.Context, id string, force bool) (*domain.Document, error) {
	args := m.Called(ctx, id, force)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Document), args.Error(1)
}

type MockChatService struct {
	mock.Mock
}

func (m *MockChatService) Chat(ctx context.Context, input service.ChatInput) (*service.ChatResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ChatResult), args.Error(1)
}

func (m *MockChatService) Stream(ctx context.Context, input service.ChatInput) (*service.StreamResult, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.StreamResult), args.Error(1)
}

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) List(ctx context.Context, input service.ListSessionsInput) (*service.ListSessionsOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ListSessionsOutput), args.Error(1)
}

func (m *MockSessionService) History(ctx context.Context, sessionID string) (*service.SessionHistory, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionHistory), args.Error(1)
}

func (m *MockSessionService) Delete(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

type MockSearchService struct {
	mock.Mock
}

func (m *MockSearchService) Search(ctx context.Context, documentID, query string) (*service.SearchResult, error) {
	args := m.Called(ctx, documentID, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SearchResult), args.Error(1)
}

type routerFixture struct {
	router   http.Handler
	docs     *MockDocumentService
	chat     *MockChatService
	sessions *MockSessionService
	search   *MockSearchService
}

func setupRouter(apiKey string) *routerFixture {
	f := &routerFixture{
		docs:     new(MockDocumentService),
		chat:     new(MockChatService),
		sessions: new(MockSessionService),
		search:   new(MockSearchService),
	}
	f.router = NewRouter(RouterConfig{
		APIKey:          apiKey,
		DocumentHandler: handlers.NewDocumentHandler(f.docs, 1<<20),
		ChatHandler:     handlers.NewChatHandler(f.chat, nil),
		SessionHandler:  handlers.NewSessionHandler(f.sessions),
		SearchHandler:   handlers.NewSearchHandler(f.search),
	})
	return f
}

func TestRouter_HealthEndpoint(t *testing.T) {
	f := setupRouter(testAPIKey)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "ok", data["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRouter_AuthenticatedRoutes_RequireAuth(t *testing.T) {
	f := setupRouter(testAPIKey)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/documents"},
		{http.MethodGet, "/documents/123"},
		{http.MethodGet, "/documents/123/status"},
		{http.MethodPost, "/documents/123/reingest"},
		{http.MethodGet, "/documents/123/sessions"},
		{http.MethodGet, "/documents/123/search?q=x"},
		{http.MethodPost, "/chat"},
		{http.MethodPost, "/chat/stream"},
		{http.MethodGet, "/sessions/123/messages"},
		{http.MethodDelete, "/sessions/123"},
	}

	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			req := httptest.NewRequest(route.method, route.path, nil)
			w := httptest.NewRecorder()

			f.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	f.docs.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestRouter_AuthenticatedRoutes_WithValidAuth(t *testing.T) {
	f := setupRouter(testAPIKey)

	now := time.Now().UTC()
	f.docs.On("Get", mock.Anything, "doc-123").Return(&domain.Document{
		ID:        "doc-123",
		Filename:  "lease.pdf",
		Status:    domain.DocumentStatusReady,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/documents/doc-123", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	f.docs.AssertExpectations(t)
}

func TestRouter_RoutesReachHandlers(t *testing.T) {
	f := setupRouter("")

	f.sessions.On("Delete", mock.Anything, "s-1").Return(nil)
	f.sessions.On("History", mock.Anything, "s-1").Return(nil, domain.ErrSessionNotFound)
	f.docs.On("Reingest", mock.Anything, "doc-1", true).Return(&domain.Document{ID: "doc-1", Status: domain.DocumentStatusUploaded}, nil)
	f.chat.On("Stream", mock.Anything, service.ChatInput{DocumentID: "doc-1", Message: "hi"}).Return(nil, domain.ErrDocumentNotReady)
	f.search.On("Search", mock.Anything, "doc-1", "late fee").
		Return(&service.SearchResult{Query: "late fee", DocumentID: "doc-1", Results: []domain.PageMatch{}}, nil)

	tests := []struct {
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{http.MethodDelete, "/sessions/s-1", "", http.StatusNoContent},
		{http.MethodGet, "/sessions/s-1/messages", "", http.StatusNotFound},
		{http.MethodPost, "/documents/doc-1/reingest?force=true", "", http.StatusAccepted},
		{http.MethodPost, "/chat/stream", `{"document_id":"doc-1","message":"hi"}`, http.StatusConflict},
		{http.MethodGet, "/documents/doc-1/search?q=late%20fee", "", http.StatusOK},
		{http.MethodGet, "/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			f.router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestRouter_JSONBodyLimit(t *testing.T) {
	f := setupRouter("")

	body := `{"document_id":"doc-1","message":"` + strings.Repeat("a", int(defaultMaxJSONBytes)) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	f.chat.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything)
}
