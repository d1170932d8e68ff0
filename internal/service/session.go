package service

import (
	"context"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/cloo-solutions/docchat/internal/pagination"
	"github.com/cloo-solutions/docchat/internal/telemetry"
)

const (
	DefaultSessionPageSize = 20
	MaxSessionPageSize     = 100
)

type ListSessionsInput struct {
	DocumentID string
	Cursor     string
	Limit      int
}

type ListSessionsOutput struct {
	Items   []*domain.ChatSession
	Cursor  string
	HasMore bool
}

// SessionHistory is a session with all of its messages in order.
type SessionHistory struct {
	Session  *domain.ChatSession
	Messages []*domain.ChatMessage
}

// SessionService reads and deletes chat sessions.
type SessionService struct {
	documents DocumentRepositoryInterface
	chat      ChatRepositoryInterface
}

func NewSessionService(documents DocumentRepositoryInterface, chat ChatRepositoryInterface) *SessionService {
	return &SessionService{documents: documents, chat: chat}
}

// List returns a page of a document's sessions, newest first.
func (s *SessionService) List(ctx context.Context, input ListSessionsInput) (*ListSessionsOutput, error) {
	ctx, span := telemetry.StartSpan(ctx, "SessionService.List", telemetry.SpanAttributes{
		DocumentID: input.DocumentID,
		Operation:  "list_sessions",
	})
	defer span.End()

	if _, err := s.documents.GetByID(ctx, input.DocumentID); err != nil {
		return nil, err
	}

	cursor, err := pagination.DecodeCursor(input.Cursor)
	if err != nil {
		return nil, domain.Validation("invalid cursor")
	}

	limit := pagination.ClampLimit(input.Limit, DefaultSessionPageSize, MaxSessionPageSize)

	page, err := s.chat.ListSessions(ctx, input.DocumentID, cursor, limit)
	if err != nil {
		return nil, err
	}

	return &ListSessionsOutput{
		Items:   page.Items,
		Cursor:  page.NextCursor,
		HasMore: page.HasMore,
	}, nil
}

// History returns the full message list of a session.
func (s *SessionService) History(ctx context.Context, sessionID string) (*SessionHistory, error) {
	ctx, span := telemetry.StartSpan(ctx, "SessionService.History", telemetry.SpanAttributes{
		SessionID: sessionID,
		Operation: "history",
	})
	defer span.End()

	session, err := s.chat.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	messages, err := s.chat.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &SessionHistory{Session: session, Messages: messages}, nil
}

// Delete removes a session and its messages.
func (s *SessionService) Delete(ctx context.Context, sessionID string) error {
	ctx, span := telemetry.StartSpan(ctx, "SessionService.Delete", telemetry.SpanAttributes{
		SessionID: sessionID,
		Operation: "delete_session",
	})
	defer span.End()

	return s.chat.DeleteSession(ctx, sessionID)
}
