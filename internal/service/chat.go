package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/cloo-solutions/docchat/internal/openai"
	"github.com/cloo-solutions/docchat/internal/pagination"
	"github.com/cloo-solutions/docchat/internal/telemetry"
)

// ChatRepositoryInterface defines the repository interface for sessions and messages
type ChatRepositoryInterface interface {
	CreateSession(ctx context.Context, s *domain.ChatSession) error
	GetSession(ctx context.Context, id string) (*domain.ChatSession, error)
	ListSessions(ctx context.Context, documentID string, cursor *pagination.Cursor, limit int) (*SessionPageResult, error)
	DeleteSession(ctx context.Context, id string) error
	AppendMessages(ctx context.Context, messages ...*domain.ChatMessage) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.ChatMessage, error)
	ListMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error)
}

type SessionPageResult struct {
	Items      []*domain.ChatSession
	NextCursor string
	HasMore    bool
}

// Retriever ranks the chunks of a document for a question. A document with
// nothing to retrieve yields domain.ErrRetrievalEmpty.
type Retriever interface {
	Retrieve(ctx context.Context, documentID, query string, k int) ([]domain.ScoredChunk, error)
}

// Generator produces answers from a prompt.
type Generator interface {
	Complete(ctx context.Context, messages []domain.PromptMessage) (string, error)
	Stream(ctx context.Context, messages []domain.PromptMessage) (openai.ChatStream, error)
}

const (
	DefaultHistoryMessages = 6
	maxPreviewChunks       = 5
	previewRunes           = 150

	generationFailedMessage = "Failed to generate a response. Please try again."
)

type ChatInput struct {
	DocumentID string
	Message    string
	SessionID  string
}

type ChatResult struct {
	SessionID string            `json:"session_id"`
	MessageID string            `json:"message_id"`
	Content   string            `json:"content"`
	Citations []domain.Citation `json:"citations"`
}

// StreamResult carries the session of a streamed turn and its events. The
// channel closes after the last event.
type StreamResult struct {
	SessionID string
	Events    <-chan domain.StreamEvent
}

// ChatService answers questions about a document and records the exchange.
type ChatService struct {
	documents    DocumentRepositoryInterface
	chat         ChatRepositoryInterface
	tx           TxRunner
	retriever    Retriever
	generator    Generator
	historyLimit int
	uuidGen      UUIDGenerator
	logger       *slog.Logger
	now          func() time.Time
}

func NewChatService(
	documents DocumentRepositoryInterface,
	chat ChatRepositoryInterface,
	tx TxRunner,
	retriever Retriever,
	generator Generator,
	historyLimit int,
	logger *slog.Logger,
) *ChatService {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryMessages
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ChatService{
		documents:    documents,
		chat:         chat,
		tx:           tx,
		retriever:    retriever,
		generator:    generator,
		historyLimit: historyLimit,
		uuidGen:      &DefaultUUIDGenerator{},
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// turn is one question being answered.
type turn struct {
	document   *domain.Document
	session    *domain.ChatSession
	newSession bool
	question   string
	user       *domain.ChatMessage
	history    []*domain.ChatMessage
}

func (s *ChatService) begin(ctx context.Context, input ChatInput) (*turn, error) {
	question := strings.TrimSpace(input.Message)
	if question == "" {
		return nil, domain.ErrEmptyMessage
	}

	doc, err := s.documents.GetByID(ctx, input.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != domain.DocumentStatusReady {
		return nil, domain.ErrDocumentNotReady
	}

	t := &turn{document: doc, question: question}

	if input.SessionID != "" {
		session, err := s.chat.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, err
		}
		if session.DocumentID != doc.ID {
			return nil, domain.ErrSessionNotFound
		}
		history, err := s.chat.RecentMessages(ctx, session.ID, s.historyLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		t.session = session
		t.history = history
	} else {
		t.session = &domain.ChatSession{
			ID:         s.uuidGen.NewString(),
			DocumentID: doc.ID,
			Title:      domain.SessionTitle(question),
			CreatedAt:  s.now(),
		}
		t.newSession = true
	}

	t.user = &domain.ChatMessage{
		ID:        s.uuidGen.NewString(),
		SessionID: t.session.ID,
		Role:      domain.RoleUser,
		Content:   question,
		CreatedAt: s.now(),
	}
	return t, nil
}

func (s *ChatService) assistantMessage(t *turn, content string, citations []domain.Citation, incomplete bool) *domain.ChatMessage {
	if citations == nil {
		citations = []domain.Citation{}
	}
	return &domain.ChatMessage{
		ID:         s.uuidGen.NewString(),
		SessionID:  t.session.ID,
		Role:       domain.RoleAssistant,
		Content:    content,
		Citations:  citations,
		Incomplete: incomplete,
		CreatedAt:  s.now(),
	}
}

// persist stores the session when new, the user message and, when present,
// the assistant message in one transaction. It outlives the request context.
func (s *ChatService) persist(ctx context.Context, t *turn, assistant *domain.ChatMessage) error {
	ctx = context.WithoutCancel(ctx)
	messages := []*domain.ChatMessage{t.user}
	if assistant != nil {
		messages = append(messages, assistant)
	}
	for _, m := range messages {
		if err := domain.ValidateChatMessage(m); err != nil {
			return fmt.Errorf("refusing to store message: %w", err)
		}
	}

	return s.tx.WithTx(ctx, func(repos TxRepositories) error {
		if t.newSession {
			if err := repos.Chat().CreateSession(ctx, t.session); err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
		}
		if err := repos.Chat().AppendMessages(ctx, messages...); err != nil {
			return fmt.Errorf("failed to append messages: %w", err)
		}
		return nil
	})
}

// Chat answers in one call.
func (s *ChatService) Chat(ctx context.Context, input ChatInput) (*ChatResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "ChatService.Chat", telemetry.SpanAttributes{
		DocumentID: input.DocumentID,
		SessionID:  input.SessionID,
		Operation:  "chat",
	})
	defer span.End()

	t, err := s.begin(ctx, input)
	if err != nil {
		return nil, err
	}

	chunks, err := s.retrieve(ctx, t)
	if err != nil {
		return nil, s.failTurn(ctx, t, "", err)
	}

	content := NoInformationAnswer
	citations := []domain.Citation{}
	if len(chunks) > 0 {
		content, err = s.generator.Complete(ctx, BuildPrompt(t.question, chunks, t.history))
		if err != nil {
			return nil, s.failTurn(ctx, t, "", err)
		}
		citations = MapCitations(content, chunks)
	}

	assistant := s.assistantMessage(t, content, citations, false)
	if err := s.persist(ctx, t, assistant); err != nil {
		return nil, err
	}

	return &ChatResult{
		SessionID: t.session.ID,
		MessageID: assistant.ID,
		Content:   content,
		Citations: citations,
	}, nil
}

// failTurn records what exists of a turn whose retrieval or generation
// failed and returns the error to report. A cancelled turn keeps its partial
// answer; an upstream failure keeps it only when something was produced.
func (s *ChatService) failTurn(ctx context.Context, t *turn, partial string, cause error) error {
	if ctx.Err() != nil {
		s.logger.Info("chat turn cancelled", "session_id", t.session.ID, "emitted_bytes", len(partial))
		if err := s.persist(ctx, t, s.assistantMessage(t, partial, nil, true)); err != nil {
			s.logger.Error("failed to persist cancelled turn", "session_id", t.session.ID, "error", err)
		}
		return domain.NewDomainErrorWithCause(domain.ErrCodeCancelled, "chat cancelled by client", ctx.Err())
	}

	s.logger.Error("answer generation failed", "session_id", t.session.ID, "error", cause)
	telemetry.CaptureError(ctx, cause)

	var assistant *domain.ChatMessage
	if partial != "" {
		assistant = s.assistantMessage(t, partial, nil, true)
	}
	if err := s.persist(ctx, t, assistant); err != nil {
		s.logger.Error("failed to persist failed turn", "session_id", t.session.ID, "error", err)
	}
	return domain.Generation(cause)
}

// Stream validates the request and starts producing events. Validation
// errors are returned directly; later failures arrive as an error event.
func (s *ChatService) Stream(ctx context.Context, input ChatInput) (*StreamResult, error) {
	t, err := s.begin(ctx, input)
	if err != nil {
		return nil, err
	}

	events := make(chan domain.StreamEvent)
	go s.produce(ctx, t, events)

	return &StreamResult{SessionID: t.session.ID, Events: events}, nil
}

func (s *ChatService) produce(ctx context.Context, t *turn, out chan<- domain.StreamEvent) {
	defer close(out)

	ctx, span := telemetry.StartSpan(ctx, "ChatService.Stream", telemetry.SpanAttributes{
		DocumentID: t.document.ID,
		SessionID:  t.session.ID,
		Operation:  "chat_stream",
	})
	defer span.End()

	emit := func(ev domain.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var content strings.Builder
	fail := func(err error) {
		_ = s.failTurn(ctx, t, content.String(), err)
		if ctx.Err() == nil {
			emit(domain.ErrorEvent(generationFailedMessage))
		}
	}

	if !emit(domain.ThinkingEvent(domain.StageSearching, "Searching document for relevant information...", nil)) {
		fail(ctx.Err())
		return
	}

	chunks, err := s.retrieve(ctx, t)
	if err != nil {
		fail(err)
		return
	}

	if len(chunks) == 0 {
		s.streamNoInformation(ctx, t, emit, &content, fail)
		return
	}

	previews := make([]domain.ContextPreview, 0, maxPreviewChunks)
	for _, c := range chunks[:min(len(chunks), maxPreviewChunks)] {
		previews = append(previews, domain.ContextPreview{
			Page:    c.Page,
			Section: c.Section,
			Preview: truncate(c.Text, previewRunes),
		})
	}
	if !emit(domain.ThinkingEvent(domain.StageReading, fmt.Sprintf("Reading %d relevant sections...", len(chunks)), previews)) {
		fail(ctx.Err())
		return
	}
	if !emit(domain.ThinkingEvent(domain.StageGenerating, "Generating response...", nil)) {
		fail(ctx.Err())
		return
	}

	stream, err := s.generator.Stream(ctx, BuildPrompt(t.question, chunks, t.history))
	if err != nil {
		fail(err)
		return
	}
	defer stream.Close()

	for {
		delta, err := stream.Recv()
		if openai.IsEOF(err) {
			break
		}
		if err != nil {
			fail(err)
			return
		}
		if !emit(domain.ContentEvent(delta)) {
			fail(ctx.Err())
			return
		}
		content.WriteString(delta)
	}

	answer := content.String()
	citations := MapCitations(answer, chunks)
	if err := s.persist(ctx, t, s.assistantMessage(t, answer, citations, false)); err != nil {
		s.logger.Error("failed to persist chat turn", "session_id", t.session.ID, "error", err)
		telemetry.CaptureError(ctx, err)
	}
	emit(domain.CitationsEvent(citations))
}

func (s *ChatService) streamNoInformation(
	ctx context.Context,
	t *turn,
	emit func(domain.StreamEvent) bool,
	content *strings.Builder,
	fail func(error),
) {
	if !emit(domain.ThinkingEvent(domain.StageComplete, "No relevant sections found.", nil)) {
		fail(ctx.Err())
		return
	}
	if !emit(domain.ContentEvent(NoInformationAnswer)) {
		fail(ctx.Err())
		return
	}
	content.WriteString(NoInformationAnswer)

	if err := s.persist(ctx, t, s.assistantMessage(t, NoInformationAnswer, nil, false)); err != nil {
		s.logger.Error("failed to persist chat turn", "session_id", t.session.ID, "error", err)
	}
	emit(domain.CitationsEvent([]domain.Citation{}))
}

// retrieve treats an empty document as zero chunks; the turn then answers
// with NoInformationAnswer.
func (s *ChatService) retrieve(ctx context.Context, t *turn) ([]domain.ScoredChunk, error) {
	chunks, err := s.retriever.Retrieve(ctx, t.document.ID, t.question, 0)
	if errors.Is(err, domain.ErrRetrievalEmpty) {
		return nil, nil
	}
	return chunks, err
}
