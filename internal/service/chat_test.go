package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type chatFixture struct {
	docs      *MockDocumentRepository
	chat      *MockChatRepository
	retriever *MockRetriever
	generator *MockGenerator
	tx        *testTxRunner
	svc       *ChatService
}

func newChatFixture() *chatFixture {
	f := &chatFixture{
		docs:      new(MockDocumentRepository),
		chat:      new(MockChatRepository),
		retriever: new(MockRetriever),
		generator: new(MockGenerator),
	}
	f.tx = &testTxRunner{repos: &testTxRepos{chat: f.chat}}
	f.svc = NewChatService(f.docs, f.chat, f.tx, f.retriever, f.generator, 6, nil)
	f.svc.uuidGen = NewMockUUIDGenerator("session-1", "user-msg", "assistant-msg")
	f.svc.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return f
}

func (f *chatFixture) readyDocument(id string) {
	f.docs.On("GetByID", mock.Anything, id).Return(&domain.Document{ID: id, Status: domain.DocumentStatusReady}, nil)
}

// appended captures the messages of each AppendMessages call.
func (f *chatFixture) appended() *[][]*domain.ChatMessage {
	var calls [][]*domain.ChatMessage
	f.chat.On("AppendMessages", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		calls = append(calls, args.Get(1).([]*domain.ChatMessage))
	}).Return(nil)
	return &calls
}

func retrievedChunks() []domain.ScoredChunk {
	return []domain.ScoredChunk{
		{Chunk: domain.Chunk{ID: "chunk-a", Page: 1, Ordinal: 0, Text: "The warranty lasts two years."}, Similarity: 0.92},
		{Chunk: domain.Chunk{ID: "chunk-b", Page: 3, Ordinal: 4, Section: "Returns", Text: "Returns within 30 days."}, Similarity: 0.81},
	}
}

func drain(events <-chan domain.StreamEvent) []domain.StreamEvent {
	var out []domain.StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []domain.StreamEvent) []domain.EventType {
	types := make([]domain.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestChatService_Chat(t *testing.T) {
	ctx := context.Background()

	t.Run("answers, cites and persists a new session", func(t *testing.T) {
		f := newChatFixture()
		f.readyDocument("doc-1")
		f.retriever.On("Retrieve", mock.Anything, "doc-1", "How long is the warranty?", 0).Return(retrievedChunks(), nil)
		f.generator.On("Complete", mock.Anything, mock.Anything).Return("It lasts **two years** [p. 1].", nil)
		f.chat.On("CreateSession", mock.Anything, mock.MatchedBy(func(s *domain.ChatSession) bool {
			return s.ID == "session-1" && s.DocumentID == "doc-1" && s.Title == "How long is the warranty?"
		})).Return(nil)
		calls := f.appended()

		result, err := f.svc.Chat(ctx, ChatInput{DocumentID: "doc-1", Message: "  How long is the warranty?  "})

		require.NoError(t, err)
		assert.Equal(t, "session-1", result.SessionID)
		assert.Equal(t, "assistant-msg", result.MessageID)
		require.Len(t, result.Citations, 1)
		assert.Equal(t, 1, result.Citations[0].Page)
		require.NotNil(t, result.Citations[0].ChunkID)
		assert.Equal(t, "chunk-a", *result.Citations[0].ChunkID)

		require.Len(t, *calls, 1)
		msgs := (*calls)[0]
		require.Len(t, msgs, 2)
		assert.Equal(t, domain.RoleUser, msgs[0].Role)
		assert.Equal(t, "How long is the warranty?", msgs[0].Content)
		assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
		assert.False(t, msgs[1].Incomplete)
		f.chat.AssertExpectations(t)
	})

	t.Run("includes recent history for an existing session", func(t *testing.T) {
		f := newChatFixture()
		f.svc.uuidGen = NewMockUUIDGenerator("user-msg", "assistant-msg")
		f.readyDocument("doc-1")
		f.chat.On("GetSession", mock.Anything, "session-9").Return(&domain.ChatSession{ID: "session-9", DocumentID: "doc-1"}, nil)
		history := []*domain.ChatMessage{
			{Role: domain.RoleUser, Content: "earlier question"},
			{Role: domain.RoleAssistant, Content: "earlier answer"},
		}
		f.chat.On("RecentMessages", mock.Anything, "session-9", 6).Return(history, nil)
		f.retriever.On("Retrieve", mock.Anything, "doc-1", "and returns?", 0).Return(retrievedChunks(), nil)
		f.generator.On("Complete", mock.Anything, mock.MatchedBy(func(msgs []domain.PromptMessage) bool {
			return len(msgs) == 4 && msgs[1].Content == "earlier question" && msgs[2].Role == domain.RoleAssistant
		})).Return("Within 30 days.", nil)
		f.appended()

		result, err := f.svc.Chat(ctx, ChatInput{DocumentID: "doc-1", SessionID: "session-9", Message: "and returns?"})

		require.NoError(t, err)
		assert.Equal(t, "session-9", result.SessionID)
		f.chat.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything)
		f.generator.AssertExpectations(t)
	})

	t.Run("answers without generation when nothing is retrieved", func(t *testing.T) {
		f := newChatFixture()
		f.readyDocument("doc-1")
		f.retriever.On("Retrieve", mock.Anything, "doc-1", "anything", 0).Return(nil, domain.ErrRetrievalEmpty)
		f.chat.On("CreateSession", mock.Anything, mock.Anything).Return(nil)
		f.appended()

		result, err := f.svc.Chat(ctx, ChatInput{DocumentID: "doc-1", Message: "anything"})

		require.NoError(t, err)
		assert.Equal(t, NoInformationAnswer, result.Content)
		assert.NotNil(t, result.Citations)
		assert.Empty(t, result.Citations)
		f.generator.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	})

	t.Run("keeps the question when generation fails", func(t *testing.T) {
		f := newChatFixture()
		f.readyDocument("doc-1")
		f.retriever.On("Retrieve", mock.Anything, "doc-1", "q", 0).Return(retrievedChunks(), nil)
		f.generator.On("Complete", mock.Anything, mock.Anything).Return("", errors.New("upstream 500"))
		f.chat.On("CreateSession", mock.Anything, mock.Anything).Return(nil)
		calls := f.appended()

		_, err := f.svc.Chat(ctx, ChatInput{DocumentID: "doc-1", Message: "q"})

		require.Error(t, err)
		assert.Equal(t, domain.ErrCodeGeneration, domain.CodeOf(err))
		require.Len(t, *calls, 1)
		require.Len(t, (*calls)[0], 1)
		assert.Equal(t, domain.RoleUser, (*calls)[0][0].Role)
	})
}

func TestChatService_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(f *chatFixture)
		input   ChatInput
		wantErr error
	}{
		{
			name:    "empty message",
			setup:   func(f *chatFixture) {},
			input:   ChatInput{DocumentID: "doc-1", Message: "   "},
			wantErr: domain.ErrEmptyMessage,
		},
		{
			name: "unknown document",
			setup: func(f *chatFixture) {
				f.docs.On("GetByID", mock.Anything, "doc-x").Return(nil, domain.ErrDocumentNotFound)
			},
			input:   ChatInput{DocumentID: "doc-x", Message: "hi"},
			wantErr: domain.ErrDocumentNotFound,
		},
		{
			name: "document not ready",
			setup: func(f *chatFixture) {
				f.docs.On("GetByID", mock.Anything, "doc-1").Return(&domain.Document{ID: "doc-1", Status: domain.DocumentStatusProcessing}, nil)
			},
			input:   ChatInput{DocumentID: "doc-1", Message: "hi"},
			wantErr: domain.ErrDocumentNotReady,
		},
		{
			name: "session of another document",
			setup: func(f *chatFixture) {
				f.readyDocument("doc-1")
				f.chat.On("GetSession", mock.Anything, "s-2").Return(&domain.ChatSession{ID: "s-2", DocumentID: "doc-2"}, nil)
			},
			input:   ChatInput{DocumentID: "doc-1", SessionID: "s-2", Message: "hi"},
			wantErr: domain.ErrSessionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChatFixture()
			tt.setup(f)

			_, err := f.svc.Chat(ctx, tt.input)
			assert.ErrorIs(t, err, tt.wantErr)

			_, err = f.svc.Stream(ctx, tt.input)
			assert.ErrorIs(t, err, tt.wantErr)

			f.retriever.AssertNotCalled(t, "Retrieve", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			assert.False(t, f.tx.called)
		})
	}
}

func TestChatService_Stream(t *testing.T) {
	ctx := context.Background()

	t.Run("emits thinking, content and citations in order", func(t *testing.T) {
		f := newChatFixture()
		f.readyDocument("doc-1")
		f.retriever.On("Retrieve", mock.Anything, "doc-1", "warranty?", 0).Return(retrievedChunks(), nil)
		stream := &fakeStream{deltas: []string{"Two ", "years ", "[p. 1]."}}
		f.generator.On("Stream", mock.Anything, mock.Anything).Return(stream, nil)
		f.chat.On("CreateSession", mock.Anything, mock.Anything).Return(nil)
		calls := f.appended()

		result, err := f.svc.Stream(ctx, ChatInput{DocumentID: "doc-1", Message: "warranty?"})
		require.NoError(t, err)
		assert.Equal(t, "session-1", result.SessionID)

		events := drain(result.Events)
		assert.Equal(t, []domain.EventType{
			domain.EventThinking, domain.EventThinking, domain.EventThinking,
			domain.EventContent, domain.EventContent, domain.EventContent,
			domain.EventCitations,
		}, eventTypes(events))

		assert.Equal(t, domain.StageSearching, events[0].Stage)
		assert.Equal(t, domain.StageReading, events[1].Stage)
		assert.Equal(t, "Reading 2 relevant sections...", events[1].Content)
		require.Len(t, events[1].Context, 2)
		assert.Equal(t, "Returns", events[1].Context[1].Section)
		assert.Equal(t, domain.StageGenerating, events[2].Stage)

		require.Len(t, events[6].Citations, 1)
		assert.Equal(t, 1, events[6].Citations[0].Page)

		require.Len(t, *calls, 1)
		assert.Equal(t, "Two years [p. 1].", (*calls)[0][1].Content)
		assert.True(t, stream.closed)
	})

	t.Run("zero chunks skip generation", func(t *testing.T) {
		f := newChatFixture()
		f.readyDocument("doc-1")
		f.retriever.On("Retrieve", mock.Anything, "doc-1", "q", 0).Return(nil, domain.ErrRetrievalEmpty)
		f.chat.On("CreateSession", mock.Anything, mock.Anything).Return(nil)
		f.appended()

		result, err := f.svc.Stream(ctx, ChatInput{DocumentID: "doc-1", Message: "q"})
		require.NoError(t, err)

		events := drain(result.Events)
		assert.Equal(t, []domain.EventType{
			domain.EventThinking, domain.EventThinking, domain.EventContent, domain.EventCitations,
		}, eventTypes(events))
		assert.Equal(t, domain.StageComplete, events[1].Stage)
		assert.Equal(t, NoInformationAnswer, events[2].Content)
		assert.Empty(t, events[3].Citations)
		f.generator.AssertNotCalled(t, "Stream", mock.Anything, mock.Anything)
	})

	t.Run("generation error ends with an error event", func(t *testing.T) {
		f := newChatFixture()
		f.readyDocument("doc-1")
		f.retriever.On("Retrieve", mock.Anything, "doc-1", "q", 0).Return(retrievedChunks(), nil)
		stream := &fakeStream{deltas: []string{"Partial "}, err: errors.New("connection reset")}
		f.generator.On("Stream", mock.Anything, mock.Anything).Return(stream, nil)
		f.chat.On("CreateSession", mock.Anything, mock.Anything).Return(nil)
		calls := f.appended()

		result, err := f.svc.Stream(ctx, ChatInput{DocumentID: "doc-1", Message: "q"})
		require.NoError(t, err)

		events := drain(result.Events)
		last := events[len(events)-1]
		assert.Equal(t, domain.EventError, last.Type)
		assert.Equal(t, generationFailedMessage, last.Content)
		for _, ev := range events {
			assert.NotEqual(t, domain.EventCitations, ev.Type)
		}

		require.Len(t, *calls, 1)
		require.Len(t, (*calls)[0], 2)
		assert.Equal(t, "Partial ", (*calls)[0][1].Content)
		assert.True(t, (*calls)[0][1].Incomplete)
	})

	t.Run("open stream failure persists the question only", func(t *testing.T) {
		f := newChatFixture()
		f.readyDocument("doc-1")
		f.retriever.On("Retrieve", mock.Anything, "doc-1", "q", 0).Return(retrievedChunks(), nil)
		f.generator.On("Stream", mock.Anything, mock.Anything).Return(nil, errors.New("401"))
		f.chat.On("CreateSession", mock.Anything, mock.Anything).Return(nil)
		calls := f.appended()

		result, err := f.svc.Stream(ctx, ChatInput{DocumentID: "doc-1", Message: "q"})
		require.NoError(t, err)

		events := drain(result.Events)
		assert.Equal(t, domain.EventError, events[len(events)-1].Type)
		require.Len(t, *calls, 1)
		assert.Len(t, (*calls)[0], 1)
	})

	t.Run("client abort keeps the partial answer", func(t *testing.T) {
		f := newChatFixture()
		f.readyDocument("doc-1")
		f.retriever.On("Retrieve", mock.Anything, "doc-1", "q", 0).Return(retrievedChunks(), nil)
		stream := &fakeStream{deltas: []string{"one ", "two ", "three ", "four "}}
		f.generator.On("Stream", mock.Anything, mock.Anything).Return(stream, nil)
		f.chat.On("CreateSession", mock.Anything, mock.Anything).Return(nil)
		persisted := make(chan []*domain.ChatMessage, 1)
		f.chat.On("AppendMessages", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			persisted <- args.Get(1).([]*domain.ChatMessage)
		}).Return(nil)

		ctx, cancel := context.WithCancel(context.Background())
		result, err := f.svc.Stream(ctx, ChatInput{DocumentID: "doc-1", Message: "q"})
		require.NoError(t, err)

		contents := 0
		for ev := range result.Events {
			if ev.Type == domain.EventContent {
				contents++
				if contents == 2 {
					cancel()
					break
				}
			}
		}

		var msgs []*domain.ChatMessage
		select {
		case msgs = <-persisted:
		case <-time.After(2 * time.Second):
			t.Fatal("partial turn was not persisted")
		}
		// Nothing else is emitted once the turn is recorded.
		for ev := range result.Events {
			t.Fatalf("unexpected event after abort: %v", ev.Type)
		}

		require.Len(t, msgs, 2)
		assert.Equal(t, "one two ", msgs[1].Content)
		assert.True(t, msgs[1].Incomplete)
		assert.Empty(t, msgs[1].Citations)
		assert.True(t, stream.closed)
	})
}

func TestChatService_StreamEOFOnlyProducesEmptyAnswer(t *testing.T) {
	f := newChatFixture()
	f.readyDocument("doc-1")
	f.retriever.On("Retrieve", mock.Anything, "doc-1", "q", 0).Return(retrievedChunks(), nil)
	f.generator.On("Stream", mock.Anything, mock.Anything).Return(&fakeStream{err: io.EOF}, nil)
	f.chat.On("CreateSession", mock.Anything, mock.Anything).Return(nil)
	f.appended()

	result, err := f.svc.Stream(context.Background(), ChatInput{DocumentID: "doc-1", Message: "q"})
	require.NoError(t, err)

	events := drain(result.Events)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventCitations, last.Type)
	// No markers in an empty answer: the top chunks on distinct pages are cited.
	assert.Len(t, last.Citations, 2)
}
