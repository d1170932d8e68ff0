package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/cloo-solutions/docchat/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultEmbeddingModel      = "text-embedding-3-small"
	DefaultEmbeddingDimensions = domain.EmbeddingDimensions
	DefaultChatModel           = "gpt-4o-mini"
	DefaultTemperature         = 0.3
	DefaultMaxTokens           = 1000
)

var (
	// ErrEmptyText is returned when an embedding input is empty
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrNoAPIKey is returned when no OpenAI API key is configured
	ErrNoAPIKey = errors.New("openai api key not set")
	// ErrNoChoices is returned when a completion carries no choices
	ErrNoChoices = errors.New("completion returned no choices")
)

// EmbeddingAPI defines the interface for batch embedding generation.
// Vectors are returned in input order.
type EmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatStream yields content deltas until io.EOF.
type ChatStream interface {
	Recv() (string, error)
	Close() error
}

// ChatAPI defines the interface for answer generation.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, messages []domain.PromptMessage) (string, error)
	CreateChatCompletionStream(ctx context.Context, messages []domain.PromptMessage) (ChatStream, error)
}

// Client wraps the OpenAI API with dimension checks, rate limiting and a
// circuit breaker shared by embeddings and chat.
type Client struct {
	api        EmbeddingAPI
	chat       ChatAPI
	guard      *guard
	dimensions int
}

type Config struct {
	APIKey              string
	BaseURL             string
	EmbeddingModel      string
	EmbeddingDimensions int
	ChatModel           string
	Temperature         float32
	MaxTokens           int
	RequestsPerSecond   float64
	Burst               int
	Logger              *slog.Logger
}

// OpenAIAdapter implements EmbeddingAPI and ChatAPI over go-openai.
type OpenAIAdapter struct {
	client         *openai.Client
	embeddingModel openai.EmbeddingModel
	chatModel      string
	temperature    float32
	maxTokens      int
}

func NewOpenAIAdapter(cfg Config) *OpenAIAdapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = DefaultEmbeddingModel
	}
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = DefaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &OpenAIAdapter{
		client:         openai.NewClientWithConfig(clientCfg),
		embeddingModel: openai.EmbeddingModel(embeddingModel),
		chatModel:      chatModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
	}
}

// CreateEmbeddings calls the OpenAI API for a batch of inputs
func (a *OpenAIAdapter) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: a.embeddingModel,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (a *OpenAIAdapter) request(messages []domain.PromptMessage, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       a.chatModel,
		Messages:    msgs,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
		Stream:      stream,
	}
}

func (a *OpenAIAdapter) CreateChatCompletion(ctx context.Context, messages []domain.PromptMessage) (string, error) {
	resp, err := a.client.CreateChatCompletion(ctx, a.request(messages, false))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

func (a *OpenAIAdapter) CreateChatCompletionStream(ctx context.Context, messages []domain.PromptMessage) (ChatStream, error) {
	stream, err := a.client.CreateChatCompletionStream(ctx, a.request(messages, true))
	if err != nil {
		return nil, err
	}
	return &streamAdapter{stream: stream}, nil
}

type streamAdapter struct {
	stream *openai.ChatCompletionStream
}

func (s *streamAdapter) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *streamAdapter) Close() error {
	s.stream.Close()
	return nil
}

// NewClient creates a new OpenAI client using defaults.
func NewClient(apiKey string) *Client {
	return NewClientWithConfig(Config{APIKey: apiKey})
}

// NewClientWithConfig creates a new OpenAI client with explicit configuration.
func NewClientWithConfig(cfg Config) *Client {
	adapter := NewOpenAIAdapter(cfg)
	return newClient(adapter, adapter, cfg)
}

func newClient(api EmbeddingAPI, chat ChatAPI, cfg Config) *Client {
	dimensions := cfg.EmbeddingDimensions
	if dimensions <= 0 {
		dimensions = DefaultEmbeddingDimensions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		api:        api,
		chat:       chat,
		guard:      newGuard(cfg.RequestsPerSecond, cfg.Burst, logger),
		dimensions: dimensions,
	}
}

// Dimensions is the vector size every embedding must have.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Embed returns one vector per text, in order. A vector of the wrong size is
// domain.ErrDimensionMismatch; upstream failures that may pass on retry are
// wrapped with domain.Transient.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, t := range texts {
		if t == "" {
			return nil, ErrEmptyText
		}
	}

	var vectors [][]float32
	err := c.guard.do(ctx, func() error {
		var err error
		vectors, err = c.api.CreateEmbeddings(ctx, texts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}

	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vectors))
	}
	for _, v := range vectors {
		if len(v) != c.dimensions {
			return nil, domain.NewDomainErrorWithCause(
				domain.ErrCodeProcessingFailed,
				domain.ErrDimensionMismatch.Message,
				fmt.Errorf("got %d dimensions, expected %d", len(v), c.dimensions),
			)
		}
	}
	return vectors, nil
}

// EmbedQuery embeds a single question.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Complete generates a whole answer in one call.
func (c *Client) Complete(ctx context.Context, messages []domain.PromptMessage) (string, error) {
	var answer string
	err := c.guard.do(ctx, func() error {
		var err error
		answer, err = c.chat.CreateChatCompletion(ctx, messages)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create completion: %w", err)
	}
	return answer, nil
}

// Stream opens a streamed completion. Only opening the stream goes through
// the breaker; errors while reading are reported by the returned stream.
func (c *Client) Stream(ctx context.Context, messages []domain.PromptMessage) (ChatStream, error) {
	var stream ChatStream
	err := c.guard.do(ctx, func() error {
		var err error
		stream, err = c.chat.CreateChatCompletionStream(ctx, messages)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open completion stream: %w", err)
	}
	return stream, nil
}

// IsEOF reports whether a stream ended normally.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
