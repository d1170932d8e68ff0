package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"golang.org/x/sync/errgroup"
)

// EmbeddingClient produces one vector per input text, in order.
type EmbeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder batches texts and embeds the batches concurrently. Each batch
// retries on its own; the first batch to fail for good cancels the rest.
type Embedder struct {
	client      EmbeddingClient
	batchSize   int
	concurrency int
	retry       RetryPolicy
	logger      *slog.Logger
}

func NewEmbedder(client EmbeddingClient, settings Settings, logger *slog.Logger) *Embedder {
	batchSize := settings.EmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = DefaultSettings().EmbeddingBatchSize
	}
	concurrency := settings.EmbeddingConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Embedder{
		client:      client,
		batchSize:   batchSize,
		concurrency: concurrency,
		retry:       settings.Retry,
		logger:      logger,
	}
}

// Embed returns vectors aligned with texts. Errors other than a dimension
// mismatch are wrapped as fatal processing errors once retries run out.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			return e.embedBatch(gctx, texts[start:end], vectors[start:end], start)
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, domain.ErrDimensionMismatch) {
			return nil, err
		}
		return nil, domain.Fatal("embedding failed", err)
	}
	return vectors, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string, out [][]float32, offset int) error {
	var batch [][]float32
	err := e.retry.Do(ctx, func() error {
		var err error
		batch, err = e.client.Embed(ctx, texts)
		return err
	}, func(err error, wait time.Duration) {
		e.logger.Warn("embedding batch failed, retrying",
			"offset", offset,
			"size", len(texts),
			"wait", wait,
			"error", err,
		)
	})
	if err != nil {
		return fmt.Errorf("batch at %d: %w", offset, err)
	}
	copy(out, batch)
	return nil
}
