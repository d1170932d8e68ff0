// Package ingestion turns an uploaded PDF into stored, embedded chunks.
package ingestion

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloo-solutions/docchat/internal/domain"
)

// ChunkOptions sizes the chunker windows, in tokens.
type ChunkOptions struct {
	TargetTokens      int
	OverlapTokens     int
	BoundaryTolerance int
}

// RetryPolicy bounds the retries of one stage. MaxAttempts counts the first
// try, so 3 means up to two retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Settings tunes the whole pipeline.
type Settings struct {
	Chunking             ChunkOptions
	EmbeddingBatchSize   int
	EmbeddingConcurrency int
	Retry                RetryPolicy
	OCRMinChars          int
	OCRPageRatio         float64
}

func DefaultSettings() Settings {
	return Settings{
		Chunking: ChunkOptions{
			TargetTokens:      800,
			OverlapTokens:     200,
			BoundaryTolerance: 100,
		},
		EmbeddingBatchSize:   100,
		EmbeddingConcurrency: 4,
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		OCRMinChars:  100,
		OCRPageRatio: 0.5,
	}
}

// Do runs op until it succeeds, returns a non-transient error, or the
// attempts run out. notify, when set, sees every error that will be retried.
func (p RetryPolicy) Do(ctx context.Context, op func() error, notify func(err error, wait time.Duration)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, notify)
}
