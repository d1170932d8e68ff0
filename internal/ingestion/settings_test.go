package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
}

func TestRetryPolicy_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("retries transient errors until success", func(t *testing.T) {
		calls := 0
		var notified []error
		err := fastRetry.Do(ctx, func() error {
			calls++
			if calls < 3 {
				return domain.Transient(errors.New("503"))
			}
			return nil
		}, func(err error, _ time.Duration) {
			notified = append(notified, err)
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Len(t, notified, 2)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := fastRetry.Do(ctx, func() error {
			calls++
			return domain.Transient(errors.New("timeout"))
		}, nil)

		require.Error(t, err)
		assert.True(t, domain.IsTransient(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		cause := errors.New("bad request")
		err := fastRetry.Do(ctx, func() error {
			calls++
			return cause
		}, nil)

		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 1, calls)
	})

	t.Run("zero attempts still tries once", func(t *testing.T) {
		calls := 0
		err := RetryPolicy{}.Do(ctx, func() error {
			calls++
			return domain.Transient(errors.New("x"))
		}, nil)

		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := fastRetry.Do(ctx, func() error {
			calls++
			cancel()
			return domain.Transient(errors.New("x"))
		}, nil)

		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.Equal(t, 800, s.Chunking.TargetTokens)
	assert.Equal(t, 200, s.Chunking.OverlapTokens)
	assert.Equal(t, 100, s.EmbeddingBatchSize)
	assert.Equal(t, 3, s.Retry.MaxAttempts)
	assert.Equal(t, 100, s.OCRMinChars)
	assert.InDelta(t, 0.5, s.OCRPageRatio, 1e-9)
}
