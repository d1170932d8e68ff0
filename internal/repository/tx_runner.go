package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloo-solutions/docchat/internal/service"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres aborts one side of a conflict with these codes; the whole
// transaction can be replayed.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

const maxTxAttempts = 3

// TxRunner hands out repositories that share one database transaction.
type TxRunner struct {
	pool     *pgxpool.Pool
	attempts uint64
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool, attempts: maxTxAttempts}
}

// WithTx commits when fn returns nil and rolls back otherwise. A transaction
// aborted by a serialization failure or deadlock is retried from the start,
// so fn must not have side effects outside the database.
func (r *TxRunner) WithTx(ctx context.Context, fn func(repos service.TxRepositories) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	op := func() error {
		err := r.runOnce(ctx, fn)
		if err != nil && !isRetryableTxError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.attempts-1), ctx))
}

func (r *TxRunner) runOnce(ctx context.Context, fn func(repos service.TxRepositories) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txRepos{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

// txRepos binds each repository to the open transaction on first use.
type txRepos struct {
	tx pgx.Tx

	documents *DocumentRepository
	chunks    *ChunkRepository
	jobs      *IngestionJobRepository
	chat      *ChatRepository
}

func (r *txRepos) Documents() service.DocumentRepositoryInterface {
	if r.documents == nil {
		r.documents = NewDocumentRepositoryWithTx(r.tx)
	}
	return r.documents
}

func (r *txRepos) Chunks() service.ChunkRepositoryInterface {
	if r.chunks == nil {
		r.chunks = NewChunkRepositoryWithTx(r.tx)
	}
	return r.chunks
}

func (r *txRepos) IngestionJobs() service.IngestionJobRepositoryInterface {
	if r.jobs == nil {
		r.jobs = NewIngestionJobRepositoryWithTx(r.tx)
	}
	return r.jobs
}

func (r *txRepos) Chat() service.ChatRepositoryInterface {
	if r.chat == nil {
		r.chat = NewChatRepositoryWithTx(r.tx)
	}
	return r.chat
}
