package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"golang.org/x/sync/errgroup"
)

// IngestionJobRepository defines the queue operations the worker needs
type IngestionJobRepository interface {
	ClaimPending(ctx context.Context, limit int) ([]*domain.IngestionJob, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	RequeueStale(ctx context.Context, lease time.Duration, maxAttempts int) (*domain.StaleJobs, error)
	Heartbeat(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// ErrHalted is returned once a job hit an error that no document can get
// past, such as an embedding dimension mismatch. The Worker stops polling.
var ErrHalted = errors.New("ingestion halted")

// Ingester runs the ingestion pipeline for one document.
type Ingester interface {
	Ingest(ctx context.Context, documentID string) error
}

type IngestionWorkerConfig struct {
	BatchSize   int
	Concurrency int
	// Lease is how long a claim stays valid without a heartbeat. Running jobs
	// renew it every Lease/3; an expired claim is requeued.
	Lease time.Duration
	// MaxAttempts caps how often an abandoned job is requeued before it and
	// its document are failed.
	MaxAttempts int
}

// IngestionWorker claims queued ingestion jobs and runs them with bounded
// concurrency.
type IngestionWorker struct {
	repo     IngestionJobRepository
	ingester Ingester
	cfg      IngestionWorkerConfig
	logger   *slog.Logger

	mu     sync.Mutex
	halted error
}

func NewIngestionWorker(repo IngestionJobRepository, ingester Ingester, cfg IngestionWorkerConfig, logger *slog.Logger) *IngestionWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &IngestionWorker{
		repo:     repo,
		ingester: ingester,
		cfg:      cfg,
		logger:   logger,
	}
}

// ProcessJobs implements the JobProcessor interface
func (w *IngestionWorker) ProcessJobs(ctx context.Context) error {
	if err := w.haltErr(); err != nil {
		return err
	}

	if w.cfg.Lease > 0 {
		stale, err := w.repo.RequeueStale(ctx, w.cfg.Lease, w.cfg.MaxAttempts)
		if err != nil {
			return fmt.Errorf("failed to requeue stale jobs: %w", err)
		}
		if len(stale.Requeued) > 0 {
			w.logger.Warn("requeued stale ingestion jobs", "document_ids", stale.Requeued)
		}
		if len(stale.Exhausted) > 0 {
			w.logger.Error("failed ingestion jobs that exhausted their attempts",
				"document_ids", stale.Exhausted, "max_attempts", w.cfg.MaxAttempts)
		}
	}

	jobs, err := w.repo.ClaimPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim pending jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	w.logger.Info("processing ingestion jobs", "count", len(jobs))

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			w.processJob(ctx, job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return w.haltErr()
}

func (w *IngestionWorker) halt(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.halted == nil {
		w.halted = fmt.Errorf("%w: %w", ErrHalted, cause)
	}
}

func (w *IngestionWorker) haltErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.halted
}

func (w *IngestionWorker) processJob(ctx context.Context, job *domain.IngestionJob) {
	logger := w.logger.With("job_id", job.ID, "document_id", job.DocumentID, "attempt", job.Attempts)
	logger.Info("ingestion job started")

	stopHeartbeat := w.heartbeat(ctx, job.ID, logger)
	err := w.ingester.Ingest(ctx, job.DocumentID)
	stopHeartbeat()
	if ctx.Err() != nil {
		logger.Warn("ingestion job interrupted, left for requeue")
		return
	}

	// Job bookkeeping must land even if shutdown starts now.
	ctx = context.WithoutCancel(ctx)
	if errors.Is(err, domain.ErrDimensionMismatch) {
		if relErr := w.repo.Release(ctx, job.ID); relErr != nil {
			logger.Error("failed to release job", "error", relErr)
		}
		logger.Error("ingestion halted by a configuration error, job released", "error", err)
		w.halt(err)
		return
	}
	if err != nil {
		if markErr := w.repo.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			logger.Error("failed to mark job failed", "error", markErr)
		}
		logger.Warn("ingestion job failed", "error", err)
		return
	}

	if err := w.repo.MarkCompleted(ctx, job.ID); err != nil {
		logger.Error("failed to mark job completed", "error", err)
		return
	}
	logger.Info("ingestion job completed")
}

// heartbeat renews the job's claim until the returned func is called. The
// func waits for the renewing goroutine to exit.
func (w *IngestionWorker) heartbeat(ctx context.Context, jobID string, logger *slog.Logger) func() {
	if w.cfg.Lease <= 0 {
		return func() {}
	}
	interval := w.cfg.Lease / 3

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := w.repo.Heartbeat(ctx, jobID)
				switch {
				case err != nil && ctx.Err() == nil:
					logger.Warn("failed to renew job claim", "error", err)
				case err == nil && !ok:
					logger.Warn("job claim lost, it may have been requeued")
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
