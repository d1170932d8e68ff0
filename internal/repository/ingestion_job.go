package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type IngestionJobRepository struct {
	db dbtx
}

func NewIngestionJobRepository(pool *pgxpool.Pool) *IngestionJobRepository {
	return &IngestionJobRepository{db: pool}
}

func NewIngestionJobRepositoryWithTx(tx pgx.Tx) *IngestionJobRepository {
	return &IngestionJobRepository{db: tx}
}

const ingestionJobColumns = `id, document_id, status, attempts, error, created_at, claimed_at, processed_at`

func (r *IngestionJobRepository) Create(ctx context.Context, job *domain.IngestionJob) error {
	if err := domain.ValidateIngestionJob(job); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO ingestion_jobs (id, document_id, status, attempts, error, created_at, claimed_at, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.DocumentID, job.Status, job.Attempts, nullableString(job.Error),
		job.CreatedAt, job.ClaimedAt, job.ProcessedAt,
	)
	return err
}

func (r *IngestionJobRepository) GetByID(ctx context.Context, id string) (*domain.IngestionJob, error) {
	row := r.db.QueryRow(ctx, `SELECT `+ingestionJobColumns+` FROM ingestion_jobs WHERE id = $1`, id)
	job, err := scanIngestionJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrIngestionJobNotFound
	}
	return job, err
}

func scanIngestionJob(row pgx.Row) (*domain.IngestionJob, error) {
	var job domain.IngestionJob
	var errMsg pgtype.Text
	if err := row.Scan(&job.ID, &job.DocumentID, &job.Status, &job.Attempts, &errMsg,
		&job.CreatedAt, &job.ClaimedAt, &job.ProcessedAt); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	return &job, nil
}

// ClaimPending atomically moves up to limit pending jobs to processing.
// Concurrent callers never claim the same job.
func (r *IngestionJobRepository) ClaimPending(ctx context.Context, limit int) ([]*domain.IngestionJob, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.Query(ctx,
		`WITH cte AS (
			 SELECT id
			 FROM ingestion_jobs
			 WHERE status = $1
			 ORDER BY created_at ASC
			 FOR UPDATE SKIP LOCKED
			 LIMIT $2
		 )
		 UPDATE ingestion_jobs
		 SET status = $3,
		     attempts = ingestion_jobs.attempts + 1,
		     claimed_at = NOW(),
		     error = NULL,
		     processed_at = NULL
		 FROM cte
		 WHERE ingestion_jobs.id = cte.id
		 RETURNING ingestion_jobs.id, ingestion_jobs.document_id, ingestion_jobs.status, ingestion_jobs.attempts,
		           ingestion_jobs.error, ingestion_jobs.created_at, ingestion_jobs.claimed_at, ingestion_jobs.processed_at`,
		domain.IngestionJobStatusPending, limit, domain.IngestionJobStatusProcessing,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.IngestionJob
	for rows.Next() {
		job, err := scanIngestionJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *IngestionJobRepository) MarkCompleted(ctx context.Context, id string) error {
	return r.finish(ctx, id, domain.IngestionJobStatusCompleted, "")
}

func (r *IngestionJobRepository) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return r.finish(ctx, id, domain.IngestionJobStatusFailed, errMsg)
}

func (r *IngestionJobRepository) finish(ctx context.Context, id string, status domain.IngestionJobStatus, errMsg string) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE ingestion_jobs SET status = $1, error = $2, processed_at = $3 WHERE id = $4`,
		status, nullableString(errMsg), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrIngestionJobNotFound
	}
	return nil
}

// Release returns a running job to pending without spending an attempt.
func (r *IngestionJobRepository) Release(ctx context.Context, id string) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET status = $2, claimed_at = NULL, attempts = GREATEST(attempts - 1, 0)
		 WHERE id = $1 AND status = $3`,
		id, domain.IngestionJobStatusPending, domain.IngestionJobStatusProcessing,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrIngestionJobNotFound
	}
	return nil
}

// Heartbeat renews the claim of a running job so RequeueStale leaves it
// alone. It reports false once the job is no longer processing.
func (r *IngestionJobRepository) Heartbeat(ctx context.Context, id string) (bool, error) {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE ingestion_jobs SET claimed_at = NOW() WHERE id = $1 AND status = $2`,
		id, domain.IngestionJobStatusProcessing,
	)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() == 1, nil
}

// RequeueStale recovers jobs whose claim is older than lease. A job that has
// used fewer than maxAttempts claims goes back to pending and its document
// from PROCESSING to UPLOADED. A job at the cap is failed together with its
// document, so a document that keeps killing its worker still ends FAILED.
func (r *IngestionJobRepository) RequeueStale(ctx context.Context, lease time.Duration, maxAttempts int) (*domain.StaleJobs, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	cutoff := time.Now().UTC().Add(-lease)

	rows, err := r.db.Query(ctx,
		`WITH stale AS (
			 SELECT id, document_id, attempts
			 FROM ingestion_jobs
			 WHERE status = $1 AND claimed_at < $2
			 FOR UPDATE SKIP LOCKED
		 ), requeued AS (
			 UPDATE ingestion_jobs j
			 SET status = $3, claimed_at = NULL
			 FROM stale
			 WHERE j.id = stale.id AND stale.attempts < $4
			 RETURNING j.document_id
		 ), exhausted AS (
			 UPDATE ingestion_jobs j
			 SET status = $5, error = 'ingestion abandoned after ' || stale.attempts || ' attempts', processed_at = NOW()
			 FROM stale
			 WHERE j.id = stale.id AND stale.attempts >= $4
			 RETURNING j.document_id, j.error
		 ), reset_docs AS (
			 UPDATE documents d
			 SET status = $6, stage = NULL, updated_at = NOW()
			 FROM requeued
			 WHERE d.id = requeued.document_id AND d.status = $7
			 RETURNING d.id, FALSE AS gave_up
		 ), failed_docs AS (
			 UPDATE documents d
			 SET status = $8, error = exhausted.error, updated_at = NOW()
			 FROM exhausted
			 WHERE d.id = exhausted.document_id AND d.status = $7
			 RETURNING d.id, TRUE AS gave_up
		 )
		 SELECT id, gave_up FROM reset_docs
		 UNION ALL
		 SELECT id, gave_up FROM failed_docs`,
		domain.IngestionJobStatusProcessing, cutoff,
		domain.IngestionJobStatusPending, maxAttempts,
		domain.IngestionJobStatusFailed,
		domain.DocumentStatusUploaded, domain.DocumentStatusProcessing,
		domain.DocumentStatusFailed,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &domain.StaleJobs{}
	for rows.Next() {
		var id string
		var gaveUp bool
		if err := rows.Scan(&id, &gaveUp); err != nil {
			return nil, err
		}
		if gaveUp {
			result.Exhausted = append(result.Exhausted, id)
		} else {
			result.Requeued = append(result.Requeued, id)
		}
	}
	return result, rows.Err()
}
