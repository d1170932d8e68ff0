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

type DocumentRepository struct {
	db dbtx
}

func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{db: pool}
}

func NewDocumentRepositoryWithTx(tx pgx.Tx) *DocumentRepository {
	return &DocumentRepository{db: tx}
}

const documentColumns = `id, filename, file_size, content_hash, storage_key, status, stage, page_count, error, created_at, updated_at, processed_at`

func (r *DocumentRepository) Create(ctx context.Context, d *domain.Document) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO documents (id, filename, file_size, content_hash, storage_key, status, stage, page_count, error, created_at, updated_at, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.Filename, d.FileSize, d.ContentHash, d.StorageKey, d.Status,
		nullableString(string(d.Stage)), d.PageCount, nullableString(d.Error),
		d.CreatedAt, d.UpdatedAt, d.ProcessedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDocumentExists
	}
	return err
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

func (r *DocumentRepository) GetByContentHash(ctx context.Context, hash string) (*domain.Document, error) {
	row := r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE content_hash = $1`, hash)
	return scanDocument(row)
}

func scanDocument(row pgx.Row) (*domain.Document, error) {
	var d domain.Document
	var stage, errMsg pgtype.Text
	err := row.Scan(&d.ID, &d.Filename, &d.FileSize, &d.ContentHash, &d.StorageKey, &d.Status,
		&stage, &d.PageCount, &errMsg, &d.CreatedAt, &d.UpdatedAt, &d.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDocumentNotFound
		}
		return nil, err
	}
	if stage.Valid {
		d.Stage = domain.IngestionStage(stage.String)
	}
	if errMsg.Valid {
		d.Error = errMsg.String
	}
	return &d, nil
}

// CompareAndSwapStatus moves the document from one status to another and
// reports whether it was in the expected status. Leaving PROCESSING clears
// the stage.
func (r *DocumentRepository) CompareAndSwapStatus(ctx context.Context, id string, from, to domain.DocumentStatus) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, domain.ErrInvalidTransition
	}
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE documents
		 SET status = $3,
		     stage = CASE WHEN $3 = 'PROCESSING' THEN stage ELSE NULL END,
		     updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() == 1, nil
}

func (r *DocumentRepository) SetStage(ctx context.Context, id string, stage domain.IngestionStage) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE documents SET stage = $2, updated_at = NOW() WHERE id = $1 AND status = $3`,
		id, nullableString(string(stage)), domain.DocumentStatusProcessing,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrStatusConflict
	}
	return nil
}

func (r *DocumentRepository) MarkReady(ctx context.Context, id string, pageCount int, processedAt time.Time) (bool, error) {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE documents
		 SET status = $2, stage = NULL, error = NULL, page_count = $3, processed_at = $4, updated_at = NOW()
		 WHERE id = $1 AND status = $5`,
		id, domain.DocumentStatusReady, pageCount, processedAt, domain.DocumentStatusProcessing,
	)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() == 1, nil
}

// MarkFailed records cause and moves an UPLOADED or PROCESSING document to
// FAILED. The stage is kept so the failing stage stays visible.
func (r *DocumentRepository) MarkFailed(ctx context.Context, id string, cause string) (bool, error) {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE documents
		 SET status = $2, error = $3, updated_at = NOW()
		 WHERE id = $1 AND status IN ($4, $5)`,
		id, domain.DocumentStatusFailed, cause, domain.DocumentStatusUploaded, domain.DocumentStatusProcessing,
	)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() == 1, nil
}

// Reset returns a document to UPLOADED for a fresh ingestion attempt.
func (r *DocumentRepository) Reset(ctx context.Context, id string, from domain.DocumentStatus) (bool, error) {
	if !domain.CanTransition(from, domain.DocumentStatusUploaded) {
		return false, domain.ErrInvalidTransition
	}
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE documents
		 SET status = $3, stage = NULL, error = NULL, processed_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, from, domain.DocumentStatusUploaded,
	)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() == 1, nil
}
