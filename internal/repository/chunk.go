package repository

import (
	"context"
	"strings"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ChunkRepository handles persistence of embedded document chunks.
type ChunkRepository struct {
	db dbtx
}

func NewChunkRepository(pool *pgxpool.Pool) *ChunkRepository {
	return &ChunkRepository{db: pool}
}

func NewChunkRepositoryWithTx(tx dbtx) *ChunkRepository {
	return &ChunkRepository{db: tx}
}

// ReplaceChunks deletes existing chunks for a document and inserts new ones.
// Run it inside a transaction so readers never see a partial set.
func (r *ChunkRepository) ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	if err := r.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO chunks
				(id, document_id, page, section, ordinal, text, token_count, char_start, char_end, embedding, created_at)
			 VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			c.ID,
			documentID,
			c.Page,
			nullableString(c.Section),
			c.Ordinal,
			c.Text,
			c.TokenCount,
			c.CharStart,
			c.CharEnd,
			pgvector.NewVector(c.Embedding),
			createdAt,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	for range chunks {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	return err
}

func (r *ChunkRepository) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchText counts, per page, the chunks of a document whose text contains
// term, case-insensitively. Pages without a match are omitted.
func (r *ChunkRepository) SearchText(ctx context.Context, documentID, term string) ([]domain.PageMatch, error) {
	rows, err := r.db.Query(ctx,
		`SELECT page, COUNT(*)
		 FROM chunks
		 WHERE document_id = $1 AND text ILIKE '%' || $2::text || '%'
		 GROUP BY page
		 ORDER BY page`,
		documentID, likeEscaper.Replace(term),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := []domain.PageMatch{}
	for rows.Next() {
		var m domain.PageMatch
		if err := rows.Scan(&m.Page, &m.Count); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Search returns the k chunks of a document closest to embedding by cosine
// similarity. Ties are broken by ordinal.
func (r *ChunkRepository) Search(ctx context.Context, documentID string, embedding []float32, k int) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return []domain.ScoredChunk{}, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, document_id, page, section, ordinal, text, token_count, char_start, char_end, created_at,
		        1 - (embedding <=> $2) AS similarity
		 FROM chunks
		 WHERE document_id = $1
		 ORDER BY embedding <=> $2, ordinal
		 LIMIT $3`,
		documentID, pgvector.NewVector(embedding), k,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []domain.ScoredChunk{}
	for rows.Next() {
		var c domain.ScoredChunk
		var section pgtype.Text
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Page, &section, &c.Ordinal, &c.Text,
			&c.TokenCount, &c.CharStart, &c.CharEnd, &c.CreatedAt, &c.Similarity); err != nil {
			return nil, err
		}
		if section.Valid {
			c.Section = section.String
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// ListByDocument returns every chunk of a document in ordinal order, without
// embeddings.
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, document_id, page, section, ordinal, text, token_count, char_start, char_end, created_at
		 FROM chunks
		 WHERE document_id = $1
		 ORDER BY ordinal`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var section pgtype.Text
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Page, &section, &c.Ordinal, &c.Text,
			&c.TokenCount, &c.CharStart, &c.CharEnd, &c.CreatedAt); err != nil {
			return nil, err
		}
		if section.Valid {
			c.Section = section.String
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
