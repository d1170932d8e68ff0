package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/cloo-solutions/docchat/internal/pagination"
	"github.com/cloo-solutions/docchat/internal/service"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChatRepository stores chat sessions and their append-only messages.
type ChatRepository struct {
	db dbtx
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{db: pool}
}

func NewChatRepositoryWithTx(tx pgx.Tx) *ChatRepository {
	return &ChatRepository{db: tx}
}

func (r *ChatRepository) CreateSession(ctx context.Context, s *domain.ChatSession) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO chat_sessions (id, document_id, title, created_at) VALUES ($1, $2, $3, $4)`,
		s.ID, s.DocumentID, s.Title, s.CreatedAt,
	)
	return err
}

func (r *ChatRepository) GetSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	var s domain.ChatSession
	err := r.db.QueryRow(ctx,
		`SELECT id, document_id, title, created_at FROM chat_sessions WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.DocumentID, &s.Title, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *ChatRepository) ListSessions(ctx context.Context, documentID string, cursor *pagination.Cursor, limit int) (*service.SessionPageResult, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if cursor != nil {
		rows, err = r.db.Query(ctx,
			`SELECT id, document_id, title, created_at
			 FROM chat_sessions
			 WHERE document_id = $1 AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $4`,
			documentID, cursor.Timestamp, cursor.LastID, limit+1,
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT id, document_id, title, created_at
			 FROM chat_sessions
			 WHERE document_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`,
			documentID, limit+1,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*domain.ChatSession{}
	for rows.Next() {
		var s domain.ChatSession
		if err := rows.Scan(&s.ID, &s.DocumentID, &s.Title, &s.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, nextCursor, hasMore := pagination.Trim(items, limit, func(s *domain.ChatSession) (string, time.Time) {
		return s.ID, s.CreatedAt
	})

	return &service.SessionPageResult{
		Items:      items,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// DeleteSession removes a session. Its messages go with it via the
// foreign key cascade.
func (r *ChatRepository) DeleteSession(ctx context.Context, id string) error {
	cmdTag, err := r.db.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// AppendMessages inserts messages in argument order.
func (r *ChatRepository) AppendMessages(ctx context.Context, messages ...*domain.ChatMessage) error {
	for _, m := range messages {
		citations := m.Citations
		if citations == nil {
			citations = []domain.Citation{}
		}
		raw, err := json.Marshal(citations)
		if err != nil {
			return err
		}
		_, err = r.db.Exec(ctx,
			`INSERT INTO chat_messages (id, session_id, role, content, citations, incomplete, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ID, m.SessionID, m.Role, m.Content, raw, m.Incomplete, m.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// RecentMessages returns the last limit messages of a session, oldest first.
func (r *ChatRepository) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.ChatMessage, error) {
	if limit <= 0 {
		return []*domain.ChatMessage{}, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, session_id, role, content, citations, incomplete, created_at
		 FROM (
			 SELECT seq, id, session_id, role, content, citations, incomplete, created_at
			 FROM chat_messages
			 WHERE session_id = $1
			 ORDER BY seq DESC
			 LIMIT $2
		 ) recent
		 ORDER BY seq ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *ChatRepository) ListMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, session_id, role, content, citations, incomplete, created_at
		 FROM chat_messages
		 WHERE session_id = $1
		 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]*domain.ChatMessage, error) {
	messages := []*domain.ChatMessage{}
	for rows.Next() {
		var m domain.ChatMessage
		var raw []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &raw, &m.Incomplete, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &m.Citations); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
