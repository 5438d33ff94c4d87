package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"agency-backend/internal/models"
)

type ChatRepo struct {
	pool *pgxpool.Pool
}

func NewChatRepo(pool *pgxpool.Pool) *ChatRepo {
	return &ChatRepo{pool: pool}
}

// Create appends m to its session log. The stored timestamp never goes below the
// latest one already in the session, so log order and timestamp order agree.
func (r *ChatRepo) Create(ctx context.Context, m *models.ChatMessage) error {
	m.ID = uuid.New()

	query := `INSERT INTO chat_messages (id, session_id, message, is_user, timestamp)
		VALUES ($1, $2, $3, $4, GREATEST(
			clock_timestamp(),
			COALESCE((SELECT MAX(timestamp) FROM chat_messages WHERE session_id = $2), clock_timestamp())
		))
		RETURNING timestamp`

	if err := r.pool.QueryRow(ctx, query, m.ID, m.SessionID, m.Message, m.IsUser).Scan(&m.Timestamp); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	m.Timestamp = m.Timestamp.UTC()
	return nil
}

func (r *ChatRepo) ListBySession(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	query := `SELECT id, session_id, message, is_user, timestamp
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY timestamp ASC, seq ASC`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Message, &m.IsUser, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *ChatRepo) ListSessions(ctx context.Context, limit int) ([]models.SessionSummary, error) {
	query := `SELECT session_id,
			COUNT(*),
			(ARRAY_AGG(message ORDER BY timestamp DESC, seq DESC))[1],
			MAX(timestamp)
		FROM chat_messages
		GROUP BY session_id
		ORDER BY MAX(timestamp) DESC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.SessionSummary, 0)
	for rows.Next() {
		var s models.SessionSummary
		if err := rows.Scan(&s.SessionID, &s.MessageCount, &s.LastMessage, &s.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		s.LastMessageAt = s.LastMessageAt.UTC()
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
