package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agency-backend/internal/models"
)

// MemoryChatRepo keeps chat logs in process memory. Used when no database is
// configured and in tests.
type MemoryChatRepo struct {
	mu       sync.RWMutex
	messages map[string][]models.ChatMessage
	now      func() time.Time
}

func NewMemoryChatRepo() *MemoryChatRepo {
	return &MemoryChatRepo{
		messages: make(map[string][]models.ChatMessage),
		now:      time.Now,
	}
}

func (r *MemoryChatRepo) Create(_ context.Context, m *models.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m.ID = uuid.New()
	ts := r.now().UTC()
	entries := r.messages[m.SessionID]
	if n := len(entries); n > 0 && ts.Before(entries[n-1].Timestamp) {
		ts = entries[n-1].Timestamp
	}
	m.Timestamp = ts

	r.messages[m.SessionID] = append(entries, *m)
	return nil
}

func (r *MemoryChatRepo) ListBySession(_ context.Context, sessionID string) ([]models.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.messages[sessionID]
	copied := make([]models.ChatMessage, len(entries))
	copy(copied, entries)
	return copied, nil
}

func (r *MemoryChatRepo) ListSessions(_ context.Context, limit int) ([]models.SessionSummary, error) {
	r.mu.RLock()
	sessions := make([]models.SessionSummary, 0, len(r.messages))
	for id, entries := range r.messages {
		last := entries[len(entries)-1]
		sessions = append(sessions, models.SessionSummary{
			SessionID:     id,
			MessageCount:  len(entries),
			LastMessage:   last.Message,
			LastMessageAt: last.Timestamp,
		})
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastMessageAt.After(sessions[j].LastMessageAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}
