package repository

import (
	"context"
	"sync"

	"voicegpt-bot/internal/domain"
)

// MemoryClient keeps sessions in process memory. Stored values are copied on
// the way in and out.
type MemoryClient struct {
	mu       sync.Mutex
	sessions map[int64]domain.Session
}

func NewMemory() *MemoryClient {
	return &MemoryClient{sessions: make(map[int64]domain.Session)}
}

func (c *MemoryClient) Load(_ context.Context, userID int64) (domain.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[userID]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (c *MemoryClient) Save(_ context.Context, s domain.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.UserID] = s.Clone()
	return nil
}
