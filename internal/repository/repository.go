// Package repository persists conversation sessions.
//
// Three backends share the same contract: DynamoDB for Lambda deployments,
// SQLite for a single long-polling process and an in-memory map for tests and
// local runs.
package repository

import (
	"context"
	"errors"

	"voicegpt-bot/internal/domain"
)

// ErrNotFound is returned by Load when no session has been stored for a user.
var ErrNotFound = errors.New("repository: session not found")

// Repository loads and stores whole sessions keyed by user id.
type Repository interface {
	Load(ctx context.Context, userID int64) (domain.Session, error)
	Save(ctx context.Context, s domain.Session) error
}
