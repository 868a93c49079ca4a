package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"voicegpt-bot/internal/domain"
)

const createSessionsTable = `CREATE TABLE IF NOT EXISTS sessions (
	user_id INTEGER PRIMARY KEY,
	data TEXT NOT NULL,
	updated_at DATETIME
);`

// SQLiteClient keeps each session as a JSON document in a local database file.
type SQLiteClient struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteClient, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent users.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, createSessionsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: create sessions table: %w", err)
	}
	return &SQLiteClient{db: db}, nil
}

func (c *SQLiteClient) Load(ctx context.Context, userID int64) (domain.Session, error) {
	var data string
	err := c.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE user_id = ?;`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Load select: %w", err)
	}

	var s domain.Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return domain.Session{}, fmt.Errorf("repository: Load decode: %w", err)
	}
	if s.Messages == nil {
		s.Messages = []domain.ChatMessage{}
	}
	return s, nil
}

func (c *SQLiteClient) Save(ctx context.Context, s domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("repository: Save encode: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO sessions (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at;`,
		s.UserID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("repository: Save upsert: %w", err)
	}
	return nil
}

func (c *SQLiteClient) Close() error {
	return c.db.Close()
}
