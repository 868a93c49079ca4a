// Package session holds the per-user conversation state.
//
// Sessions are cached in memory and written through to a Repository on every
// mutation. Taking a user's lock reloads the session from the repository, so
// writes made by another process (a second warm Lambda container) are seen
// before the next change. Save failures are logged and never surface to
// callers; a failed load is never cached and never written back.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"voicegpt-bot/internal/domain"
	"voicegpt-bot/internal/repository"
)

type Repository interface {
	Load(ctx context.Context, userID int64) (domain.Session, error)
	Save(ctx context.Context, s domain.Session) error
}

type Store struct {
	repo Repository

	mu       sync.Mutex
	sessions map[int64]*domain.Session
	locks    map[int64]*semaphore.Weighted
}

// NewStore returns a Store backed by repo. A nil repo keeps state in memory only.
func NewStore(repo Repository) *Store {
	return &Store{
		repo:     repo,
		sessions: make(map[int64]*domain.Session),
		locks:    make(map[int64]*semaphore.Weighted),
	}
}

// Lock serialises work for userID until the returned func is called. It
// blocks until the lock is free or ctx is done, then reloads the session from
// the repository. When the reload fails the lock is released and a
// domain.KindSession error is returned.
func (s *Store) Lock(ctx context.Context, userID int64) (func(), error) {
	s.mu.Lock()
	sem, ok := s.locks[userID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.locks[userID] = sem
	}
	s.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	unlock := func() { once.Do(func() { sem.Release(1) }) }

	if err := s.load(ctx, userID); err != nil {
		unlock()
		return nil, domain.NewError(domain.KindSession, "load session", err)
	}
	return unlock, nil
}

// Get returns a copy of the session for userID. An unknown user, or one whose
// session cannot be loaded right now, gets an empty session.
func (s *Store) Get(ctx context.Context, userID int64) domain.Session {
	if err := s.ensure(ctx, userID); err != nil {
		slog.Warn("session: load failed; returning empty session", "userId", userID, "err", err)
		return domain.NewSession(userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[userID].Clone()
}

// AppendMessage adds msg to the end of the user's transcript.
func (s *Store) AppendMessage(ctx context.Context, userID int64, msg domain.ChatMessage) {
	s.update(ctx, userID, func(sess *domain.Session) {
		sess.Messages = append(sess.Messages, msg)
	})
}

// Reset empties the transcript. The profile and start time are kept.
func (s *Store) Reset(ctx context.Context, userID int64) {
	s.update(ctx, userID, func(sess *domain.Session) {
		sess.Messages = []domain.ChatMessage{}
	})
}

// Touch records the latest profile and message time for userID.
func (s *Store) Touch(ctx context.Context, userID int64, profile domain.Profile, at time.Time) {
	s.update(ctx, userID, func(sess *domain.Session) {
		sess.User = profile
		sess.StartedAt = at
	})
}

func (s *Store) update(ctx context.Context, userID int64, fn func(*domain.Session)) {
	if err := s.ensure(ctx, userID); err != nil {
		// Writing over a session we could not read would erase it.
		slog.Error("session: load failed; change dropped", "userId", userID, "err", err)
		return
	}

	s.mu.Lock()
	sess := s.sessions[userID]
	fn(sess)
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
}

func (s *Store) ensure(ctx context.Context, userID int64) error {
	s.mu.Lock()
	_, ok := s.sessions[userID]
	s.mu.Unlock()
	if ok {
		return nil
	}
	return s.load(ctx, userID)
}

// load replaces the cached session with the repository copy. A missing item
// keeps whatever is cached, or caches an empty session.
func (s *Store) load(ctx context.Context, userID int64) error {
	if s.repo == nil {
		s.cacheIfAbsent(domain.NewSession(userID))
		return nil
	}
	sess, err := s.repo.Load(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		s.cacheIfAbsent(domain.NewSession(userID))
		return nil
	}
	if err != nil {
		return err
	}
	sess.UserID = userID
	if sess.Messages == nil {
		sess.Messages = []domain.ChatMessage{}
	}

	s.mu.Lock()
	s.sessions[userID] = &sess
	s.mu.Unlock()
	return nil
}

func (s *Store) cacheIfAbsent(sess domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.UserID]; !ok {
		s.sessions[sess.UserID] = &sess
	}
}

func (s *Store) persist(ctx context.Context, snapshot domain.Session) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, snapshot); err != nil {
		slog.Error("session: save failed", "userId", snapshot.UserID, "err", err)
	}
}
