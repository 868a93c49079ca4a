// Package bot runs the long-polling receive loop used outside Lambda.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"voicegpt-bot/internal/domain"
)

const (
	defaultPollTimeout = 30 * time.Second
	defaultRetryPause  = 3 * time.Second
)

type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]domain.Update, int64, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, u domain.Update) error
}

type Poller struct {
	source      UpdateSource
	dispatcher  Dispatcher
	pollTimeout time.Duration
	retryPause  time.Duration

	wg    sync.WaitGroup
	mu    sync.Mutex
	lanes map[int64][]domain.Update
}

type Option func(*Poller)

func WithPollTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.pollTimeout = d
		}
	}
}

// WithRetryPause sets the wait after a failed getUpdates call.
func WithRetryPause(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.retryPause = d
		}
	}
}

func NewPoller(source UpdateSource, dispatcher Dispatcher, opts ...Option) (*Poller, error) {
	if source == nil {
		return nil, errors.New("bot: update source must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("bot: dispatcher must not be nil")
	}
	p := &Poller{
		source:      source,
		dispatcher:  dispatcher,
		pollTimeout: defaultPollTimeout,
		retryPause:  defaultRetryPause,
		lanes:       make(map[int64][]domain.Update),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run polls until ctx is cancelled and waits for in-flight handlers before
// returning. Updates from one user are handled one at a time in the order
// received; different users are handled concurrently.
//
// In-flight handlers run on a context detached from ctx so a shutdown signal
// lets them finish their replies.
func (p *Poller) Run(ctx context.Context) error {
	defer p.wg.Wait()

	handlerCtx := context.WithoutCancel(ctx)
	var offset int64
	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, next, err := p.source.GetUpdates(ctx, offset, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("bot: getUpdates failed", "offset", offset, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.retryPause):
			}
			continue
		}
		offset = next

		for _, u := range updates {
			p.enqueue(handlerCtx, u)
		}
	}
}

// enqueue appends u to its sender's lane, starting a worker for the lane when
// none is running. Updates without a sender get a worker of their own.
func (p *Poller) enqueue(ctx context.Context, u domain.Update) {
	profile, _, _, ok := u.Sender()
	if !ok {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.dispatch(ctx, u)
		}()
		return
	}

	p.mu.Lock()
	pending, busy := p.lanes[profile.ID]
	p.lanes[profile.ID] = append(pending, u)
	p.mu.Unlock()
	if busy {
		return
	}

	p.wg.Add(1)
	go p.drain(ctx, profile.ID)
}

func (p *Poller) drain(ctx context.Context, userID int64) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		pending := p.lanes[userID]
		if len(pending) == 0 {
			delete(p.lanes, userID)
			p.mu.Unlock()
			return
		}
		u := pending[0]
		p.lanes[userID] = pending[1:]
		p.mu.Unlock()

		p.dispatch(ctx, u)
	}
}

func (p *Poller) dispatch(ctx context.Context, u domain.Update) {
	if err := p.dispatcher.Dispatch(ctx, u); err != nil {
		slog.Error("bot: dispatch failed", "updateId", u.ID, "kind", u.Kind(), "err", err)
	}
}
