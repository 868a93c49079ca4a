// Package usecase routes inbound platform events to their handlers and runs
// the text and voice conversation pipelines.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"voicegpt-bot/internal/domain"
	"voicegpt-bot/internal/observe"
)

const (
	// MaxVoiceFileSize is the largest voice payload accepted, in bytes.
	MaxVoiceFileSize = 15_000_000

	ackNotice      = "Message accepted. Waiting for server response..."
	oversizeNotice = "Sorry, but voice file is too heavy"
	errorNotice    = "An unexpected error occurred"
	resetNotice    = "Conversation context has been reset. You can start a new conversation."
)

type SessionStore interface {
	Lock(ctx context.Context, userID int64) (func(), error)
	Get(ctx context.Context, userID int64) domain.Session
	AppendMessage(ctx context.Context, userID int64, msg domain.ChatMessage)
	Reset(ctx context.Context, userID int64)
	Touch(ctx context.Context, userID int64, profile domain.Profile, at time.Time)
}

type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type FileLocator interface {
	GetFileURL(ctx context.Context, fileID string) (string, error)
}

type AudioProcessor interface {
	Acquire(ctx context.Context, sourceURL, identityKey string) (string, error)
	Transcode(ctx context.Context, sourcePath, identityKey string) (string, error)
	Cleanup(identityKey string)
}

type AIClient interface {
	Transcribe(ctx context.Context, path string) (string, error)
	Chat(ctx context.Context, messages []domain.ChatMessage) (domain.ChatMessage, error)
}

// HandlerFunc handles one event. A returned error is reported to the chat the
// event came from.
type HandlerFunc func(ctx context.Context, u domain.Update) error

type Dispatcher struct {
	store     SessionStore
	messenger Messenger
	files     FileLocator
	audio     AudioProcessor
	ai        AIClient
	metrics   *observe.Metrics

	progressNotices bool
	statusOf        func(error) (int, bool)

	handlers map[domain.EventKind]HandlerFunc
	commands map[string]HandlerFunc
}

type Option func(*Dispatcher)

// WithProgressNotices sends an acknowledgement before slow upstream calls.
func WithProgressNotices(enabled bool) Option {
	return func(d *Dispatcher) {
		d.progressNotices = enabled
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithStatusCode sets how the upstream HTTP status is read from provider
// errors for metric labels.
func WithStatusCode(fn func(error) (int, bool)) Option {
	return func(d *Dispatcher) {
		d.statusOf = fn
	}
}

func NewDispatcher(store SessionStore, messenger Messenger, files FileLocator, audio AudioProcessor, ai AIClient, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if messenger == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if files == nil {
		return nil, errors.New("usecase: file locator must not be nil")
	}
	if audio == nil {
		return nil, errors.New("usecase: audio processor must not be nil")
	}
	if ai == nil {
		return nil, errors.New("usecase: ai client must not be nil")
	}
	d := &Dispatcher{
		store:     store,
		messenger: messenger,
		files:     files,
		audio:     audio,
		ai:        ai,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}

	d.handlers = map[domain.EventKind]HandlerFunc{
		domain.KindText:    d.handleText,
		domain.KindVoice:   d.handleVoice,
		domain.KindCommand: d.handleCommand,
	}
	d.commands = map[string]HandlerFunc{
		"start": d.echoMessage,
		"help":  d.echoMessage,
		"reset": d.resetConversation,
	}
	return d, nil
}

// Dispatch records the sender on the session and runs the handler registered
// for the event kind. Work for the same user is serialised. Handler failures
// and panics are reported to the user and do not propagate, and so is a
// session that cannot be loaded. The returned error is non-nil only when the
// lock could not be taken before ctx ended or a failure notice could not be
// delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, u domain.Update) error {
	kind := u.Kind()
	ctx, span := observe.StartSpan(ctx, "dispatch."+string(kind),
		trace.WithAttributes(attribute.Int64("update.id", u.ID)))
	defer span.End()
	log := observe.Logger(ctx)

	d.metrics.RecordUpdate(ctx, string(kind))

	profile, chatID, at, ok := u.Sender()
	if !ok {
		log.Debug("ignoring update without sender", "updateId", u.ID, "kind", kind)
		return nil
	}

	unlock, err := d.store.Lock(ctx, profile.ID)
	if err != nil {
		if domain.IsKind(err, domain.KindSession) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return d.fail(ctx, chatID, err)
		}
		return fmt.Errorf("usecase: lock session %d: %w", profile.ID, err)
	}
	defer unlock()

	d.store.Touch(ctx, profile.ID, profile, at)

	h, ok := d.handlers[kind]
	if !ok {
		log.Info("no handler for update", "updateId", u.ID, "kind", kind)
		return nil
	}

	if err := d.run(ctx, h, u); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d.fail(ctx, chatID, err)
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, h HandlerFunc, u domain.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, u)
}

// fail sends exactly one notice for err.
func (d *Dispatcher) fail(ctx context.Context, chatID int64, err error) error {
	kind := domain.KindOf(err)
	label := string(kind)
	if label == "" {
		label = "INTERNAL"
	}
	d.metrics.RecordFailure(ctx, label)

	text := errorNotice + "\n" + err.Error()
	if kind == domain.KindOversize {
		text = oversizeNotice
		observe.Logger(ctx).Info("rejected oversize input", "chatId", chatID, "err", err)
	} else {
		observe.Logger(ctx).Error("update handling failed", "chatId", chatID, "kind", label, "err", err)
	}

	if sendErr := d.messenger.SendMessage(ctx, chatID, text); sendErr != nil {
		return fmt.Errorf("usecase: deliver failure notice: %w", sendErr)
	}
	return nil
}

// notify sends an informational message. Delivery failures are logged only.
func (d *Dispatcher) notify(ctx context.Context, chatID int64, text string) {
	if err := d.messenger.SendMessage(ctx, chatID, text); err != nil {
		observe.Logger(ctx).Warn("notice not delivered", "chatId", chatID, "err", err)
	}
}

func (d *Dispatcher) acknowledge(ctx context.Context, chatID int64) {
	if d.progressNotices {
		d.notify(ctx, chatID, ackNotice)
	}
}
