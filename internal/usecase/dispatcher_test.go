package usecase

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"voicegpt-bot/internal/audio"
	"voicegpt-bot/internal/domain"
	"voicegpt-bot/internal/observe"
	"voicegpt-bot/internal/session"
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeMessenger) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return f.err
}

func (f *fakeMessenger) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

type fakeFiles struct {
	fileIDs []string
	baseURL string
	err     error
}

func (f *fakeFiles) GetFileURL(_ context.Context, fileID string) (string, error) {
	f.fileIDs = append(f.fileIDs, fileID)
	if f.err != nil {
		return "", f.err
	}
	base := f.baseURL
	if base == "" {
		base = "https://files.example"
	}
	return base + "/voice/" + fileID + ".oga", nil
}

type fakeAudio struct {
	calls        []string
	acquireErr   error
	transcodeErr error
}

func (f *fakeAudio) Acquire(_ context.Context, sourceURL, key string) (string, error) {
	f.calls = append(f.calls, "acquire:"+key+":"+sourceURL)
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	return "/voices/" + key + ".ogg", nil
}

func (f *fakeAudio) Transcode(_ context.Context, src, key string) (string, error) {
	f.calls = append(f.calls, "transcode:"+src)
	if f.transcodeErr != nil {
		return "", f.transcodeErr
	}
	return "/voices/" + key + ".mp3", nil
}

func (f *fakeAudio) Cleanup(key string) {
	f.calls = append(f.calls, "cleanup:"+key)
}

// fakeAI echoes the last message back unless a reply is configured.
type fakeAI struct {
	mu            sync.Mutex
	transcript    string
	transcribeErr error
	reply         string
	chatErr       error
	chatDelay     time.Duration
	panicOnChat   bool
	transcribed   []string
	chatInputs    [][]domain.ChatMessage
}

func (f *fakeAI) Transcribe(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribed = append(f.transcribed, path)
	return f.transcript, f.transcribeErr
}

func (f *fakeAI) Chat(_ context.Context, messages []domain.ChatMessage) (domain.ChatMessage, error) {
	if f.panicOnChat {
		panic("nil map write")
	}
	time.Sleep(f.chatDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatInputs = append(f.chatInputs, append([]domain.ChatMessage(nil), messages...))
	if f.chatErr != nil {
		return domain.ChatMessage{}, f.chatErr
	}
	if f.reply != "" {
		return domain.AssistantMessage(f.reply), nil
	}
	return domain.AssistantMessage(messages[len(messages)-1].Content), nil
}

type harness struct {
	d         *Dispatcher
	store     *session.Store
	messenger *fakeMessenger
	files     *fakeFiles
	audio     *fakeAudio
	ai        *fakeAI
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	h := &harness{
		store:     session.NewStore(nil),
		messenger: &fakeMessenger{},
		files:     &fakeFiles{},
		audio:     &fakeAudio{},
		ai:        &fakeAI{},
	}
	opts = append([]Option{WithMetrics(metrics)}, opts...)
	h.d, err = NewDispatcher(h.store, h.messenger, h.files, h.audio, h.ai, opts...)
	require.NoError(t, err)
	return h
}

var (
	ada    = domain.Profile{ID: 42, FirstName: "Ada", Username: "ada"}
	sentAt = time.Unix(1_700_000_000, 0).UTC()
)

func textUpdate(text string) domain.Update {
	return domain.Update{ID: 1, Text: &domain.TextMessage{From: ada, ChatID: 42, Text: text, Date: sentAt}}
}

func voiceUpdate(size int64) domain.Update {
	return domain.Update{ID: 2, Voice: &domain.VoiceMessage{From: ada, ChatID: 42, FileID: "AwACAgIAAx", FileSize: size, Duration: 3, Date: sentAt}}
}

func commandUpdate(name, text string) domain.Update {
	raw := `{"message_id":7,"from":{"id":42,"first_name":"Ada"},"chat":{"id":42},"date":1700000000,"text":"` + text + `"}`
	return domain.Update{ID: 3, Command: &domain.Command{From: ada, ChatID: 42, Name: name, Text: text, Date: sentAt, Raw: []byte(raw)}}
}

func TestNewDispatcher_ValidatesDependencies(t *testing.T) {
	store := session.NewStore(nil)
	m, f, a, ai := &fakeMessenger{}, &fakeFiles{}, &fakeAudio{}, &fakeAI{}

	_, err := NewDispatcher(nil, m, f, a, ai)
	require.Error(t, err)
	_, err = NewDispatcher(store, nil, f, a, ai)
	require.Error(t, err)
	_, err = NewDispatcher(store, m, nil, a, ai)
	require.Error(t, err)
	_, err = NewDispatcher(store, m, f, nil, ai)
	require.Error(t, err)
	_, err = NewDispatcher(store, m, f, a, nil)
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// Text
// ---------------------------------------------------------------------------

func TestText_EndToEnd(t *testing.T) {
	h := newHarness(t)
	h.ai.reply = "Hi!"

	require.NoError(t, h.d.Dispatch(context.Background(), textUpdate("Hello")))

	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "Hello"},
		{Role: domain.RoleAssistant, Content: "Hi!"},
	}, h.store.Get(context.Background(), 42).Messages)
	require.Equal(t, []string{"Hi!"}, h.messenger.texts())
	require.Equal(t, int64(42), h.messenger.sent[0].chatID)
}

func TestText_SendsWholeTranscript(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.d.Dispatch(ctx, textUpdate("first")))
	require.NoError(t, h.d.Dispatch(ctx, textUpdate("second")))

	require.Len(t, h.ai.chatInputs, 2)
	require.Equal(t, []domain.ChatMessage{
		domain.UserMessage("first"),
		domain.AssistantMessage("first"),
		domain.UserMessage("second"),
	}, h.ai.chatInputs[1])
}

func TestText_ProgressNotice(t *testing.T) {
	h := newHarness(t, WithProgressNotices(true))
	h.ai.reply = "Hi!"

	require.NoError(t, h.d.Dispatch(context.Background(), textUpdate("Hello")))
	require.Equal(t, []string{ackNotice, "Hi!"}, h.messenger.texts())
}

func TestText_CompletionFailureKeepsUserTurn(t *testing.T) {
	h := newHarness(t)
	h.ai.chatErr = domain.NewError(domain.KindCompletion, "completion request failed", errors.New("status 429"))

	require.NoError(t, h.d.Dispatch(context.Background(), textUpdate("Hello")))

	require.Equal(t, []domain.ChatMessage{domain.UserMessage("Hello")}, h.store.Get(context.Background(), 42).Messages)
	texts := h.messenger.texts()
	require.Len(t, texts, 1)
	require.True(t, strings.HasPrefix(texts[0], "An unexpected error occurred\n"))
	require.Contains(t, texts[0], "status 429")
}

// ---------------------------------------------------------------------------
// Voice
// ---------------------------------------------------------------------------

func TestVoice_HappyPath(t *testing.T) {
	h := newHarness(t)
	h.ai.transcript = "test"

	require.NoError(t, h.d.Dispatch(context.Background(), voiceUpdate(1000)))

	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "test"},
		{Role: domain.RoleAssistant, Content: "test"},
	}, h.store.Get(context.Background(), 42).Messages)
	require.Equal(t, []string{`Your request: "test"`, "test"}, h.messenger.texts())
	require.Equal(t, []string{"AwACAgIAAx"}, h.files.fileIDs)
	require.Equal(t, []string{
		"acquire:42:https://files.example/voice/AwACAgIAAx.oga",
		"transcode:/voices/42.ogg",
		"cleanup:42",
	}, h.audio.calls)
	require.Equal(t, []string{"/voices/42.mp3"}, h.ai.transcribed)
}

func TestVoice_OversizeRejectedBeforeIO(t *testing.T) {
	h := newHarness(t)
	h.store.AppendMessage(context.Background(), 42, domain.UserMessage("earlier"))

	require.NoError(t, h.d.Dispatch(context.Background(), voiceUpdate(15_000_001)))

	require.Equal(t, []string{oversizeNotice}, h.messenger.texts())
	require.Empty(t, h.files.fileIDs)
	require.Empty(t, h.audio.calls)
	require.Empty(t, h.ai.transcribed)
	require.Equal(t, []domain.ChatMessage{domain.UserMessage("earlier")}, h.store.Get(context.Background(), 42).Messages)
}

func TestVoice_SizeAtLimitAccepted(t *testing.T) {
	h := newHarness(t)
	h.ai.transcript = "ok"

	require.NoError(t, h.d.Dispatch(context.Background(), voiceUpdate(MaxVoiceFileSize)))
	require.Len(t, h.audio.calls, 3)
}

func TestVoice_TranscriptionFailure(t *testing.T) {
	h := newHarness(t)
	h.ai.transcribeErr = domain.NewError(domain.KindTranscription, "no text in transcription response", nil)

	require.NoError(t, h.d.Dispatch(context.Background(), voiceUpdate(1000)))

	require.Empty(t, h.store.Get(context.Background(), 42).Messages)
	require.Empty(t, h.ai.chatInputs)
	texts := h.messenger.texts()
	require.Len(t, texts, 1)
	require.True(t, strings.HasPrefix(texts[0], errorNotice+"\n"))
	require.Contains(t, texts[0], "TRANSCRIPTION_FAILURE")
	require.Contains(t, h.audio.calls, "cleanup:42")
}

func TestVoice_TranscodeFailure(t *testing.T) {
	h := newHarness(t)
	h.audio.transcodeErr = domain.NewError(domain.KindTranscode, "ffmpeg", errors.New("Invalid data found when processing input"))

	require.NoError(t, h.d.Dispatch(context.Background(), voiceUpdate(1000)))

	require.Empty(t, h.ai.transcribed)
	require.NotContains(t, h.audio.calls, "cleanup:42")
	texts := h.messenger.texts()
	require.Len(t, texts, 1)
	require.Contains(t, texts[0], "Invalid data found")
}

func TestVoice_DownloadFailure(t *testing.T) {
	h := newHarness(t)
	h.files.err = domain.NewError(domain.KindDownload, "resolve file", errors.New("http 400"))

	require.NoError(t, h.d.Dispatch(context.Background(), voiceUpdate(1000)))

	require.Empty(t, h.audio.calls)
	require.Len(t, h.messenger.texts(), 1)
	require.Contains(t, h.messenger.texts()[0], "DOWNLOAD_FAILURE")
}

func TestVoice_DownloadFailureDoesNotExposeBotToken(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	files := &fakeFiles{baseURL: srv.URL + "/file/bot123456:SECRET-BOT-TOKEN"}
	svc, err := audio.New(t.TempDir())
	require.NoError(t, err)
	d, err := NewDispatcher(h.store, h.messenger, files, svc, h.ai, WithMetrics(h.d.metrics))
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), voiceUpdate(1000)))

	texts := h.messenger.texts()
	require.Len(t, texts, 1)
	require.Contains(t, texts[0], "DOWNLOAD_FAILURE")
	require.NotContains(t, texts[0], "SECRET-BOT-TOKEN")
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func TestCommand_Reset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.AppendMessage(ctx, 42, domain.UserMessage("Hello"))
	h.store.AppendMessage(ctx, 42, domain.AssistantMessage("Hi!"))

	require.NoError(t, h.d.Dispatch(ctx, commandUpdate("reset", "/reset")))

	s := h.store.Get(ctx, 42)
	require.Empty(t, s.Messages)
	require.Equal(t, ada, s.User)
	require.Equal(t, []string{resetNotice}, h.messenger.texts())
}

func TestCommand_StartAndHelpEchoMessage(t *testing.T) {
	for _, name := range []string{"start", "help"} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.d.Dispatch(context.Background(), commandUpdate(name, "/"+name)))

			texts := h.messenger.texts()
			require.Len(t, texts, 1)
			require.True(t, strings.HasPrefix(texts[0], "{\n  \"message_id\": 7,"))
			require.Contains(t, texts[0], `"text": "/`+name+`"`)
			require.Empty(t, h.ai.chatInputs)
		})
	}
}

func TestCommand_UnknownIsHandledAsText(t *testing.T) {
	h := newHarness(t)
	h.ai.reply = "I do not know that command."

	require.NoError(t, h.d.Dispatch(context.Background(), commandUpdate("weather", "/weather Berlin")))

	require.Equal(t, []domain.ChatMessage{
		domain.UserMessage("/weather Berlin"),
		domain.AssistantMessage("I do not know that command."),
	}, h.store.Get(context.Background(), 42).Messages)
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func TestDispatch_TouchesSessionForEveryEvent(t *testing.T) {
	h := newHarness(t)
	later := sentAt.Add(time.Hour)
	u := voiceUpdate(15_000_001)
	u.Voice.From = domain.Profile{ID: 42, FirstName: "Ada", LastName: "Lovelace"}
	u.Voice.Date = later

	require.NoError(t, h.d.Dispatch(context.Background(), u))

	s := h.store.Get(context.Background(), 42)
	require.Equal(t, "Lovelace", s.User.LastName)
	require.Equal(t, later, s.StartedAt)
}

func TestDispatch_UnsupportedIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Dispatch(context.Background(), domain.Update{ID: 9}))
	require.Empty(t, h.messenger.texts())
}

func TestDispatch_RecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.ai.panicOnChat = true

	require.NotPanics(t, func() {
		require.NoError(t, h.d.Dispatch(context.Background(), textUpdate("Hello")))
	})
	texts := h.messenger.texts()
	require.Len(t, texts, 1)
	require.Contains(t, texts[0], "panic: nil map write")

	h.ai.panicOnChat = false
	h.ai.reply = "back"
	require.NoError(t, h.d.Dispatch(context.Background(), textUpdate("again")))
	require.Equal(t, "back", h.messenger.texts()[1])
}

func TestDispatch_FailureNoticeNotDelivered(t *testing.T) {
	h := newHarness(t)
	h.ai.chatErr = domain.NewError(domain.KindCompletion, "completion request failed", nil)
	h.messenger.err = errors.New("bot was blocked by the user")

	err := h.d.Dispatch(context.Background(), textUpdate("Hello"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "deliver failure notice")
}

func TestDispatch_SameUserTurnsDoNotInterleave(t *testing.T) {
	h := newHarness(t)
	h.ai.chatDelay = 5 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.d.Dispatch(ctx, textUpdate("q")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	msgs := h.store.Get(ctx, 42).Messages
	require.Len(t, msgs, 10)
	for i := 0; i < len(msgs); i += 2 {
		require.Equal(t, domain.RoleUser, msgs[i].Role)
		require.Equal(t, domain.RoleAssistant, msgs[i+1].Role)
	}
}

type unavailableRepo struct{}

func (unavailableRepo) Load(context.Context, int64) (domain.Session, error) {
	return domain.Session{}, errors.New("ProvisionedThroughputExceededException")
}

func (unavailableRepo) Save(context.Context, domain.Session) error {
	return errors.New("unexpected save")
}

func TestDispatch_SessionUnavailable(t *testing.T) {
	h := newHarness(t)
	d, err := NewDispatcher(session.NewStore(unavailableRepo{}), h.messenger, h.files, h.audio, h.ai, WithMetrics(h.d.metrics))
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), textUpdate("Hello")))

	texts := h.messenger.texts()
	require.Len(t, texts, 1)
	require.Contains(t, texts[0], "SESSION_UNAVAILABLE")
	require.Empty(t, h.ai.chatInputs)
}

func TestDispatch_LockContextCancelled(t *testing.T) {
	h := newHarness(t)
	unlock, err := h.store.Lock(context.Background(), 42)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = h.d.Dispatch(ctx, textUpdate("Hello"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, h.messenger.texts())
}
