package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"voicegpt-bot/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	// ChatModel is the completion model used unless overridden by WithChatModel.
	ChatModel = goopenai.GPT3Dot5Turbo
	// TranscriptionModel is the fixed speech-to-text model.
	TranscriptionModel = goopenai.Whisper1
)

// Client wraps the two remote calls the bot needs: audio transcription and
// multi-turn chat completion. Neither call retries; a single upstream failure
// is returned to the caller as a classified domain error.
type Client struct {
	api       *goopenai.Client
	chatModel string
}

type options struct {
	baseURL    string
	httpClient *http.Client
	chatModel  string
}

type Option func(*options)

func WithBaseURL(baseURL string) Option {
	return func(o *options) {
		o.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) {
		o.httpClient = httpClient
	}
}

func WithChatModel(model string) Option {
	return func(o *options) {
		if model = strings.TrimSpace(model); model != "" {
			o.chatModel = model
		}
	}
}

// NewClient creates a Client authenticating with apiKey.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	o := options{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		chatModel:  ChatModel,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = apiBaseURL(o.baseURL)
	cfg.HTTPClient = o.httpClient
	return &Client{api: goopenai.NewClientWithConfig(cfg), chatModel: o.chatModel}, nil
}

func apiBaseURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// Transcribe uploads the audio file at path and returns the recognised text.
func (c *Client) Transcribe(ctx context.Context, path string) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    TranscriptionModel,
		FilePath: path,
	})
	if err != nil {
		return "", domain.NewError(domain.KindTranscription, "transcription request failed", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", domain.NewError(domain.KindTranscription, "no text in transcription response", nil)
	}
	return text, nil
}

// Chat submits the ordered transcript and returns the first choice's message.
func (c *Client) Chat(ctx context.Context, messages []domain.ChatMessage) (domain.ChatMessage, error) {
	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    c.chatModel,
		Messages: toAPIMessages(messages),
	})
	if err != nil {
		return domain.ChatMessage{}, domain.NewError(domain.KindCompletion, "completion request failed", err)
	}
	if len(resp.Choices) == 0 {
		return domain.ChatMessage{}, domain.NewError(domain.KindCompletion, "no choices in response", nil)
	}
	msg := resp.Choices[0].Message
	role := msg.Role
	if role == "" {
		role = domain.RoleAssistant
	}
	return domain.ChatMessage{Role: role, Content: msg.Content}, nil
}

func toAPIMessages(messages []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// StatusCode extracts the upstream HTTP status from an error returned by
// Transcribe or Chat, when there is one.
func StatusCode(err error) (int, bool) {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}
