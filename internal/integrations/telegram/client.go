// Package telegram adapts the Bot API library to the calls the bot needs:
// long polling, file lookup and plain-text replies.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"voicegpt-bot/internal/domain"
)

const DefaultBaseURL = "https://api.telegram.org"

type Client struct {
	api     *tgbotapi.BotAPI
	http    *http.Client
	baseURL string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.http = httpClient
	}
}

// New builds a client without calling getMe, so construction never touches
// the network.
func New(token string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram: bot token must not be empty")
	}
	c := &Client{
		http:    &http.Client{Timeout: 60 * time.Second},
		baseURL: DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}

	c.api = &tgbotapi.BotAPI{Token: token, Client: c.http, Buffer: 100}
	c.api.SetAPIEndpoint(c.baseURL + "/bot%s/%s")
	return c, nil
}

// contextClient attaches ctx to requests built by the library, which has no
// context-aware calls.
type contextClient struct {
	ctx  context.Context
	base tgbotapi.HTTPClient
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.base.Do(req.WithContext(c.ctx))
}

func (c *Client) bot(ctx context.Context) *tgbotapi.BotAPI {
	api := *c.api
	api.Client = contextClient{ctx: ctx, base: c.http}
	return &api
}

// GetUpdates long-polls for updates starting at offset. It returns the parsed
// updates and the offset to use for the next call.
//
// Updates are fetched raw so ParseUpdate sees every field, including the
// message JSON echoed by informational commands.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]domain.Update, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	params := tgbotapi.Params{"timeout": strconv.Itoa(secs)}
	if offset > 0 {
		params["offset"] = strconv.FormatInt(offset, 10)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	res, err := c.bot(reqCtx).MakeRequest("getUpdates", params)
	if err != nil {
		return nil, offset, c.wrap("getUpdates", err)
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(res.Result, &raws); err != nil {
		return nil, offset, fmt.Errorf("telegram getUpdates: decode result: %w", err)
	}

	next := offset
	updates := make([]domain.Update, 0, len(raws))
	for _, raw := range raws {
		u, err := ParseUpdate(raw)
		if err != nil {
			// The id is still needed to move past the bad update.
			var head struct {
				UpdateID int64 `json:"update_id"`
			}
			if json.Unmarshal(raw, &head) == nil && head.UpdateID >= next {
				next = head.UpdateID + 1
			}
			continue
		}
		if u.ID >= next {
			next = u.ID + 1
		}
		updates = append(updates, u)
	}
	return updates, next, nil
}

// GetFileURL resolves fileID to a download URL. Failures are reported as
// download failures.
func (c *Client) GetFileURL(ctx context.Context, fileID string) (string, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return "", domain.NewError(domain.KindDownload, "resolve file", errors.New("missing file_id"))
	}
	f, err := c.bot(ctx).GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", domain.NewError(domain.KindDownload, "resolve file", c.wrap("getFile", err))
	}
	if strings.TrimSpace(f.FilePath) == "" {
		return "", domain.NewError(domain.KindDownload, "resolve file", errors.New("telegram getFile: missing file_path"))
	}
	return fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.api.Token, f.FilePath), nil
}

// SendMessage delivers text as a plain message to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if _, err := c.bot(ctx).Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return c.wrap("sendMessage", err)
	}
	return nil
}

// wrap names the failed method. API errors keep Telegram's code and
// description. Transport errors drop the request URL, which embeds the token.
func (c *Client) wrap(method string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code != 0 {
			return fmt.Errorf("telegram %s: http %d: %s", method, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("telegram %s: %s", method, apiErr.Message)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("telegram %s: %s: %w", method, urlErr.Op, urlErr.Err)
	}
	return fmt.Errorf("telegram %s: %w", method, err)
}
