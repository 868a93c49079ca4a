// Package handler adapts Bot API webhook deliveries arriving through API
// Gateway to the dispatcher.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"voicegpt-bot/internal/domain"
	"voicegpt-bot/internal/integrations/telegram"
	"voicegpt-bot/internal/observe"
)

const (
	secretHeader      = "X-Telegram-Bot-Api-Secret-Token"
	correlationHeader = "X-Correlation-Id"

	errorInvalidUpdate = "INVALID_UPDATE"
	errorUnauthorized  = "UNAUTHORIZED"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, u domain.Update) error
}

type Handler struct {
	dispatcher Dispatcher
	secret     string
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler returns a webhook handler. When secret is non-empty every request
// must carry it in the X-Telegram-Bot-Api-Secret-Token header.
func NewHandler(d Dispatcher, secret string) (*Handler, error) {
	if d == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	return &Handler{dispatcher: d, secret: strings.TrimSpace(secret)}, nil
}

// Handle processes one webhook delivery. Well-formed updates are always
// acknowledged with 200, even when handling failed, so the platform does not
// redeliver them.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := observe.Logger(ctx).With("correlationId", correlationID)

	if h.secret != "" {
		got := header(req.Headers, secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			log.Warn("webhook secret mismatch")
			return respond(http.StatusUnauthorized, correlationID, errorResponse{Error: errorUnauthorized}), nil
		}
	}

	u, err := telegram.ParseUpdate([]byte(req.Body))
	if err != nil {
		log.Warn("malformed webhook body", "err", err)
		return respond(http.StatusBadRequest, correlationID, errorResponse{Error: errorInvalidUpdate}), nil
	}

	if err := h.dispatcher.Dispatch(ctx, u); err != nil {
		log.Error("dispatch failed", "updateId", u.ID, "kind", u.Kind(), "err", err)
	}
	return respond(http.StatusOK, correlationID, okResponse{OK: true}), nil
}

// header looks up name case-insensitively.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func respond(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, _ := json.Marshal(body)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}
