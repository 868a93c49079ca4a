package telegram

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"voicegpt-bot/internal/domain"
)

type update struct {
	UpdateID int64           `json:"update_id"`
	Message  json.RawMessage `json:"message,omitempty"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	From      *user  `json:"from,omitempty"`
	Chat      chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
	Voice     *voice `json:"voice,omitempty"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

type user struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
}

type voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// ParseUpdate converts a Bot API update into a domain.Update. Updates other
// than new messages with a sender, and messages carrying neither text nor
// voice, come back with kind unsupported. Only malformed JSON is an error.
func ParseUpdate(raw []byte) (domain.Update, error) {
	var u update
	if err := json.Unmarshal(raw, &u); err != nil {
		return domain.Update{}, fmt.Errorf("telegram: decode update: %w", err)
	}
	out := domain.Update{ID: u.UpdateID}
	if len(u.Message) == 0 || string(u.Message) == "null" {
		return out, nil
	}

	var m message
	if err := json.Unmarshal(u.Message, &m); err != nil {
		return domain.Update{}, fmt.Errorf("telegram: decode message: %w", err)
	}
	if m.From == nil {
		return out, nil
	}
	from := profile(m.From)
	date := time.Unix(m.Date, 0).UTC()

	switch {
	case m.Voice != nil:
		out.Voice = &domain.VoiceMessage{
			From:     from,
			ChatID:   m.Chat.ID,
			FileID:   m.Voice.FileID,
			FileSize: m.Voice.FileSize,
			Duration: m.Voice.Duration,
			Date:     date,
		}
	case strings.HasPrefix(m.Text, "/"):
		name, args := splitCommand(m.Text)
		out.Command = &domain.Command{
			From:   from,
			ChatID: m.Chat.ID,
			Name:   name,
			Args:   args,
			Text:   m.Text,
			Date:   date,
			Raw:    append([]byte(nil), u.Message...),
		}
	case m.Text != "":
		out.Text = &domain.TextMessage{
			From:   from,
			ChatID: m.Chat.ID,
			Text:   m.Text,
			Date:   date,
		}
	}
	return out, nil
}

func profile(u *user) domain.Profile {
	return domain.Profile{
		ID:           u.ID,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Username:     u.Username,
		LanguageCode: u.LanguageCode,
		IsPremium:    u.IsPremium,
		IsBot:        u.IsBot,
	}
}

// splitCommand turns "/Reset@MyBot now" into ("reset", "now").
func splitCommand(text string) (name, args string) {
	text = strings.TrimSpace(text)
	head := text
	if i := strings.IndexAny(text, " \n\t"); i >= 0 {
		head, args = text[:i], strings.TrimSpace(text[i:])
	}
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head), args
}
