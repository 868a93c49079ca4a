package domain

import "time"

// Profile is a snapshot of the platform-provided user fields. It is
// informational only and is overwritten on every inbound message.
type Profile struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
	IsBot        bool   `json:"is_bot,omitempty"`
}

// Session is the per-user conversational state.
type Session struct {
	UserID    int64         `json:"userId"`
	User      Profile       `json:"user"`
	StartedAt time.Time     `json:"startedAt"`
	Messages  []ChatMessage `json:"messages"`
}

// NewSession returns an empty session for userID.
func NewSession(userID int64) Session {
	return Session{UserID: userID, Messages: []ChatMessage{}}
}

// Clone returns a copy that shares no memory with s.
func (s Session) Clone() Session {
	out := s
	out.Messages = make([]ChatMessage, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}
