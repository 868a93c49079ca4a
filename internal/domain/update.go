package domain

import "time"

// EventKind tags an inbound platform event for handler lookup.
type EventKind string

const (
	KindText        EventKind = "text"
	KindVoice       EventKind = "voice"
	KindCommand     EventKind = "command"
	KindUnsupported EventKind = "unsupported"
)

type TextMessage struct {
	From   Profile
	ChatID int64
	Text   string
	Date   time.Time
}

type VoiceMessage struct {
	From     Profile
	ChatID   int64
	FileID   string
	FileSize int64
	Duration int
	Date     time.Time
}

type Command struct {
	From   Profile
	ChatID int64
	Name   string
	Args   string
	// Text is the full message text, including the leading slash.
	Text string
	Date time.Time
	// Raw is the inbound platform message, echoed back by informational commands.
	Raw []byte
}

// Update is a single inbound platform event. At most one of Text, Voice and
// Command is set.
type Update struct {
	ID      int64
	Text    *TextMessage
	Voice   *VoiceMessage
	Command *Command
}

func (u Update) Kind() EventKind {
	switch {
	case u.Command != nil:
		return KindCommand
	case u.Voice != nil:
		return KindVoice
	case u.Text != nil:
		return KindText
	default:
		return KindUnsupported
	}
}

// Sender returns the profile, chat and timestamp of the event, if it has one.
func (u Update) Sender() (Profile, int64, time.Time, bool) {
	switch {
	case u.Command != nil:
		return u.Command.From, u.Command.ChatID, u.Command.Date, true
	case u.Voice != nil:
		return u.Voice.From, u.Voice.ChatID, u.Voice.Date, true
	case u.Text != nil:
		return u.Text.From, u.Text.ChatID, u.Text.Date, true
	default:
		return Profile{}, 0, time.Time{}, false
	}
}
