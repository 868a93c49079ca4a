package usecase

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"voicegpt-bot/internal/domain"
)

func (d *Dispatcher) handleText(ctx context.Context, u domain.Update) error {
	m := u.Text
	d.acknowledge(ctx, m.ChatID)
	return d.converse(ctx, m.From.ID, m.ChatID, m.Text)
}

func (d *Dispatcher) handleVoice(ctx context.Context, u domain.Update) error {
	v := u.Voice
	if v.FileSize > MaxVoiceFileSize {
		return domain.NewError(domain.KindOversize, "voice file is too heavy",
			fmt.Errorf("%d bytes exceeds limit of %d", v.FileSize, MaxVoiceFileSize))
	}
	d.acknowledge(ctx, v.ChatID)

	text, err := d.transcribeVoice(ctx, v)
	if err != nil {
		return err
	}
	d.notify(ctx, v.ChatID, `Your request: "`+text+`"`)
	return d.converse(ctx, v.From.ID, v.ChatID, text)
}

// transcribeVoice runs download, transcode and transcription for one voice
// message. Artifacts are keyed by the sender id.
func (d *Dispatcher) transcribeVoice(ctx context.Context, v *domain.VoiceMessage) (string, error) {
	key := strconv.FormatInt(v.From.ID, 10)

	fileURL, err := d.files.GetFileURL(ctx, v.FileID)
	if err != nil {
		return "", err
	}
	src, err := d.audio.Acquire(ctx, fileURL, key)
	if err != nil {
		return "", err
	}

	start := time.Now()
	target, err := d.audio.Transcode(ctx, src, key)
	d.metrics.TranscodeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	defer d.audio.Cleanup(key)

	start = time.Now()
	text, err := d.ai.Transcribe(ctx, target)
	d.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	d.metrics.RecordProviderRequest(ctx, "openai", "stt", d.status(err))
	if err != nil {
		return "", err
	}
	return text, nil
}

// converse appends the user turn, asks for a completion over the whole
// transcript and delivers the reply. The user turn stays in the transcript
// when the completion fails.
func (d *Dispatcher) converse(ctx context.Context, userID, chatID int64, text string) error {
	d.store.AppendMessage(ctx, userID, domain.UserMessage(text))
	sess := d.store.Get(ctx, userID)

	start := time.Now()
	reply, err := d.ai.Chat(ctx, sess.Messages)
	d.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	d.metrics.RecordProviderRequest(ctx, "openai", "llm", d.status(err))
	if err != nil {
		return err
	}

	d.store.AppendMessage(ctx, userID, reply)
	if err := d.messenger.SendMessage(ctx, chatID, reply.Content); err != nil {
		return fmt.Errorf("usecase: deliver reply: %w", err)
	}
	return nil
}

// status labels a provider call for metrics: "ok", the upstream HTTP status
// when known, or "error".
func (d *Dispatcher) status(err error) string {
	if err == nil {
		return "ok"
	}
	if d.statusOf != nil {
		if code, ok := d.statusOf(err); ok && code > 0 {
			return strconv.Itoa(code)
		}
	}
	return "error"
}
