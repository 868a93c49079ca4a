package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"voicegpt-bot/internal/domain"
	"voicegpt-bot/internal/observe"
)

// handleCommand runs a registered command. Unregistered commands are treated
// as ordinary text.
func (d *Dispatcher) handleCommand(ctx context.Context, u domain.Update) error {
	c := u.Command
	if h, ok := d.commands[c.Name]; ok {
		return h(ctx, u)
	}
	observe.Logger(ctx).Debug("unknown command forwarded as text", "command", c.Name)
	return d.handleText(ctx, domain.Update{
		ID:   u.ID,
		Text: &domain.TextMessage{From: c.From, ChatID: c.ChatID, Text: c.Text, Date: c.Date},
	})
}

// echoMessage replies with the inbound message as indented JSON.
func (d *Dispatcher) echoMessage(ctx context.Context, u domain.Update) error {
	c := u.Command
	var buf bytes.Buffer
	if err := json.Indent(&buf, c.Raw, "", "  "); err != nil {
		return fmt.Errorf("usecase: format %s reply: %w", c.Name, err)
	}
	if err := d.messenger.SendMessage(ctx, c.ChatID, buf.String()); err != nil {
		return fmt.Errorf("usecase: deliver %s reply: %w", c.Name, err)
	}
	return nil
}

func (d *Dispatcher) resetConversation(ctx context.Context, u domain.Update) error {
	c := u.Command
	d.store.Reset(ctx, c.From.ID)
	if err := d.messenger.SendMessage(ctx, c.ChatID, resetNotice); err != nil {
		return fmt.Errorf("usecase: deliver reset reply: %w", err)
	}
	return nil
}
