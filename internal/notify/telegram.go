package notify

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

type telegramSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// Telegram posts escalations to a single chat.
type Telegram struct {
	sender telegramSender
	chatID int64
}

// NewTelegram creates a Telegram notifier. No request is made until the first escalation.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Telegram{sender: b, chatID: chatID}, nil
}

// Notify sends e as a plain text message.
func (t *Telegram) Notify(ctx context.Context, e Escalation) error {
	err := deliver(ctx, func(ctx context.Context) error {
		_, err := t.sender.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: t.chatID,
			Text:   e.Text(),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("telegram escalation: %w", err)
	}
	return nil
}
