package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

type discordSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts escalations to a channel over the REST API. It never opens a gateway session.
type Discord struct {
	sender    discordSender
	channelID string
}

// NewDiscord creates a Discord notifier for a bot token.
func NewDiscord(token, channelID string) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return &Discord{sender: session, channelID: channelID}, nil
}

// Notify sends e as a code-fenced message.
func (d *Discord) Notify(ctx context.Context, e Escalation) error {
	content := fmt.Sprintf("```\n%s\n```", e.Text())
	err := deliver(ctx, func(ctx context.Context) error {
		_, err := d.sender.ChannelMessageSend(d.channelID, content, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("discord escalation: %w", err)
	}
	return nil
}
