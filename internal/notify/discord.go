package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/nidhogg/nuka-analyst/internal/orchestrator"
	"go.uber.org/zap"
)

// embedSender is the part of *discordgo.Session used to post.
type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts outcomes to one Discord channel over the REST API.
type DiscordNotifier struct {
	session embedSender
	closer  func() error
	channel string
	logger  *zap.Logger
}

const (
	colorGreen = 0x2ecc71
	colorRed   = 0xe74c3c
)

// NewDiscordNotifier creates a notifier for a bot token. No gateway
// websocket is opened.
func NewDiscordNotifier(token, channel string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: session, closer: session.Close, channel: channel, logger: logger}, nil
}

func (n *DiscordNotifier) Platform() string { return "discord" }

// Notify posts msg as an embed.
func (n *DiscordNotifier) Notify(ctx context.Context, msg *Message) error {
	_, err := n.session.ChannelMessageSendEmbed(n.channel, embed(msg), discordgo.WithContext(ctx))
	if err != nil {
		n.logger.Error("discord send failed", zap.String("channel", n.channel), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func embed(msg *Message) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       msg.Title,
		Description: msg.Content,
		Color:       colorGreen,
		Footer:      &discordgo.MessageEmbedFooter{Text: msg.TaskID},
	}
	if msg.Status != orchestrator.StatusSuccess {
		e.Color = colorRed
	}
	for _, f := range msg.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: len(f.Value) < 40})
	}
	return e
}

// Close shuts down the Discord session.
func (n *DiscordNotifier) Close() error {
	if n.closer != nil {
		return n.closer()
	}
	return nil
}
