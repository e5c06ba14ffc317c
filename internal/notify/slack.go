package notify

import (
	"context"
	"fmt"

	"github.com/nidhogg/nuka-analyst/internal/orchestrator"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts outcomes to one Slack channel.
type SlackNotifier struct {
	client   *slack.Client
	channel  string
	username string
	emoji    string
	logger   *zap.Logger
}

// NewSlackNotifier creates a notifier using a bot token (xoxb-...).
func NewSlackNotifier(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:   slack.New(botToken, opts...),
		channel:  channel,
		username: "Nuka Analyst",
		emoji:    ":chart_with_upwards_trend:",
		logger:   logger,
	}
}

func (n *SlackNotifier) Platform() string { return "slack" }

// Notify posts msg as a text message with one attachment of fields.
func (n *SlackNotifier) Notify(ctx context.Context, msg *Message) error {
	color := "good"
	if msg.Status != orchestrator.StatusSuccess {
		color = "danger"
	}
	fields := make([]slack.AttachmentField, len(msg.Fields))
	for i, f := range msg.Fields {
		fields[i] = slack.AttachmentField{Title: f.Name, Value: f.Value, Short: len(f.Value) < 40}
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(fmt.Sprintf("*%s*\n%s", msg.Title, msg.Content), false),
		slack.MsgOptionAttachments(slack.Attachment{Color: color, Fields: fields, Footer: msg.TaskID}),
		slack.MsgOptionUsername(n.username),
		slack.MsgOptionIconEmoji(n.emoji),
	)
	if err != nil {
		n.logger.Error("slack send failed", zap.String("channel", n.channel), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// Close is a no-op; the Slack client holds no connection.
func (n *SlackNotifier) Close() error { return nil }
