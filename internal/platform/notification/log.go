package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes messages to the log instead of delivering them. It is the
// notifier used when no Kafka brokers are configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info().
		Str("notification_id", msg.ID).
		Str("channel", string(msg.Channel)).
		Str("template", msg.TemplateKey).
		Msg("notification (not delivered)")
	return nil
}
