package transport

import (
	"context"
	"log/slog"

	"github.com/kyushbot/cmdgate/internal/gate"
)

// LogSender writes replies to the structured log instead of a chat network.
type LogSender struct {
	logger *slog.Logger
}

var _ gate.Sender = (*LogSender)(nil)

// NewLogSender constructs a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Reply logs the outgoing text.
func (s *LogSender) Reply(ctx context.Context, chatID, replyTo int64, text string) error {
	s.logger.InfoContext(ctx, "reply",
		slog.Int64("chat_id", chatID),
		slog.Int64("reply_to", replyTo),
		slog.String("text", text))
	return nil
}
