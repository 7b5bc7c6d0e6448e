package observer

import (
	"context"
	"log/slog"
	"time"

	"github.com/fxsml/cqrsbus/message"
)

// Logger logs every notification to a slog.Logger.
// Message traffic is logged at Debug, failures at Warn and lifecycle
// transitions at Info.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a logging observer. A nil logger uses slog.Default().
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

func msgAttrs(msg *message.Message) []any {
	id, _ := msg.Attributes.ID()
	return []any{"type", msg.Type(), "id", id}
}

func (l *Logger) PreSend(ctx context.Context, address string, msg *message.Message) {
	l.logger.DebugContext(ctx, "Sending message", append(msgAttrs(msg), "address", address)...)
}

func (l *Logger) PostSend(ctx context.Context, address string, msg *message.Message) {
	l.logger.DebugContext(ctx, "Sent message", append(msgAttrs(msg), "address", address)...)
}

func (l *Logger) SendFault(ctx context.Context, address string, msg *message.Message, err error) {
	l.logger.WarnContext(ctx, "Send failed", append(msgAttrs(msg), "address", address, "error", err)...)
}

func (l *Logger) PrePublish(ctx context.Context, msg *message.Message) {
	l.logger.DebugContext(ctx, "Publishing message", msgAttrs(msg)...)
}

func (l *Logger) PostPublish(ctx context.Context, msg *message.Message) {
	l.logger.DebugContext(ctx, "Published message", msgAttrs(msg)...)
}

func (l *Logger) PublishFault(ctx context.Context, msg *message.Message, err error) {
	l.logger.WarnContext(ctx, "Publish failed", append(msgAttrs(msg), "error", err)...)
}

func (l *Logger) PreReceive(ctx context.Context, endpoint string, msg *message.Message) {
	l.logger.DebugContext(ctx, "Received message", append(msgAttrs(msg), "endpoint", endpoint)...)
}

func (l *Logger) PostReceive(ctx context.Context, endpoint string, msg *message.Message, elapsed time.Duration) {
	l.logger.DebugContext(ctx, "Processed message", append(msgAttrs(msg), "endpoint", endpoint, "elapsed", elapsed)...)
}

func (l *Logger) ReceiveFault(ctx context.Context, endpoint string, msg *message.Message, elapsed time.Duration, err error) {
	l.logger.WarnContext(ctx, "Processing failed", append(msgAttrs(msg), "endpoint", endpoint, "elapsed", elapsed, "error", err)...)
}

func (l *Logger) PreConsume(context.Context, Consumer, *message.Message) {}

func (l *Logger) PostConsume(context.Context, Consumer, *message.Message, time.Duration) {}

func (l *Logger) ConsumeFault(ctx context.Context, c Consumer, msg *message.Message, elapsed time.Duration, err error) {
	l.logger.DebugContext(ctx, "Consumer attempt failed", append(msgAttrs(msg),
		"endpoint", c.Endpoint, "consumer", c.Implementation, "elapsed", elapsed, "error", err)...)
}

func (l *Logger) PreStart(ctx context.Context) {
	l.logger.InfoContext(ctx, "Starting bus")
}

func (l *Logger) PostStart(ctx context.Context) {
	l.logger.InfoContext(ctx, "Bus started")
}

func (l *Logger) StartFaulted(ctx context.Context, err error) {
	l.logger.ErrorContext(ctx, "Bus start failed", "error", err)
}

func (l *Logger) PreStop(ctx context.Context) {
	l.logger.InfoContext(ctx, "Stopping bus")
}

func (l *Logger) PostStop(ctx context.Context) {
	l.logger.InfoContext(ctx, "Bus stopped")
}

func (l *Logger) StopFaulted(ctx context.Context, err error) {
	l.logger.ErrorContext(ctx, "Bus stop failed", "error", err)
}
