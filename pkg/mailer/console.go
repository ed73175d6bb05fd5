package mailer

import (
	"context"

	"go.uber.org/zap"
)

// ConsoleMailer logs rendered messages instead of delivering them. Used in
// development when no SendGrid key is configured.
type ConsoleMailer struct {
	logger *zap.Logger
}

// NewConsoleMailer constructs the console fallback.
func NewConsoleMailer(logger *zap.Logger) *ConsoleMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleMailer{logger: logger}
}

// SendEmail renders and logs the message.
func (m *ConsoleMailer) SendEmail(ctx context.Context, kind, recipient string, data map[string]interface{}) error {
	subject, text, err := Render(kind, data)
	if err != nil {
		return err
	}
	m.logger.Sugar().Infow("email (console)", "kind", kind, "to", recipient, "subject", subject, "body", text)
	return nil
}
