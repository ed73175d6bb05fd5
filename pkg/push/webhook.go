package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookSender delivers push notifications by POSTing to a configured
// webhook (typically a mobile push relay). An empty URL disables delivery.
type WebhookSender struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSender constructs a sender for the given webhook URL.
func NewWebhookSender(url string, logger *zap.Logger) *WebhookSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type pushPayload struct {
	UserIDs []string `json:"user_ids"`
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Link    string   `json:"link,omitempty"`
	Type    string   `json:"type,omitempty"`
}

// SendPush posts the notification to the webhook.
func (s *WebhookSender) SendPush(ctx context.Context, userIDs []string, title, message, link, pushType string) error {
	if s.url == "" {
		s.logger.Sugar().Debugw("push disabled, dropping notification", "title", title, "users", len(userIDs))
		return nil
	}
	body, err := json.Marshal(pushPayload{UserIDs: userIDs, Title: title, Message: message, Link: link, Type: pushType})
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		return fmt.Errorf("send push: status %d", resp.StatusCode)
	}
	return nil
}
