// Package notifier pushes short markdown messages to a phone.
package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"binance-trade-ledger/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Notifier delivers a titled markdown message.
type Notifier interface {
	Notify(ctx context.Context, title, content string) error
}

// ServerChan posts to the ServerChan push API.
type ServerChan struct {
	client  *resty.Client
	sendKey string
	logger  *zap.Logger
}

// New returns a ServerChan notifier, or Nop when no send key is configured.
func New(cfg config.Notifier, logger *zap.Logger) Notifier {
	if strings.TrimSpace(cfg.SendKey) == "" {
		logger.Warn("SERVERCHAN_SENDKEY not configured, notifications are disabled")
		return Nop{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout)
	return &ServerChan{client: client, sendKey: cfg.SendKey, logger: logger.Named("notifier")}
}

// Notify sends one message. Callers treat a failure as non-fatal.
func (s *ServerChan) Notify(ctx context.Context, title, content string) error {
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"title": title, "desp": content}).
		SetResult(&body).
		Post("/" + s.sendKey + ".send")
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notification rejected: status %d", resp.StatusCode())
	}
	if body.Code != 0 {
		return fmt.Errorf("notification rejected: code %d: %s", body.Code, body.Message)
	}
	s.logger.Info("Notification sent", zap.String("title", title))
	return nil
}

// Nop drops every message.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, string, string) error { return nil }

// Send delivers a message and only logs a failure, so the job that produced
// the content never fails because of the push.
func Send(ctx context.Context, n Notifier, logger *zap.Logger, title, content string) {
	if err := n.Notify(ctx, title, content); err != nil {
		logger.Error("Failed to deliver notification", zap.String("title", title), zap.Error(err))
	}
}
