// Package messenger delivers user notices over the chat transport webhook.
package messenger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"remindsync/core/port/out"
	"remindsync/pkg/httputil"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// Config configures the webhook transport.
type Config struct {
	URL       string
	Token     string     // sent as a bearer token when set
	RateLimit rate.Limit // outbound messages per second, 0 disables limiting
	Burst     int
}

// WebhookMessenger posts notices to the chat layer's delivery endpoint.
type WebhookMessenger struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookMessenger creates a new WebhookMessenger.
func NewWebhookMessenger(cfg Config, client *http.Client) *WebhookMessenger {
	if client == nil {
		client = httputil.NewClient(httputil.WebhookClientConfig())
	}
	m := &WebhookMessenger{cfg: cfg, client: client}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return m
}

type messagePayload struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// SendText delivers text to userID.
func (m *WebhookMessenger) SendText(ctx context.Context, userID, text string) error {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("messenger rate limit: %w", err)
		}
	}

	body, err := json.Marshal(messagePayload{UserID: userID, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.Token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("message delivery rejected: status %d", resp.StatusCode)
	}
	return nil
}

// LogMessenger stands in when no webhook is configured; notices are only logged.
type LogMessenger struct {
	sent func(userID, text string)
}

// NewLogMessenger returns a messenger that hands every notice to sent.
func NewLogMessenger(sent func(userID, text string)) *LogMessenger {
	return &LogMessenger{sent: sent}
}

// SendText never fails.
func (m *LogMessenger) SendText(_ context.Context, userID, text string) error {
	if m.sent != nil {
		m.sent(userID, text)
	}
	return nil
}

var (
	_ out.Messenger = (*WebhookMessenger)(nil)
	_ out.Messenger = (*LogMessenger)(nil)
)
