// Package messaging publishes audit events and alerts to Redis Streams.
package messaging

import (
	"context"
	"fmt"
	"time"

	"remindsync/core/domain"
	"remindsync/core/port/out"
	"remindsync/pkg/crypto"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Stream names
const (
	StreamAudit  = "audit:events"
	StreamAlerts = "alerts:events"
)

const defaultMaxLen = 100000

// RedisProducer appends audit events and alerts to capped Redis streams.
type RedisProducer struct {
	client *redis.Client
	maxLen int64
}

// NewRedisProducer creates a new RedisProducer.
func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client, maxLen: defaultMaxLen}
}

// RecordAudit implements crypto.AuditSink.
func (p *RedisProducer) RecordAudit(ctx context.Context, event *crypto.AuditEvent) error {
	return p.publish(ctx, StreamAudit, string(event.Action), event)
}

// PublishAlert implements out.AlertSink.
func (p *RedisProducer) PublishAlert(ctx context.Context, alert *domain.Alert) error {
	return p.publish(ctx, StreamAlerts, string(alert.Kind), alert)
}

// RecentAlerts reads up to n alerts from the stream, newest first. Processes
// that do not evaluate alerts themselves serve history from here.
func (p *RedisProducer) RecentAlerts(ctx context.Context, n int64) ([]*domain.Alert, error) {
	msgs, err := p.client.XRevRangeN(ctx, StreamAlerts, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", StreamAlerts, err)
	}

	alerts := make([]*domain.Alert, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var a domain.Alert
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			continue
		}
		alerts = append(alerts, &a)
	}
	return alerts, nil
}

// publish appends one JSON entry to stream, trimming it approximately.
func (p *RedisProducer) publish(ctx context.Context, stream, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s entry: %w", stream, err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"kind": kind,
			"data": string(data),
			"at":   time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

var (
	_ crypto.AuditSink = (*RedisProducer)(nil)
	_ out.AlertSink    = (*RedisProducer)(nil)
)
