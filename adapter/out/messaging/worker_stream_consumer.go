package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// StreamReminderSync carries sync requests enqueued by the chat layer.
const StreamReminderSync = "reminders:sync"

// JobHandler processes one stream entry. A returned error leaves the entry
// pending so it is reclaimed later.
type JobHandler interface {
	Handle(ctx context.Context, stream string, data []byte) error
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Group    string
	Consumer string
	Streams  []string
	Handler  JobHandler
	Logger   zerolog.Logger

	// Optional pending reclaim settings
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	MaxDeliveries        int
}

// Consumer reads a consumer group over Redis Streams, reclaims entries left
// pending by dead consumers and parks poison entries on a dlq: stream.
type Consumer struct {
	client *redis.Client
	cfg    ConsumerConfig
	log    zerolog.Logger
}

// NewConsumer creates a new Consumer.
func NewConsumer(client *redis.Client, cfg ConsumerConfig) *Consumer {
	if cfg.PendingCheckInterval <= 0 {
		cfg.PendingCheckInterval = 30 * time.Second
	}
	if cfg.PendingIdleTime <= 0 {
		cfg.PendingIdleTime = 2 * time.Minute
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	return &Consumer{client: client, cfg: cfg, log: cfg.Logger}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().
		Str("group", c.cfg.Group).
		Str("consumer", c.cfg.Consumer).
		Strs("streams", c.cfg.Streams).
		Msg("starting consumer")

	for _, stream := range c.cfg.Streams {
		c.createConsumerGroup(ctx, stream)
	}

	go c.reclaimLoop(ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		result, err := c.readMessages(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			c.log.Error().Err(err).Msg("error reading from streams")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				c.handle(ctx, stream.Stream, msg)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, stream string, msg redis.XMessage) {
	if err := c.processMessage(ctx, stream, msg); err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("error processing message")
		return
	}
	if err := c.client.XAck(ctx, stream, c.cfg.Group, msg.ID).Err(); err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("error acknowledging message")
	}
}

// reclaimLoop periodically claims entries idle longer than PendingIdleTime.
func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range c.cfg.Streams {
				c.reclaim(ctx, stream)
			}
		}
	}
}

func (c *Consumer) reclaim(ctx context.Context, stream string) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Error().Err(err).Str("stream", stream).Msg("error listing pending messages")
		}
		return
	}

	for _, p := range pending {
		if p.Idle < c.cfg.PendingIdleTime {
			continue
		}

		if int(p.RetryCount) >= c.cfg.MaxDeliveries {
			c.log.Warn().Str("stream", stream).Str("id", p.ID).Int64("deliveries", p.RetryCount).
				Msg("message exceeded max deliveries, moving to DLQ")
			if err := c.moveToDeadLetterQueue(ctx, stream, p.ID); err != nil {
				c.log.Error().Err(err).Str("id", p.ID).Msg("error moving message to DLQ")
			}
			c.client.XAck(ctx, stream, c.cfg.Group, p.ID)
			continue
		}

		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.PendingIdleTime,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming message")
			continue
		}
		for _, msg := range claimed {
			c.handle(ctx, stream, msg)
		}
	}
}

func (c *Consumer) createConsumerGroup(ctx context.Context, stream string) {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		c.log.Warn().Err(err).Str("stream", stream).Msg("error creating consumer group")
	}
}

func (c *Consumer) readMessages(ctx context.Context) ([]redis.XStream, error) {
	if len(c.cfg.Streams) == 0 {
		return nil, redis.Nil
	}

	args := make([]string, len(c.cfg.Streams)*2)
	for i, stream := range c.cfg.Streams {
		args[i] = stream
		args[len(c.cfg.Streams)+i] = ">"
	}

	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  args,
		Count:    10,
		Block:    5 * time.Second,
	}).Result()
}

func (c *Consumer) processMessage(ctx context.Context, stream string, msg redis.XMessage) error {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("invalid message format: missing data field")
	}
	return c.cfg.Handler.Handle(ctx, stream, []byte(data))
}

// moveToDeadLetterQueue copies msgID to dlq:{stream} with failure metadata.
func (c *Consumer) moveToDeadLetterQueue(ctx context.Context, stream, msgID string) error {
	messages, err := c.client.XRange(ctx, stream, msgID, msgID).Result()
	if err != nil {
		return fmt.Errorf("failed to read message for DLQ: %w", err)
	}
	if len(messages) == 0 {
		return fmt.Errorf("message %s not found in stream %s", msgID, stream)
	}

	values := map[string]interface{}{
		"original_stream": stream,
		"original_id":     msgID,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        c.cfg.Consumer,
	}
	for k, v := range messages[0].Values {
		values["original_"+k] = v
	}

	return c.client.XAdd(ctx, &redis.XAddArgs{Stream: "dlq:" + stream, Values: values}).Err()
}
