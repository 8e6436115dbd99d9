package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ReplayHandler re-processes a dead letter. A returned error requeues it
// once; a redelivered letter that fails again is discarded.
type ReplayHandler func(ctx context.Context, letter DeadLetter) error

// Consumer replays dead letters from the DLQ
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	prefetchCount int
	maxAttempts   int
	logger        *zap.Logger
	handler       ReplayHandler
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	PrefetchCount int
	MaxAttempts   int
	Logger        *zap.Logger
	Handler       ReplayHandler
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Set QoS (prefetch)
	err = ch.Qos(cfg.PrefetchCount, 0, false)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareDLQ(ch, cfg.Queue); err != nil {
		ch.Close()
		return nil, err
	}

	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		prefetchCount: cfg.PrefetchCount,
		maxAttempts:   cfg.MaxAttempts,
		logger:        cfg.Logger,
		handler:       cfg.Handler,
	}, nil
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("replay consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
		zap.Int("max_attempts", c.maxAttempts),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.processMessage(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	var letter DeadLetter
	if err := json.Unmarshal(msg.Body, &letter); err != nil {
		c.logger.Error("discarding undecodable dead letter",
			zap.Error(err),
			zap.ByteString("body", msg.Body),
		)
		c.ack(msg)
		return
	}

	logger := c.logger.With(
		zap.String("topic", letter.Topic),
		zap.Int("attempt", letter.Attempt),
	)

	if letter.Attempt >= c.maxAttempts {
		logger.Error("dead letter exceeded replay attempts, discarding",
			zap.ByteString("payload", letter.Payload),
			zap.String("reason", letter.Reason),
			zap.Time("failed_at", letter.FailedAt),
		)
		c.ack(msg)
		return
	}

	if err := c.handler(ctx, letter); err != nil {
		requeue := !msg.Redelivered
		if requeue {
			logger.Error("failed to replay dead letter, requeueing", zap.Error(err))
		} else {
			logger.Error("failed to replay redelivered dead letter, discarding",
				zap.Error(err),
				zap.ByteString("payload", letter.Payload),
				zap.String("reason", letter.Reason),
			)
		}
		if nackErr := msg.Nack(false, requeue); nackErr != nil {
			logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	logger.Info("dead letter replayed")
	c.ack(msg)
}

func (c *Consumer) ack(msg amqp.Delivery) {
	if err := msg.Ack(false); err != nil {
		c.logger.Error("failed to ACK message", zap.Error(err))
	}
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
