package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// channel is the subset of *amqp.Channel the publisher uses
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	channel    channel
	exchange   string
	routingKey string
	dlqQueue   string
	logger     *zap.Logger
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	Exchange   string
	RoutingKey string
	DLQQueue   string
	Logger     *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher. It declares the events
// exchange and the dead letter queue.
func NewPublisher(conn *Connection, cfg PublisherConfig) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := declareDLQ(ch, cfg.DLQQueue); err != nil {
		ch.Close()
		return nil, err
	}

	return newPublisher(ch, cfg), nil
}

func newPublisher(ch channel, cfg PublisherConfig) *Publisher {
	return &Publisher{
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		dlqQueue:   cfg.DLQQueue,
		logger:     cfg.Logger,
	}
}

func declareDLQ(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}
	return nil
}

// ReadingEvent is published after a reading has been stored
type ReadingEvent struct {
	Topic         string  `json:"topic"`
	DeviceID      string  `json:"device_id"`
	ClientID      string  `json:"client_id"`
	MeasurementID string  `json:"measurement_id"`
	Measurement   string  `json:"measurement"`
	Value         float64 `json:"value"`
	UnixTime      int64   `json:"unix_time"`
	BaseTime      string  `json:"base_time"`
}

// DeadLetter carries a single field that could not be stored so it can be
// replayed through the processor
type DeadLetter struct {
	Topic    string          `json:"topic"`
	Payload  json.RawMessage `json:"payload"`
	Attempt  int             `json:"attempt"`
	Reason   string          `json:"reason"`
	FailedAt time.Time       `json:"failed_at"`
}

// PublishReading publishes a stored reading event
func (p *Publisher) PublishReading(ctx context.Context, event ReadingEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.publish(ctx, p.exchange, p.routingKey, body); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published reading event",
		zap.String("routing_key", p.routingKey),
		zap.String("device_id", event.DeviceID),
		zap.String("measurement", event.Measurement),
	)

	return nil
}

// PublishDeadLetter sends letter straight to the dead letter queue through the
// default exchange
func (p *Publisher) PublishDeadLetter(ctx context.Context, letter DeadLetter) error {
	body, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	if err := p.publish(ctx, "", p.dlqQueue, body); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	p.logger.Info("dead letter published",
		zap.String("queue", p.dlqQueue),
		zap.String("topic", letter.Topic),
		zap.Int("attempt", letter.Attempt),
	)

	return nil
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, body []byte) error {
	return p.channel.PublishWithContext(
		ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
