// Package rabbitmq relays outbox messages to a RabbitMQ exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/txbound/pkg/eventbus"
	"github.com/nimburion/txbound/pkg/observability/logger"
)

// System identifies the broker in spans and logs.
const System = "rabbitmq"

var errClosed = errors.New("rabbitmq producer is closed")

// Config holds RabbitMQ producer configuration.
type Config struct {
	URL              string
	Exchange         string
	ExchangeType     string
	OperationTimeout time.Duration
}

func (c *Config) normalize() error {
	if c.URL == "" {
		return errors.New("rabbitmq URL is required")
	}
	if c.Exchange == "" {
		c.Exchange = "txbound.events"
	}
	if c.ExchangeType == "" {
		c.ExchangeType = "topic"
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 30 * time.Second
	}
	return nil
}

// Producer publishes to a durable exchange with the topic as routing key,
// waiting for the broker's confirm on every message.
type Producer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	logger   logger.Logger
	config   Config

	mu     sync.Mutex
	closed bool
}

var _ eventbus.Producer = (*Producer)(nil)

// NewProducer dials the broker and declares the exchange.
func NewProducer(cfg Config, log logger.Logger) (*Producer, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	log.Info("RabbitMQ producer connected", "exchange", cfg.Exchange)
	return &Producer{
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		logger:   log,
		config:   cfg,
	}, nil
}

// Publish sends message and waits for the broker to confirm it.
func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if message == nil {
		return fmt.Errorf("%w: nil message", eventbus.ErrInvalidMessage)
	}

	// One in-flight publish per channel keeps confirms in order.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	if err := p.ch.PublishWithContext(ctx, p.config.Exchange, topic, false, false, toPublishing(message)); err != nil {
		return fmt.Errorf("failed to publish rabbitmq message: %w", err)
	}

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return errors.New("rabbitmq channel closed before confirm")
		}
		if !confirm.Ack {
			return fmt.Errorf("rabbitmq nacked message %s", message.ID)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for rabbitmq confirm: %w", ctx.Err())
	}
}

// HealthCheck reports whether the broker connection is usable.
func (p *Producer) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// Close closes the channel and the connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

func toPublishing(m *eventbus.Message) amqp.Publishing {
	return amqp.Publishing{
		MessageId:    m.ID,
		ContentType:  m.ContentType,
		Body:         m.Value,
		Timestamp:    m.Timestamp,
		Headers:      toAMQPHeaders(m.Headers),
		DeliveryMode: amqp.Persistent,
	}
}

func toAMQPHeaders(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	t := amqp.Table{}
	for k, v := range headers {
		t[k] = v
	}
	return t
}
