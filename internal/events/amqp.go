package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"paywatch/internal/config"
)

// AMQPPublisher publishes events to a RabbitMQ exchange. The routing key is
// the configured prefix followed by the event type.
type AMQPPublisher struct {
	cfg     config.AMQPConfig
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex
	log     zerolog.Logger
}

func NewAMQPPublisher(cfg config.AMQPConfig, log zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,     // name
		cfg.ExchangeType, // type
		true,             // durable
		false,            // auto-deleted
		false,            // internal
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info().Str("exchange", cfg.Exchange).Msg("amqp event publisher ready")
	return &AMQPPublisher{cfg: cfg, conn: conn, channel: ch, log: log}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := newPublishing(e)
	if err != nil {
		return err
	}
	key := RoutingKey(p.cfg.RoutingKeyPrefix, e.Type)

	p.mu.Lock()
	defer p.mu.Unlock()

	delay := p.cfg.PublishRetryDelay
	var lastErr error
	for attempt := 0; attempt <= p.cfg.PublishRetries; attempt++ {
		lastErr = p.channel.PublishWithContext(ctx,
			p.cfg.Exchange, // exchange
			key,            // routing key
			false,          // mandatory
			false,          // immediate
			msg,
		)
		if lastErr == nil {
			p.log.Debug().Str("routing_key", key).Int("attempt", attempt+1).Msg("event published")
			return nil
		}
		p.log.Warn().Err(lastErr).Str("routing_key", key).Int("attempt", attempt+1).Msg("publish event failed")

		if attempt == p.cfg.PublishRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("failed to publish %s after %d attempts: %w", e.Type, p.cfg.PublishRetries+1, lastErr)
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		p.log.Error().Err(err).Msg("close amqp channel")
	}
	return p.conn.Close()
}

func RoutingKey(prefix string, t Type) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}

func newPublishing(e Event) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    e.At,
		Type:         string(e.Type),
		Body:         body,
	}, nil
}
