package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/lims/lims/internal/platform/breaker"
)

const publishTimeout = 5 * time.Second

// AMQPPublisher publishes events to a durable topic exchange with the event
// type as routing key. Publishes wait for the broker confirm.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	confirms chan amqp.Confirmation
	cb       *gobreaker.CircuitBreaker
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &AMQPPublisher{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		cb:       breaker.New("amqp", breaker.DefaultConfig(), logger),
		logger:   logger,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.Timestamp,
		Type:         evt.Type,
		Body:         body,
	}

	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.publish(ctx, evt.Type, msg)
	})
	return err
}

func (p *AMQPPublisher) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return errors.New("amqp channel closed")
		}
		if !confirmed.Ack {
			return fmt.Errorf("publish %s: broker nacked message", routingKey)
		}
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", routingKey, ctx.Err())
	}
	return nil
}

// Ping reports whether the connection is still open.
func (p *AMQPPublisher) Ping(context.Context) error {
	if p.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		p.logger.Warn().Err(err).Msg("closing amqp channel")
	}
	return p.conn.Close()
}
