// Package rabbitmq publishes domain events to a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jensholdgaard/cricket-auctiond/internal/event"
)

const defaultRetryDelay = 2 * time.Second

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("rabbitmq publisher closed")

// Publisher implements event.Publisher over a single AMQP channel. A lost
// connection is re-dialed in the background and on the next Publish.
type Publisher struct {
	url        string
	exchange   string
	retryDelay time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
	done   chan struct{}
}

var _ event.Publisher = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger used for connection events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithRetryDelay sets the pause between reconnect attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// NewPublisher dials url and declares a durable topic exchange.
func NewPublisher(url, exchange string, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		url:        url,
		exchange:   exchange,
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connectLocked() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn, p.ch = conn, ch

	go p.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return nil
}

// watch re-dials once the connection behind closes reports a close.
func (p *Publisher) watch(closes <-chan *amqp.Error) {
	reason, ok := <-closes
	if !ok {
		// Graceful close, from Close or a replaced connection.
		return
	}
	p.logger.Warn("rabbitmq connection lost", slog.String("reason", reason.Error()))

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if p.conn != nil && !p.conn.IsClosed() {
			// Publish got there first.
			p.mu.Unlock()
			return
		}
		err := p.connectLocked()
		p.mu.Unlock()

		if err == nil {
			p.logger.Info("rabbitmq connection restored", slog.String("exchange", p.exchange))
			return
		}
		p.logger.Warn("rabbitmq reconnect failed",
			slog.Duration("retry_in", p.retryDelay),
			slog.Any("error", err),
		)

		select {
		case <-p.done:
			return
		case <-time.After(p.retryDelay):
		}
	}
}

// ensureLocked reopens whatever part of the connection has gone away.
func (p *Publisher) ensureLocked() error {
	if p.conn == nil || p.conn.IsClosed() {
		return p.connectLocked()
	}
	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.conn.Channel()
		if err != nil {
			return fmt.Errorf("reopen channel: %w", err)
		}
		p.ch = ch
	}
	return nil
}

// Publish sends each event as a persistent JSON message keyed by its
// routing key. AMQP channels are not safe for concurrent publishing.
func (p *Publisher) Publish(ctx context.Context, events ...event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if err := p.ensureLocked(); err != nil {
		return err
	}
	for _, e := range events {
		msg, err := Message(e)
		if err != nil {
			return err
		}
		if err := p.ch.PublishWithContext(ctx, p.exchange, e.RoutingKey(), false, false, msg); err != nil {
			return fmt.Errorf("publishing %s: %w", e.Type, err)
		}
	}
	return nil
}

// Message encodes e as an AMQP publishing.
func Message(e event.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encoding event %s: %w", e.ID, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		Timestamp:    e.CreatedAt,
		Body:         body,
	}, nil
}

// Close stops reconnecting and releases the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)

	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}
