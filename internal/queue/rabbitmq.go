package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
)

// RabbitMQ manages one lazily dialed, self-healing broker connection.
type RabbitMQ struct {
	url    string
	config amqp.Config

	mu          sync.RWMutex
	reconnectMu sync.Mutex
	conn        *amqp.Connection
}

// NewRabbitMQ validates url without dialing; the first channel request
// connects.
func NewRabbitMQ(url string) (*RabbitMQ, error) {
	return NewRabbitMQWithConfig(url, amqp.Config{})
}

func NewRabbitMQWithConfig(url string, config amqp.Config) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if _, err := amqp.ParseURI(url); err != nil {
		return nil, fmt.Errorf("invalid rabbitmq url: %w", err)
	}
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}
	return &RabbitMQ{url: url, config: config}, nil
}

// Connect dials now instead of on first use.
func (r *RabbitMQ) Connect(ctx context.Context) error {
	return r.ensureConnected(ctx)
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	return conn.Close()
}

func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		if errReconnect := r.reconnectWithBackoff(ctx, true); errReconnect != nil {
			return nil, errReconnect
		}

		r.mu.RLock()
		conn = r.conn
		r.mu.RUnlock()

		ch, err = conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq channel after reconnect: %w", err)
		}
	}

	return ch, nil
}

func (r *RabbitMQ) ensureConnected(ctx context.Context) error {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()

	if conn != nil && !conn.IsClosed() {
		return nil
	}

	return r.reconnectWithBackoff(ctx, false)
}

// reconnectWithBackoff dials until it succeeds or ctx ends. With force it
// replaces a connection that still looks open but refuses channels.
func (r *RabbitMQ) reconnectWithBackoff(ctx context.Context, force bool) error {
	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()

	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if !force && conn != nil && !conn.IsClosed() {
		return nil
	}

	wait := reconnectBackoff
	for {
		newConn, err := amqp.DialConfig(r.url, r.config)
		if err == nil {
			r.mu.Lock()
			oldConn := r.conn
			r.conn = newConn
			r.mu.Unlock()

			if oldConn != nil && !oldConn.IsClosed() {
				_ = oldConn.Close()
			}

			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rabbitmq connect canceled: %w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}

		wait *= 2
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
}

func declareExchange(ch *amqp.Channel, name, kind string) error {
	if kind == "" {
		kind = amqp.ExchangeTopic
	}
	if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", name, err)
	}
	return nil
}

// declareIntakeTopology declares queue with a dead-letter queue behind it.
// Rejected messages land in DLQName(queue).
func declareIntakeTopology(ch *amqp.Channel, queue string) error {
	if err := declareExchange(ch, dlxExchangeName, amqp.ExchangeDirect); err != nil {
		return err
	}

	dlqName := DLQName(queue)
	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlq %q: %w", dlqName, err)
	}
	if err := ch.QueueBind(dlqName, queue, dlxExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind dlq %q: %w", dlqName, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": queue,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", queue, err)
	}

	return nil
}
