package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kursadbilgin/fanout/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	errMalformed        = errors.New("malformed intake message")
	errDeliveriesClosed = errors.New("intake delivery channel closed")
)

// verdict is how a delivery is settled with the broker.
type verdict int

const (
	verdictAck verdict = iota
	verdictRequeue
	verdictDeadLetter
)

func (v verdict) String() string {
	switch v {
	case verdictAck:
		return "ack"
	case verdictRequeue:
		return "requeue"
	default:
		return "dead-letter"
	}
}

// IntakeConsumer reads notification messages from an intake queue declared
// with a dead-letter queue behind it.
type IntakeConsumer struct {
	client   *RabbitMQ
	prefetch int
	backoff  retry.Backoff
	logger   *zap.Logger
}

func NewIntakeConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *IntakeConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IntakeConsumer{
		client:   client,
		prefetch: prefetch,
		backoff:  retry.NewBackoff(reconnectBackoff, maxBackoff, retry.DefaultJitter),
		logger:   logger,
	}
}

// Consume runs intake sessions until ctx ends, reopening the subscription
// after broker failures.
func (c *IntakeConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	failures := 0
	for {
		handled, err := c.session(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if handled > 0 {
			failures = 0
		}
		failures++

		wait := c.backoff.Delay(failures)
		c.logger.Warn("intake session ended, resubscribing",
			zap.String("queue", queue),
			zap.Int("handled", handled),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if retry.Sleep(ctx, wait) != nil {
			return nil
		}
	}
}

// session subscribes once and processes deliveries until the channel closes
// or ctx ends. It reports how many deliveries it settled.
func (c *IntakeConsumer) session(ctx context.Context, queue string, handler MessageHandler) (int, error) {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return 0, err
	}
	defer ch.Close() //nolint:errcheck

	deliveries, err := c.subscribe(ch, queue)
	if err != nil {
		return 0, err
	}

	handled := 0
	for {
		select {
		case <-ctx.Done():
			return handled, nil
		case d, ok := <-deliveries:
			if !ok {
				return handled, errDeliveriesClosed
			}
			if err := c.process(ctx, d, handler); err != nil {
				return handled, err
			}
			handled++
		}
	}
}

func (c *IntakeConsumer) subscribe(ch *amqp.Channel, queue string) (<-chan amqp.Delivery, error) {
	if err := declareIntakeTopology(ch, queue); err != nil {
		return nil, err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set intake prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %q: %w", queue, err)
	}
	return deliveries, nil
}

// process decodes, handles and settles one delivery. Only a failed
// settlement is returned; it ends the session.
func (c *IntakeConsumer) process(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeDelivery(d)
	if err == nil {
		err = handler(ctx, msg)
	}

	v := judge(err, d.Redelivered, ctx.Err() != nil)
	if v != verdictAck {
		c.logger.Warn("intake message not accepted",
			zap.String("messageId", msg.ID),
			zap.String("correlationId", msg.CorrelationID),
			zap.Bool("redelivered", d.Redelivered),
			zap.Stringer("verdict", v),
			zap.Error(err),
		)
	}

	if serr := settle(d, v); serr != nil {
		return fmt.Errorf("failed to %s delivery %d: %w", v, d.DeliveryTag, serr)
	}
	return nil
}

// decodeDelivery turns a delivery into a message. Broker properties fill
// the id, correlation id and send time when the body leaves them empty.
func decodeDelivery(d amqp.Delivery) (NotificationMessage, error) {
	var msg NotificationMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return NotificationMessage{}, fmt.Errorf("%w: %v", errMalformed, err)
	}

	if msg.ID == "" {
		msg.ID = d.MessageId
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = d.CorrelationId
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = d.Timestamp
	}

	if err := msg.Validate(); err != nil {
		return msg, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return msg, nil
}

// judge picks the settlement for a delivery. Malformed messages are
// dead-lettered at once. A handler failure gets one redelivery, and is
// always requeued while the consumer is stopping.
func judge(err error, redelivered, stopping bool) verdict {
	switch {
	case err == nil:
		return verdictAck
	case errors.Is(err, errMalformed):
		return verdictDeadLetter
	case stopping, !redelivered:
		return verdictRequeue
	default:
		return verdictDeadLetter
	}
}

func settle(d amqp.Delivery, v verdict) error {
	switch v {
	case verdictAck:
		return d.Ack(false)
	case verdictRequeue:
		return d.Nack(false, true)
	default:
		return d.Reject(false)
	}
}

func (c *IntakeConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
