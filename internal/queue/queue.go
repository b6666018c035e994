package queue

import (
	"context"
	"fmt"
	"strings"
)

// Publisher publishes notification messages to a broker route.
type Publisher interface {
	Publish(ctx context.Context, route Route, msg NotificationMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg NotificationMessage) error

// Consumer consumes notification messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// Route addresses a publish. An empty Exchange is the default exchange, where
// RoutingKey names the destination queue.
type Route struct {
	Exchange     string
	ExchangeKind string
	RoutingKey   string
	Persistent   bool
}

func (r Route) Validate() error {
	if strings.TrimSpace(r.Exchange) == "" && strings.TrimSpace(r.RoutingKey) == "" {
		return fmt.Errorf("routing key is required on the default exchange")
	}
	switch r.ExchangeKind {
	case "", "direct", "topic", "fanout", "headers":
		return nil
	default:
		return fmt.Errorf("unsupported exchange kind %q", r.ExchangeKind)
	}
}

const dlxExchangeName = "fanout.dlx"

// DLQName returns the dead-letter queue name for an intake queue, e.g.
// dlq.fanout.notify.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", strings.TrimSpace(queue))
}
