package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, route Route, msg NotificationMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := route.Validate(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid notification message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification message: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if route.Exchange != "" {
		if err := declareExchange(ch, route.Exchange, route.ExchangeKind); err != nil {
			return err
		}
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Transient,
		Timestamp:     time.Now().UTC(),
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Body:          payload,
	}
	if route.Persistent {
		publishing.DeliveryMode = amqp.Persistent
	}

	if err := ch.PublishWithContext(ctx, route.Exchange, route.RoutingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to %q/%q: %w", route.Exchange, route.RoutingKey, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
