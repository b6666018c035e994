package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/notifyurl"
	"github.com/kursadbilgin/fanout/internal/queue"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig addresses a broker and a route on it.
type AMQPConfig struct {
	BrokerURL string
	Route     queue.Route
}

// AMQPConfigFromURL accepts amqp[s]://[user:pass@]host[:port]/[exchange/]routing_key
// with ?vhost=, ?kind= (exchange kind) and ?persistent= (default yes).
func AMQPConfigFromURL(u notifyurl.ParsedURL) (AMQPConfig, error) {
	if u.Host == "" {
		return AMQPConfig{}, fmt.Errorf("%w: amqp host is required", domain.ErrValidation)
	}

	broker := url.URL{Scheme: "amqp", Host: u.HostPort()}
	if u.Scheme == "amqps" {
		broker.Scheme = "amqps"
	}
	if u.Credentials.User != "" {
		broker.User = url.UserPassword(u.Credentials.User, u.Credentials.Password)
	}
	if vhost, ok := u.Param("vhost"); ok && vhost != "" {
		broker.Path = "/" + vhost
		broker.RawPath = "/" + url.PathEscape(vhost)
	}

	route := queue.Route{Persistent: true}
	if v, ok := u.Param("persistent"); ok {
		route.Persistent = notifyurl.ParseBool(v, true)
	}
	route.ExchangeKind, _ = u.Param("kind")

	switch segments := u.PathSegments(); len(segments) {
	case 1:
		route.RoutingKey = segments[0]
	case 2:
		route.Exchange, route.RoutingKey = segments[0], segments[1]
	default:
		return AMQPConfig{}, fmt.Errorf("%w: amqp url needs /[exchange/]routing_key", domain.ErrValidation)
	}
	if err := route.Validate(); err != nil {
		return AMQPConfig{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	return AMQPConfig{BrokerURL: broker.String(), Route: route}, nil
}

// AMQPPublisher publishes each notification as a JSON message.
type AMQPPublisher struct {
	publisher queue.Publisher
	route     queue.Route
}

// NewAMQPPublisher does not dial; the connection opens on first send.
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	client, err := queue.NewRabbitMQ(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return NewAMQPPublisherWith(cfg.Route, queue.NewRabbitMQPublisher(client))
}

func NewAMQPPublisherWith(route queue.Route, publisher queue.Publisher) (*AMQPPublisher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("queue publisher is required")
	}
	if err := route.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return &AMQPPublisher{publisher: publisher, route: route}, nil
}

func (p *AMQPPublisher) Send(ctx context.Context, payload domain.Payload) (*ProviderResponse, error) {
	msg, err := brokerMessage(ctx, payload)
	if err != nil {
		return nil, err
	}
	if err := p.publisher.Publish(ctx, p.route, msg); err != nil {
		return nil, classifyAMQPError(err)
	}
	return &ProviderResponse{MessageID: msg.ID}, nil
}

func (p *AMQPPublisher) Close() error {
	return p.publisher.Close()
}

func classifyAMQPError(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return &ProviderError{
			StatusCode: amqpErr.Code,
			Message:    "amqp publish failed",
			Transient:  amqpErr.Recover || !amqpErr.Server,
			Cause:      err,
		}
	}
	return &ProviderError{Message: "amqp publish failed", Transient: !errors.Is(err, context.Canceled), Cause: err}
}
