package provider

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/notifyurl"
	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisPort = 6379

// RedisConfig addresses a pub/sub channel.
type RedisConfig struct {
	Options goredis.Options
	Channel string
	// RequireSubscriber turns a publish nobody received into a failure.
	RequireSubscriber bool
}

// RedisConfigFromURL accepts redis[s]://[user:pass@]host[:port]/channel with
// optional ?db= and ?require_subscriber=.
func RedisConfigFromURL(u notifyurl.ParsedURL) (RedisConfig, error) {
	if u.Host == "" {
		return RedisConfig{}, fmt.Errorf("%w: redis host is required", domain.ErrValidation)
	}
	segments := u.PathSegments()
	if len(segments) != 1 {
		return RedisConfig{}, fmt.Errorf("%w: redis url needs exactly one channel", domain.ErrValidation)
	}

	port := u.Port
	if port == 0 {
		port = defaultRedisPort
	}
	host := u.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	cfg := RedisConfig{
		Channel: segments[0],
		Options: goredis.Options{
			Addr:     host + ":" + strconv.Itoa(port),
			Username: u.Credentials.User,
			Password: u.Credentials.Password,
		},
	}
	if u.Scheme == "rediss" {
		cfg.Options.TLSConfig = &tls.Config{ServerName: u.Host, InsecureSkipVerify: !u.Verify} //nolint:gosec // opt-in via ?verify=no
	}
	if db, ok := u.Param("db"); ok {
		n, err := strconv.Atoi(db)
		if err != nil || n < 0 {
			return RedisConfig{}, fmt.Errorf("%w: invalid redis db %q", domain.ErrValidation, db)
		}
		cfg.Options.DB = n
	}
	if v, ok := u.Param("require_subscriber"); ok {
		cfg.RequireSubscriber = notifyurl.ParseBool(v, false)
	}
	return cfg, nil
}

// RedisPublisher publishes each notification as JSON on a pub/sub channel.
type RedisPublisher struct {
	client            *goredis.Client
	channel           string
	requireSubscriber bool
}

func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	opts := cfg.Options
	opts.MaxRetries = -1
	return NewRedisPublisherWithClient(goredis.NewClient(&opts), cfg.Channel, cfg.RequireSubscriber)
}

func NewRedisPublisherWithClient(client *goredis.Client, channel string, requireSubscriber bool) (*RedisPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("%w: redis channel is required", domain.ErrValidation)
	}
	return &RedisPublisher{client: client, channel: channel, requireSubscriber: requireSubscriber}, nil
}

func (p *RedisPublisher) Send(ctx context.Context, payload domain.Payload) (*ProviderResponse, error) {
	msg, err := brokerMessage(ctx, payload)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, Permanent("failed to encode message", err)
	}

	receivers, err := p.client.Publish(ctx, p.channel, body).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}
	if receivers == 0 && p.requireSubscriber {
		return nil, Transient(fmt.Sprintf("no subscriber on channel %q", p.channel), nil)
	}

	return &ProviderResponse{MessageID: msg.ID, Body: strconv.FormatInt(receivers, 10)}, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// classifyRedisError treats server replies as final except LOADING and
// BUSY; everything else is a connection problem worth retrying.
func classifyRedisError(err error) error {
	var replyErr goredis.Error
	if errors.As(err, &replyErr) && !errors.Is(err, goredis.ErrClosed) {
		msg := replyErr.Error()
		transient := strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "BUSY") || strings.HasPrefix(msg, "TRYAGAIN")
		return &ProviderError{Message: "redis publish failed", Transient: transient, Cause: err}
	}
	return &ProviderError{Message: "redis publish failed", Transient: !errors.Is(err, context.Canceled), Cause: err}
}
