package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	NotifyURLs string `env:"NOTIFY_URLS,required=true"`

	PoolSize           int    `env:"POOL_SIZE,default=4"`
	MaxRetries         int    `env:"MAX_RETRIES,default=3"`
	RetryBackoffMS     int    `env:"RETRY_BACKOFF_MS,default=1000"`
	MaxBackoffMS       int    `env:"MAX_BACKOFF_MS,default=30000"`
	SendTimeoutMS      int    `env:"SEND_TIMEOUT_MS,default=10000"`
	NotifyTimeoutMS    int    `env:"NOTIFY_TIMEOUT_MS,default=60000"`
	Aggregation        string `env:"AGGREGATION,default=or"`
	AttachmentMaxBytes int64  `env:"ATTACHMENT_MAX_BYTES,default=10485760"`
	// Local file attachments are refused unless enabled.
	AttachmentAllowLocal bool `env:"ATTACHMENT_ALLOW_LOCAL,default=false"`

	DatabaseDSN      string `env:"DATABASE_DSN"`
	RedisURL         string `env:"REDIS_URL"`
	SharedRatePerSec int    `env:"SHARED_RATE_PER_SEC,default=0"`

	AMQPURL           string `env:"AMQP_URL"`
	AMQPQueue         string `env:"AMQP_QUEUE,default=fanout.notify"`
	AMQPPrefetch      int    `env:"AMQP_PREFETCH,default=4"`
	IntakeConcurrency int    `env:"INTAKE_CONCURRENCY,default=2"`

	APIPort   int    `env:"API_PORT,default=8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.URLs()) == 0 {
		return fmt.Errorf("NOTIFY_URLS must list at least one url")
	}
	for name, v := range map[string]int{
		"POOL_SIZE":          c.PoolSize,
		"MAX_RETRIES":        c.MaxRetries,
		"RETRY_BACKOFF_MS":   c.RetryBackoffMS,
		"MAX_BACKOFF_MS":     c.MaxBackoffMS,
		"SEND_TIMEOUT_MS":    c.SendTimeoutMS,
		"NOTIFY_TIMEOUT_MS":  c.NotifyTimeoutMS,
		"AMQP_PREFETCH":      c.AMQPPrefetch,
		"INTAKE_CONCURRENCY": c.IntakeConcurrency,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.AttachmentMaxBytes < 1 {
		return fmt.Errorf("ATTACHMENT_MAX_BYTES must be positive, got %d", c.AttachmentMaxBytes)
	}
	if c.SharedRatePerSec < 0 {
		return fmt.Errorf("SHARED_RATE_PER_SEC must not be negative, got %d", c.SharedRatePerSec)
	}
	return nil
}

// URLs splits NOTIFY_URLS on whitespace and on commas that start a new
// url, so commas inside a query such as ?tag=a,b survive.
func (c *Config) URLs() []string {
	var out []string
	for _, field := range strings.Fields(c.NotifyURLs) {
		for _, piece := range strings.Split(field, ",") {
			switch {
			case piece == "":
			case strings.Contains(piece, "://") || len(out) == 0:
				out = append(out, piece)
			default:
				out[len(out)-1] += "," + piece
			}
		}
	}
	return out
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutMS) * time.Millisecond
}
