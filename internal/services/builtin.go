// Package services holds the descriptor table of the built-in adapters.
package services

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/notifyurl"
	"github.com/kursadbilgin/fanout/internal/provider"
	"github.com/kursadbilgin/fanout/internal/registry"
)

var allFormats = []domain.BodyFormat{domain.FormatText, domain.FormatMarkdown, domain.FormatHTML}

// Builtins returns the descriptors of every adapter shipped with fanout.
func Builtins() []registry.Descriptor {
	return []registry.Descriptor{
		{
			Name:    "JSON Webhook",
			Schemes: []string{"json", "jsons"},
			Capabilities: registry.Capabilities{
				SupportsTitle:       true,
				SupportsAttachments: true,
				BodyFormats:         allFormats,
			},
			Factory: func(u notifyurl.ParsedURL) (provider.Provider, error) {
				cfg, err := provider.WebhookConfigFromURL(u)
				if err != nil {
					return nil, err
				}
				return provider.NewWebhook(cfg)
			},
		},
		{
			Name:    "MessageBird",
			Schemes: []string{"msgbird"},
			Capabilities: registry.Capabilities{
				MaxBodyLength:   160,
				BodyFormats:     []domain.BodyFormat{domain.FormatText},
				DefaultThrottle: 200 * time.Millisecond,
			},
			Factory: func(u notifyurl.ParsedURL) (provider.Provider, error) {
				cfg, err := provider.MessageBirdConfigFromURL(u)
				if err != nil {
					return nil, err
				}
				return provider.NewMessageBird(cfg)
			},
		},
		{
			Name:    "E-Mail",
			Schemes: []string{"mailto", "mailtos"},
			Capabilities: registry.Capabilities{
				MaxTitleLength:      998,
				SupportsTitle:       true,
				SupportsAttachments: true,
				BodyFormats:         []domain.BodyFormat{domain.FormatHTML, domain.FormatText},
			},
			Factory: func(u notifyurl.ParsedURL) (provider.Provider, error) {
				cfg, err := provider.EmailConfigFromURL(u)
				if err != nil {
					return nil, err
				}
				return provider.NewEmail(cfg)
			},
		},
		{
			Name:    "Telegram",
			Schemes: []string{"tgram"},
			Capabilities: registry.Capabilities{
				MaxBodyLength:       4096,
				MaxTitleLength:      1024,
				SupportsTitle:       true,
				SupportsAttachments: true,
				BodyFormats:         allFormats,
				DefaultThrottle:     50 * time.Millisecond,
			},
			Factory: func(u notifyurl.ParsedURL) (provider.Provider, error) {
				cfg, err := provider.TelegramConfigFromURL(u)
				if err != nil {
					return nil, err
				}
				return provider.NewTelegram(cfg)
			},
		},
		{
			Name:    "AMQP",
			Schemes: []string{"amqp", "amqps"},
			Capabilities: registry.Capabilities{
				SupportsTitle:       true,
				SupportsAttachments: true,
				BodyFormats:         allFormats,
			},
			Factory: func(u notifyurl.ParsedURL) (provider.Provider, error) {
				cfg, err := provider.AMQPConfigFromURL(u)
				if err != nil {
					return nil, err
				}
				return provider.NewAMQPPublisher(cfg)
			},
		},
		{
			Name:    "Redis Pub/Sub",
			Schemes: []string{"redis", "rediss"},
			Capabilities: registry.Capabilities{
				SupportsTitle:       true,
				SupportsAttachments: true,
				BodyFormats:         allFormats,
			},
			Factory: func(u notifyurl.ParsedURL) (provider.Provider, error) {
				cfg, err := provider.RedisConfigFromURL(u)
				if err != nil {
					return nil, err
				}
				return provider.NewRedisPublisher(cfg)
			},
		},
	}
}

// RegisterBuiltins adds every built-in adapter to reg.
func RegisterBuiltins(reg *registry.Registry) error {
	for _, d := range Builtins() {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("register %s: %w", d.Name, err)
		}
	}
	return nil
}

// NewRegistry returns a frozen registry holding the built-in adapters.
func NewRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}
