package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/notifyurl"
)

// TelegramConfig identifies a bot and the chats it posts to. Chats are
// numeric ids or @channel usernames.
type TelegramConfig struct {
	Token       string
	Chats       []string
	APIEndpoint string
	HTTPClient  tgbotapi.HTTPClient
}

// TelegramConfigFromURL accepts tgram://{bot_id}:{secret}@{chat}[/{chat}...]
// or tgram://{chat}[/{chat}...]?token={bot_token}.
func TelegramConfigFromURL(u notifyurl.ParsedURL) (TelegramConfig, error) {
	token := u.Credentials.Token
	if token == "" && u.Credentials.User != "" {
		token = u.Credentials.User + ":" + u.Credentials.Password
	}
	if token == "" {
		return TelegramConfig{}, fmt.Errorf("%w: telegram bot token is required", domain.ErrValidation)
	}

	chats := make([]string, 0, 1+len(u.PathSegments()))
	if u.Host != "" {
		chats = append(chats, u.Host)
	}
	chats = append(chats, u.PathSegments()...)
	return TelegramConfig{Token: token, Chats: chats}, nil
}

// Telegram posts through the Bot API. The bot handle is created on first
// send since creating it performs a getMe round trip.
type Telegram struct {
	cfg TelegramConfig

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if !strings.Contains(cfg.Token, ":") {
		return nil, fmt.Errorf("%w: malformed telegram bot token", domain.ErrValidation)
	}
	if len(cfg.Chats) == 0 {
		return nil, fmt.Errorf("%w: at least one telegram chat is required", domain.ErrValidation)
	}
	for _, chat := range cfg.Chats {
		if _, err := parseChat(chat); err != nil {
			return nil, err
		}
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &Telegram{cfg: cfg}, nil
}

func parseChat(chat string) (tgbotapi.BaseChat, error) {
	if strings.HasPrefix(chat, "@") && len(chat) > 1 {
		return tgbotapi.BaseChat{ChannelUsername: chat}, nil
	}
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return tgbotapi.BaseChat{}, fmt.Errorf("%w: invalid telegram chat %q", domain.ErrValidation, chat)
	}
	return tgbotapi.BaseChat{ChatID: id}, nil
}

func (p *Telegram) botAPI() (*tgbotapi.BotAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bot != nil {
		return p.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(p.cfg.Token, p.cfg.APIEndpoint, p.cfg.HTTPClient)
	if err != nil {
		return nil, classifyTelegramError("failed to create telegram bot", err)
	}
	p.bot = bot
	return bot, nil
}

func (p *Telegram) Send(ctx context.Context, payload domain.Payload) (*ProviderResponse, error) {
	if p == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	bot, err := p.botAPI()
	if err != nil {
		return nil, err
	}

	text := payload.Body
	if payload.Title != "" {
		text = payload.Title + "\n" + text
	}

	files := make([]tgbotapi.FileBytes, 0, len(payload.Attachments))
	for _, a := range payload.Attachments {
		resolved, err := a.Resolve(ctx)
		if err != nil {
			return nil, Permanent("attachment unavailable", err)
		}
		files = append(files, tgbotapi.FileBytes{Name: resolved.Name, Bytes: resolved.Data})
	}

	var lastID int
	for _, chat := range p.cfg.Chats {
		if err := ctx.Err(); err != nil {
			return nil, Transient("send cancelled", err)
		}

		base, _ := parseChat(chat)
		msg := tgbotapi.MessageConfig{BaseChat: base, Text: text, ParseMode: telegramParseMode(payload.Format)}
		sent, err := bot.Send(msg)
		if err != nil {
			return nil, classifyTelegramError("telegram sendMessage failed", err)
		}
		lastID = sent.MessageID

		for _, f := range files {
			doc := tgbotapi.DocumentConfig{BaseFile: tgbotapi.BaseFile{BaseChat: base, File: f}}
			if _, err := bot.Send(doc); err != nil {
				return nil, classifyTelegramError("telegram sendDocument failed", err)
			}
		}
	}

	return &ProviderResponse{StatusCode: http.StatusOK, MessageID: strconv.Itoa(lastID)}, nil
}

func telegramParseMode(f domain.BodyFormat) string {
	switch f {
	case domain.FormatHTML:
		return tgbotapi.ModeHTML
	case domain.FormatMarkdown:
		return tgbotapi.ModeMarkdown
	default:
		return ""
	}
}

func classifyTelegramError(message string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, apiErr.Message),
			Transient:  IsTransientHTTPStatus(apiErr.Code) || apiErr.RetryAfter > 0,
			Cause:      err,
		}
	}
	return &ProviderError{Message: message, Transient: !errors.Is(err, context.Canceled), Cause: err}
}
