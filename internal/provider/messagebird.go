package provider

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/notifyurl"
)

const messageBirdEndpoint = "https://rest.messagebird.com/messages"

var phoneDigits = regexp.MustCompile(`\D`)

type messageBirdRequest struct {
	Originator string   `json:"originator"`
	Recipients []string `json:"recipients"`
	Body       string   `json:"body"`
}

type messageBirdResponse struct {
	ID string `json:"id"`
}

// MessageBirdConfig holds an SMS account and its recipients.
type MessageBirdConfig struct {
	Endpoint   string
	AccessKey  string
	Originator string
	Recipients []string
}

// MessageBirdConfigFromURL accepts msgbird://apikey/source[/target...] and
// msgbird://apikey@source[/target...]. With no targets the message goes back
// to the source number.
func MessageBirdConfigFromURL(u notifyurl.ParsedURL) (MessageBirdConfig, error) {
	segments := u.PathSegments()

	var key, source string
	switch {
	case u.Credentials.User != "":
		key, source = u.Credentials.User, u.Host
	case len(segments) > 0:
		key, source, segments = u.Host, segments[0], segments[1:]
	default:
		return MessageBirdConfig{}, fmt.Errorf("%w: messagebird source number is required", domain.ErrValidation)
	}
	if key == "" {
		return MessageBirdConfig{}, fmt.Errorf("%w: messagebird access key is required", domain.ErrValidation)
	}

	cfg := MessageBirdConfig{AccessKey: key, Originator: source}
	if to, ok := u.Param("to"); ok {
		segments = append(segments, notifyurl.ParseList(to)...)
	}
	cfg.Recipients = append(cfg.Recipients, segments...)
	if len(cfg.Recipients) == 0 {
		cfg.Recipients = []string{source}
	}
	return cfg, nil
}

// MessageBird sends SMS through the MessageBird REST API.
type MessageBird struct {
	client *resty.Client
	cfg    MessageBirdConfig
}

func NewMessageBird(cfg MessageBirdConfig) (*MessageBird, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	return NewMessageBirdWithClient(cfg, client)
}

func NewMessageBirdWithClient(cfg MessageBirdConfig, client *resty.Client) (*MessageBird, error) {
	if strings.TrimSpace(cfg.AccessKey) == "" {
		return nil, fmt.Errorf("%w: messagebird access key is required", domain.ErrValidation)
	}

	source, err := normalizePhone(cfg.Originator)
	if err != nil {
		return nil, err
	}
	cfg.Originator = source

	recipients := make([]string, 0, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		phone, err := normalizePhone(r)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, phone)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: messagebird needs at least one recipient", domain.ErrValidation)
	}
	cfg.Recipients = recipients

	if cfg.Endpoint == "" {
		cfg.Endpoint = messageBirdEndpoint
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	client.SetRetryCount(0)

	return &MessageBird{client: client, cfg: cfg}, nil
}

func normalizePhone(s string) (string, error) {
	digits := phoneDigits.ReplaceAllString(s, "")
	if len(digits) < 10 || len(digits) > 14 {
		return "", fmt.Errorf("%w: invalid phone number %q", domain.ErrValidation, s)
	}
	return digits, nil
}

func (p *MessageBird) Send(ctx context.Context, payload domain.Payload) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	body := payload.Body
	if payload.Title != "" {
		body = payload.Title + "\r\n" + body
	}

	var parsed messageBirdResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "AccessKey "+p.cfg.AccessKey).
		SetBody(messageBirdRequest{
			Originator: p.cfg.Originator,
			Recipients: p.cfg.Recipients,
			Body:       body,
		}).
		SetResult(&parsed).
		Post(p.cfg.Endpoint)

	resp, err := httpResult(response, err)
	if err != nil {
		return nil, err
	}
	if parsed.ID != "" {
		resp.MessageID = parsed.ID
	}
	return resp, nil
}

// Classify treats a rejected access key as permanent even when the API
// reports it with a server-side status.
func (p *MessageBird) Classify(err error) domain.Outcome {
	if IsTransient(err) && strings.Contains(strings.ToLower(err.Error()), "incorrect access_key") {
		return domain.OutcomePermanentFailure
	}
	return ""
}
