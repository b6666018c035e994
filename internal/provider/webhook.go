package provider

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/notifyurl"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	webhookPayloadVersion = "1.0"
)

var webhookMethods = map[string]struct{}{
	http.MethodPost:  {},
	http.MethodPut:   {},
	http.MethodPatch: {},
}

type webhookAttachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
	Base64   string `json:"base64"`
}

type webhookRequest struct {
	Version     string              `json:"version"`
	Title       string              `json:"title"`
	Message     string              `json:"message"`
	Format      string              `json:"format"`
	Attachments []webhookAttachment `json:"attachments,omitempty"`
}

// WebhookConfig describes a JSON webhook endpoint.
type WebhookConfig struct {
	Endpoint string
	Method   string
	Headers  map[string]string
	User     string
	Password string
	Verify   bool
}

// WebhookConfigFromURL maps json://host/path (plain HTTP) and jsons://host/path
// (HTTPS) to a config. ?method= selects POST, PUT or PATCH.
func WebhookConfigFromURL(u notifyurl.ParsedURL) (WebhookConfig, error) {
	if u.Host == "" {
		return WebhookConfig{}, fmt.Errorf("%w: webhook host is required", domain.ErrValidation)
	}

	scheme := "http"
	if u.Secure {
		scheme = "https"
	}
	endpoint := url.URL{Scheme: scheme, Host: u.HostPort(), RawPath: u.EscapedPath(), Path: u.Path}
	if extra := webhookQuery(u.Query); extra != "" {
		endpoint.RawQuery = extra
	}

	method := http.MethodPost
	if m, ok := u.Param("method"); ok && strings.TrimSpace(m) != "" {
		method = strings.ToUpper(strings.TrimSpace(m))
	}

	return WebhookConfig{
		Endpoint: endpoint.String(),
		Method:   method,
		Headers:  u.Headers,
		User:     u.Credentials.User,
		Password: u.Credentials.Password,
		Verify:   u.Verify,
	}, nil
}

// Query keys the adapter itself understands are not forwarded to the endpoint.
func webhookQuery(query map[string]string) string {
	values := url.Values{}
	for k, v := range query {
		switch k {
		case "method", "throttle", "overflow", "format":
			continue
		}
		values.Set(k, v)
	}
	return values.Encode()
}

// Webhook posts the notification as a JSON document.
type Webhook struct {
	client *resty.Client
	cfg    WebhookConfig
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	if !cfg.Verify {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // opt-in via ?verify=no
	}

	return NewWebhookWithClient(cfg, client)
}

func NewWebhookWithClient(cfg WebhookConfig, client *resty.Client) (*Webhook, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: webhook endpoint is required", domain.ErrValidation)
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("%w: invalid webhook endpoint: %v", domain.ErrValidation, err)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if _, ok := webhookMethods[cfg.Method]; !ok {
		return nil, fmt.Errorf("%w: unsupported webhook method %q", domain.ErrValidation, cfg.Method)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &Webhook{client: client, cfg: cfg}, nil
}

func (p *Webhook) Send(ctx context.Context, payload domain.Payload) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	reqBody := webhookRequest{
		Version: webhookPayloadVersion,
		Title:   payload.Title,
		Message: payload.Body,
		Format:  payload.Format.String(),
	}
	for _, a := range payload.Attachments {
		resolved, err := a.Resolve(ctx)
		if err != nil {
			return nil, Permanent("attachment unavailable", err)
		}
		reqBody.Attachments = append(reqBody.Attachments, webhookAttachment{
			Filename: resolved.Name,
			MimeType: resolved.MimeType,
			Base64:   base64.StdEncoding.EncodeToString(resolved.Data),
		})
	}

	req := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(p.cfg.Headers).
		SetBody(reqBody)
	if p.cfg.User != "" {
		req.SetBasicAuth(p.cfg.User, p.cfg.Password)
	}

	response, err := req.Execute(p.cfg.Method, p.cfg.Endpoint)
	return httpResult(response, err)
}

// httpResult converts a resty outcome to a response or a classified error.
func httpResult(response *resty.Response, err error) (*ProviderResponse, error) {
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &ProviderResponse{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  providerMessageID(response),
		}, nil
	}

	return nil, StatusError(statusCode, responseBody)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Request-ID", "X-Message-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
