package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"

	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/notifyurl"
	"gopkg.in/gomail.v2"
)

const (
	defaultSMTPPort    = 25
	defaultSMTPSPort   = 587
	implicitTLSPort    = 465
	smtpDialFailureMsg = "smtp dial failed"
)

var smtpReplyCode = regexp.MustCompile(`\b([45])\d\d\b`)

// mailSender is satisfied by *gomail.Dialer.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailConfig describes an SMTP relay and the envelope.
type EmailConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	To       []string
	Secure   bool
	Verify   bool
}

// EmailConfigFromURL accepts mailto://[user:pass@]smtp.host[:port][/to...]
// with optional ?from= and ?to= parameters. mailtos uses TLS.
func EmailConfigFromURL(u notifyurl.ParsedURL) (EmailConfig, error) {
	if u.Host == "" {
		return EmailConfig{}, fmt.Errorf("%w: smtp host is required", domain.ErrValidation)
	}

	secure := u.Scheme == "mailtos"
	cfg := EmailConfig{
		Host:     u.Host,
		Port:     u.Port,
		User:     u.Credentials.User,
		Password: u.Credentials.Password,
		Secure:   secure,
		Verify:   u.Verify,
	}
	if cfg.Port == 0 {
		cfg.Port = defaultSMTPPort
		if secure {
			cfg.Port = defaultSMTPSPort
		}
	}

	cfg.From, _ = u.Param("from")
	if cfg.From == "" {
		switch {
		case strings.Contains(cfg.User, "@"):
			cfg.From = cfg.User
		case cfg.User != "":
			cfg.From = cfg.User + "@" + u.Host
		}
	}

	cfg.To = append(cfg.To, u.PathSegments()...)
	if to, ok := u.Param("to"); ok {
		cfg.To = append(cfg.To, notifyurl.ParseList(to)...)
	}
	if len(cfg.To) == 0 && cfg.From != "" {
		cfg.To = []string{cfg.From}
	}
	return cfg, nil
}

// Email delivers through SMTP with gomail.
type Email struct {
	sender mailSender
	cfg    EmailConfig
}

func NewEmail(cfg EmailConfig) (*Email, error) {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.SSL = cfg.Secure && cfg.Port == implicitTLSPort
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: !cfg.Verify} //nolint:gosec // opt-in via ?verify=no
	return newEmailWithSender(cfg, d)
}

func newEmailWithSender(cfg EmailConfig, sender mailSender) (*Email, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("%w: smtp host is required", domain.ErrValidation)
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("%w: invalid from address %q", domain.ErrValidation, cfg.From)
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", domain.ErrValidation)
	}
	for _, to := range cfg.To {
		if _, err := mail.ParseAddress(to); err != nil {
			return nil, fmt.Errorf("%w: invalid recipient %q", domain.ErrValidation, to)
		}
	}
	return &Email{sender: sender, cfg: cfg}, nil
}

func (p *Email) Send(ctx context.Context, payload domain.Payload) (*ProviderResponse, error) {
	if p == nil || p.sender == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", p.cfg.From)
	m.SetHeader("To", p.cfg.To...)
	m.SetHeader("Subject", payload.Title)

	contentType := "text/plain"
	if payload.Format == domain.FormatHTML {
		contentType = "text/html"
	}
	m.SetBody(contentType, payload.Body)

	for _, a := range payload.Attachments {
		resolved, err := a.Resolve(ctx)
		if err != nil {
			return nil, Permanent("attachment unavailable", err)
		}
		data := resolved.Data
		m.Attach(resolved.Name,
			gomail.SetHeader(map[string][]string{"Content-Type": {resolved.MimeType}}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		)
	}

	if err := ctx.Err(); err != nil {
		return nil, Transient("send cancelled", err)
	}
	if err := p.sender.DialAndSend(m); err != nil {
		return nil, classifySMTPError(err)
	}
	return &ProviderResponse{}, nil
}

// classifySMTPError retries 4xx replies and network failures; 5xx replies
// and authentication errors are final.
func classifySMTPError(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return &ProviderError{
			StatusCode: protoErr.Code,
			Message:    protoErr.Msg,
			Transient:  protoErr.Code >= 400 && protoErr.Code < 500,
			Cause:      err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(smtpDialFailureMsg, err)
	}

	// gomail flattens send errors into text; recover the reply code.
	if m := smtpReplyCode.FindString(err.Error()); m != "" {
		code, _ := strconv.Atoi(m)
		return &ProviderError{StatusCode: code, Message: "smtp rejected message", Transient: m[0] == '4', Cause: err}
	}

	return Permanent("smtp send failed", err)
}
