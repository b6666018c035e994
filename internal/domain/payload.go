package domain

import (
	"context"
	"fmt"
	"strings"
)

// BodyFormat is the markup the notification body is written in.
type BodyFormat string

const (
	FormatText     BodyFormat = "text"
	FormatMarkdown BodyFormat = "markdown"
	FormatHTML     BodyFormat = "html"
)

func (f BodyFormat) String() string { return string(f) }

func (f BodyFormat) IsValid() bool {
	switch f {
	case FormatText, FormatMarkdown, FormatHTML:
		return true
	}
	return false
}

// ParseBodyFormat accepts the canonical names; empty input defaults to text.
func ParseBodyFormat(s string) (BodyFormat, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return FormatText, nil
	}
	if normalized == "md" {
		return FormatMarkdown, nil
	}
	f := BodyFormat(normalized)
	if !f.IsValid() {
		return "", fmt.Errorf("%w: invalid body format %q", ErrValidation, s)
	}
	return f, nil
}

// ResolvedAttachment is the materialized content of an attachment.
type ResolvedAttachment struct {
	Name     string
	MimeType string
	Data     []byte
}

func (a *ResolvedAttachment) Size() int64 {
	if a == nil {
		return 0
	}
	return int64(len(a.Data))
}

// Attachment is a lazily resolved file carried by a payload. Resolve must be
// idempotent: repeated calls return the same content without refetching.
type Attachment interface {
	Name() string
	Resolve(ctx context.Context) (*ResolvedAttachment, error)
}

// Payload is one logical notification fanned out to many targets.
type Payload struct {
	Title       string
	Body        string
	Format      BodyFormat
	Attachments []Attachment
	Tags        []string
}

func (p *Payload) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: payload is required", ErrValidation)
	}
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if p.Format == "" {
		p.Format = FormatText
	}
	if !p.Format.IsValid() {
		return fmt.Errorf("%w: invalid body format %q", ErrValidation, p.Format)
	}
	for i, a := range p.Attachments {
		if a == nil {
			return fmt.Errorf("%w: attachment %d is nil", ErrValidation, i)
		}
	}
	return nil
}

func (p Payload) HasAttachments() bool {
	return len(p.Attachments) > 0
}
