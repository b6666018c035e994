package queue

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/fanout/internal/domain"
)

// AttachmentMessage carries an attachment inline (Base64) or by reference (URL).
type AttachmentMessage struct {
	Name     string `json:"name"`
	MimeType string `json:"mimetype,omitempty"`
	Base64   string `json:"base64,omitempty"`
	URL      string `json:"url,omitempty"`
}

// NotificationMessage is the broker form of a notification. Outbound amqp
// targets publish it and the intake consumer accepts it.
type NotificationMessage struct {
	ID            string              `json:"id,omitempty"`
	CorrelationID string              `json:"correlationId,omitempty"`
	Title         string              `json:"title,omitempty"`
	Body          string              `json:"body"`
	Format        string              `json:"format,omitempty"`
	Tags          []string            `json:"tags,omitempty"`
	Attachments   []AttachmentMessage `json:"attachments,omitempty"`
	SentAt        time.Time           `json:"sentAt"`
}

func (m NotificationMessage) Validate() error {
	if strings.TrimSpace(m.Body) == "" {
		return fmt.Errorf("body is required")
	}
	if _, err := domain.ParseBodyFormat(m.Format); err != nil {
		return err
	}
	for i, a := range m.Attachments {
		if (a.Base64 == "") == (a.URL == "") {
			return fmt.Errorf("attachment %d needs exactly one of base64 or url", i)
		}
		if a.Base64 != "" {
			if _, err := base64.StdEncoding.DecodeString(a.Base64); err != nil {
				return fmt.Errorf("attachment %d has invalid base64: %w", i, err)
			}
		}
	}
	return nil
}
