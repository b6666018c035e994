package provider

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/queue"
)

// brokerMessage renders a payload in the JSON form shared by the amqp and
// redis publishers.
func brokerMessage(ctx context.Context, payload domain.Payload) (queue.NotificationMessage, error) {
	msg := queue.NotificationMessage{
		ID:     uuid.NewString(),
		Title:  payload.Title,
		Body:   payload.Body,
		Format: payload.Format.String(),
		Tags:   payload.Tags,
		SentAt: time.Now().UTC(),
	}
	for _, a := range payload.Attachments {
		resolved, err := a.Resolve(ctx)
		if err != nil {
			return queue.NotificationMessage{}, Permanent("attachment unavailable", err)
		}
		msg.Attachments = append(msg.Attachments, queue.AttachmentMessage{
			Name:     resolved.Name,
			MimeType: resolved.MimeType,
			Base64:   base64.StdEncoding.EncodeToString(resolved.Data),
		})
	}
	return msg, nil
}
