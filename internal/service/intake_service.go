package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/fanout/internal/attachment"
	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minIntakeConcurrency = 1

// IntakeService feeds notifications consumed from a broker queue into a
// Notifier.
type IntakeService struct {
	consumer    queue.Consumer
	notifier    Notifier
	queueName   string
	concurrency int
	logger      *zap.Logger
}

func NewIntakeService(
	consumer queue.Consumer,
	notifier Notifier,
	queueName string,
	concurrency int,
	logger *zap.Logger,
) (*IntakeService, error) {
	if consumer == nil {
		return nil, fmt.Errorf("queue consumer is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if strings.TrimSpace(queueName) == "" {
		return nil, fmt.Errorf("intake queue name is required")
	}
	if concurrency < minIntakeConcurrency {
		concurrency = minIntakeConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IntakeService{
		consumer:    consumer,
		notifier:    notifier,
		queueName:   queueName,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Start consumes the intake queue until ctx is cancelled.
func (s *IntakeService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("intake worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", s.queueName),
			)

			err := s.consumer.Consume(groupCtx, s.queueName, s.processMessage)
			if err != nil {
				s.logger.Error("intake worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", s.queueName),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("intake worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", s.queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage returns an error only when a redelivery could succeed.
// Invalid messages and delivery failures are final and get acknowledged.
func (s *IntakeService) processMessage(ctx context.Context, msg queue.NotificationMessage) error {
	logger := s.logger.With(
		zap.String("messageId", msg.ID),
		zap.String("correlationId", msg.CorrelationID),
	)

	req, err := requestFromMessage(msg)
	if err != nil {
		logger.Warn("dropping intake message", zap.Error(err))
		return nil
	}

	report, err := s.notifier.Notify(ctx, req)
	switch {
	case errors.Is(err, domain.ErrValidation):
		logger.Warn("dropping intake message", zap.Error(err))
		return nil
	case err != nil:
		return fmt.Errorf("failed to dispatch intake message: %w", err)
	}

	logger.Info("intake message dispatched",
		zap.String("reportId", report.ID),
		zap.Bool("overall", report.Overall),
	)
	return nil
}

func requestFromMessage(msg queue.NotificationMessage) (NotifyRequest, error) {
	format, err := domain.ParseBodyFormat(msg.Format)
	if err != nil {
		return NotifyRequest{}, err
	}

	req := NotifyRequest{
		Title:  msg.Title,
		Body:   msg.Body,
		Format: format,
		Tags:   msg.Tags,
		Source: SourceAMQP,
	}
	for i, a := range msg.Attachments {
		switch {
		case a.Base64 != "":
			data, err := base64.StdEncoding.DecodeString(a.Base64)
			if err != nil {
				return NotifyRequest{}, fmt.Errorf("%w: attachment %d has invalid base64", domain.ErrValidation, i)
			}
			req.Attachments = append(req.Attachments, attachment.BytesRef(a.Name, data, a.MimeType))
		case a.URL != "":
			ref := attachment.URLRef(a.URL)
			ref.Name = a.Name
			ref.MimeHint = a.MimeType
			req.Attachments = append(req.Attachments, ref)
		default:
			return NotifyRequest{}, fmt.Errorf("%w: attachment %d has no content", domain.ErrValidation, i)
		}
	}
	return req, nil
}
