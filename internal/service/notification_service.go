package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/fanout/internal/attachment"
	"github.com/kursadbilgin/fanout/internal/dispatch"
	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/repository"
	"go.uber.org/zap"
)

const (
	SourceAPI  = "api"
	SourceAMQP = "amqp"

	defaultNotifyTimeout = time.Minute
	historyWriteTimeout  = 5 * time.Second
	maxAttachments       = 16
	maxAdHocURLs         = 32
)

// Notifier runs one notification through the dispatch engine.
type Notifier interface {
	Notify(ctx context.Context, req NotifyRequest) (*domain.Report, error)
}

// NotifyRequest is a notification as callers submit it. URLs, when set,
// replace the configured targets for this call only.
type NotifyRequest struct {
	Title       string
	Body        string
	Format      domain.BodyFormat
	Tags        []string
	Attachments []attachment.Reference
	Aggregation domain.Aggregation
	URLs        []string
	Source      string
}

type Options struct {
	Policy                dispatch.Policy
	Timeout               time.Duration
	AllowLocalAttachments bool
}

type NotificationService struct {
	engine     *dispatch.Engine
	loader     *dispatch.Loader
	targets    []*dispatch.Target
	resolver   *attachment.Resolver
	reports    repository.ReportRepository
	deliveries repository.DeliveryRepository
	opts       Options
	logger     *zap.Logger
}

func NewNotificationService(
	engine *dispatch.Engine,
	loader *dispatch.Loader,
	targets []*dispatch.Target,
	resolver *attachment.Resolver,
	reports repository.ReportRepository,
	deliveries repository.DeliveryRepository,
	opts Options,
	logger *zap.Logger,
) (*NotificationService, error) {
	if engine == nil {
		return nil, fmt.Errorf("dispatch engine is required")
	}
	if loader == nil {
		return nil, fmt.Errorf("target loader is required")
	}
	if resolver == nil {
		resolver = attachment.NewResolver()
	}
	if reports == nil || deliveries == nil {
		memory := repository.NewMemoryReportRepo(0)
		if reports == nil {
			reports = memory
		}
		if deliveries == nil {
			deliveries = memory
		}
	}
	policy, err := opts.Policy.Normalize()
	if err != nil {
		return nil, err
	}
	opts.Policy = policy
	if opts.Timeout <= 0 {
		opts.Timeout = defaultNotifyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		engine:     engine,
		loader:     loader,
		targets:    targets,
		resolver:   resolver,
		reports:    reports,
		deliveries: deliveries,
		opts:       opts,
		logger:     logger,
	}, nil
}

// Notify validates req, dispatches it and records the report. A failure to
// record history is logged and does not fail the call.
func (s *NotificationService) Notify(ctx context.Context, req NotifyRequest) (*domain.Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := s.buildPayload(req)
	if err != nil {
		return nil, err
	}

	policy := s.opts.Policy
	if req.Aggregation != "" {
		if !req.Aggregation.IsValid() {
			return nil, fmt.Errorf("%w: invalid aggregation %q", domain.ErrValidation, req.Aggregation)
		}
		policy.Aggregation = req.Aggregation
	}

	targets := s.targets
	if len(req.URLs) > 0 {
		if len(req.URLs) > maxAdHocURLs {
			return nil, fmt.Errorf("%w: at most %d urls per request", domain.ErrValidation, maxAdHocURLs)
		}
		targets = s.loader.Load(req.URLs)
		defer func() {
			if err := dispatch.CloseTargets(targets); err != nil {
				s.logger.Warn("failed to close ad hoc targets", zap.Error(err))
			}
		}()
	}

	notifyCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	report, err := s.engine.Notify(notifyCtx, payload, targets, policy)
	if err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = SourceAPI
	}
	s.record(ctx, report, repository.ReportMeta{Title: req.Title, Tags: req.Tags, Source: source})
	return report, nil
}

func (s *NotificationService) buildPayload(req NotifyRequest) (domain.Payload, error) {
	format := req.Format
	if format == "" {
		format = domain.FormatText
	}
	payload := domain.Payload{
		Title:  strings.TrimSpace(req.Title),
		Body:   req.Body,
		Format: format,
		Tags:   normalizeTags(req.Tags),
	}

	if len(req.Attachments) > maxAttachments {
		return domain.Payload{}, fmt.Errorf("%w: at most %d attachments", domain.ErrValidation, maxAttachments)
	}
	for _, ref := range req.Attachments {
		if err := ref.Validate(); err != nil {
			return domain.Payload{}, err
		}
		if ref.Kind == attachment.KindPath && !s.opts.AllowLocalAttachments {
			return domain.Payload{}, fmt.Errorf("%w: local file attachments are disabled", domain.ErrValidation)
		}
		payload.Attachments = append(payload.Attachments, s.resolver.Handle(ref))
	}

	if err := payload.Validate(); err != nil {
		return domain.Payload{}, err
	}
	return payload, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *NotificationService) record(ctx context.Context, report *domain.Report, meta repository.ReportMeta) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
	defer cancel()

	if err := s.reports.Create(writeCtx, report, meta); err != nil {
		s.logger.Error("failed to record report",
			zap.String("reportId", report.ID),
			zap.Error(err),
		)
	}
}

func (s *NotificationService) GetReport(ctx context.Context, id string) (*domain.Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: report id is required", domain.ErrValidation)
	}
	return s.reports.GetByID(ctx, id)
}

func (s *NotificationService) ListReports(ctx context.Context, params repository.ListParams) ([]domain.Report, int64, error) {
	return s.reports.List(ctx, params)
}

// Targets returns the configured targets in configuration order.
func (s *NotificationService) Targets() []*dispatch.Target {
	return append([]*dispatch.Target(nil), s.targets...)
}

// TargetHistory is the recent delivery record of one configured target.
type TargetHistory struct {
	Target     *dispatch.Target
	Deliveries []domain.DeliveryResult
	Summary    []repository.OutcomeCount
}

func (s *NotificationService) TargetHistory(ctx context.Context, targetID string, limit int) (*TargetHistory, error) {
	var target *dispatch.Target
	for _, t := range s.targets {
		if t.ID == targetID {
			target = t
			break
		}
	}
	if target == nil {
		return nil, domain.ErrNotFound
	}

	deliveries, err := s.deliveries.ListByTarget(ctx, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	summary, err := s.deliveries.OutcomeSummary(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize deliveries: %w", err)
	}
	return &TargetHistory{Target: target, Deliveries: deliveries, Summary: summary}, nil
}

// Close releases the configured targets' connections.
func (s *NotificationService) Close() error {
	if s == nil {
		return nil
	}
	return dispatch.CloseTargets(s.targets)
}
