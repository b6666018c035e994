package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/observability"
	"github.com/kursadbilgin/fanout/internal/provider"
	"github.com/kursadbilgin/fanout/internal/ratelimit"
	"github.com/kursadbilgin/fanout/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxRetries  = 3
	DefaultSendTimeout = 10 * time.Second
	DefaultPoolSize    = 4

	detailDeadline = "deadline exceeded"
)

// Policy controls one notify call.
type Policy struct {
	Aggregation domain.Aggregation
	// MaxRetries is the ceiling on send attempts per message, first try included.
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	SendTimeout  time.Duration
	PoolSize     int
}

func DefaultPolicy() Policy {
	return Policy{
		Aggregation:  domain.AggregationAny,
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: retry.DefaultBase,
		MaxBackoff:   retry.DefaultMax,
		SendTimeout:  DefaultSendTimeout,
		PoolSize:     DefaultPoolSize,
	}
}

// Normalize fills zero fields with defaults and rejects invalid values.
func (p Policy) Normalize() (Policy, error) {
	def := DefaultPolicy()
	if p.Aggregation == "" {
		p.Aggregation = def.Aggregation
	}
	if !p.Aggregation.IsValid() {
		return p, fmt.Errorf("%w: invalid aggregation %q", domain.ErrValidation, p.Aggregation)
	}
	if p.MaxRetries < 0 || p.RetryBackoff < 0 || p.MaxBackoff < 0 || p.SendTimeout < 0 || p.PoolSize < 0 {
		return p, fmt.Errorf("%w: policy values must not be negative", domain.ErrValidation)
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.RetryBackoff == 0 {
		p.RetryBackoff = def.RetryBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.SendTimeout == 0 {
		p.SendTimeout = def.SendTimeout
	}
	if p.PoolSize == 0 {
		p.PoolSize = def.PoolSize
	}
	return p, nil
}

// Engine delivers payloads to targets. It holds no per-call state and is
// safe for concurrent use.
type Engine struct {
	logger   *zap.Logger
	metrics  *observability.Metrics
	limiter  ratelimit.RateLimiter
	jitter   time.Duration
	randIntn func(n int) int
	now      func() time.Time
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:   logger,
		jitter:   retry.DefaultJitter,
		randIntn: rand.Intn,
		now:      time.Now,
	}
}

func (e *Engine) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// SetSharedLimiter adds a limiter consulted before every send, keyed by
// target id. Limiter errors other than cancellation are logged and ignored.
func (e *Engine) SetSharedLimiter(limiter ratelimit.RateLimiter) {
	if e == nil {
		return
	}
	e.limiter = limiter
}

// SetJitter bounds the random delay added to each retry backoff.
func (e *Engine) SetJitter(jitter time.Duration) {
	if e == nil || jitter < 0 {
		return
	}
	e.jitter = jitter
}

// Notify delivers payload to every selected target and returns the
// aggregated report. Only an invalid payload or policy is returned as an
// error; per-target failures are reported in the results.
func (e *Engine) Notify(ctx context.Context, payload domain.Payload, targets []*Target, policy Policy) (*domain.Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	policy, err := policy.Normalize()
	if err != nil {
		return nil, err
	}

	reportID := uuid.NewString()
	requestID, _ := observability.RequestIDFromContext(ctx)
	logger := observability.WithContextLogger(e.logger, ctx).With(zap.String("reportId", reportID))

	results := make([]IndexedResult, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(policy.PoolSize)

	selected := 0
	for i, t := range targets {
		if reason := skipReason(t, payload); reason != "" {
			results[i] = IndexedResult{Index: i, Result: skipped(t, reason)}
			e.recordOutcome(t, domain.OutcomeSkipped)
			logger.Debug("target skipped", zap.String("target", targetID(t)), zap.String("reason", reason))
			continue
		}

		selected++
		g.Go(func() error {
			results[i] = IndexedResult{Index: i, Result: e.deliver(ctx, t, payload, policy, logger)}
			return nil
		})
	}
	_ = g.Wait()

	report := Aggregate(results, policy.Aggregation)
	report.ID = reportID
	report.RequestID = requestID
	report.CreatedAt = e.now().UTC()

	if e.metrics != nil {
		e.metrics.IncReport(report.Aggregation.String(), report.Overall)
	}
	counts := report.Counts()
	logger.Info("notification dispatched",
		zap.Int("targets", len(targets)),
		zap.Int("selected", selected),
		zap.Int("succeeded", counts[domain.OutcomeSuccess]),
		zap.Int("failed", counts[domain.OutcomeTransientFailure]+counts[domain.OutcomePermanentFailure]),
		zap.Bool("overall", report.Overall),
	)
	return &report, nil
}

func skipReason(t *Target, payload domain.Payload) string {
	switch {
	case t == nil:
		return "no target"
	case t.Err != nil:
		return t.Err.Error()
	case t.Provider == nil:
		return "target has no service"
	case !t.Matches(payload.Tags):
		return "tags do not match"
	case payload.HasAttachments() && !t.Capabilities.SupportsAttachments:
		return "service does not support attachments"
	}
	return ""
}

func targetID(t *Target) string {
	if t == nil {
		return ""
	}
	return t.ID
}

func skipped(t *Target, reason string) domain.DeliveryResult {
	res := domain.DeliveryResult{Outcome: domain.OutcomeSkipped, Detail: reason}
	if t != nil {
		res.TargetID = t.ID
		res.Service = t.URL
		res.Scheme = t.Scheme
	}
	return res
}

func (e *Engine) deliver(ctx context.Context, t *Target, payload domain.Payload, policy Policy, logger *zap.Logger) (res domain.DeliveryResult) {
	start := e.now()
	res = domain.DeliveryResult{TargetID: t.ID, Service: t.URL, Scheme: t.Scheme}
	logger = logger.With(zap.String("target", t.ID), zap.String("scheme", t.Scheme))

	defer func() {
		if r := recover(); r != nil {
			res.Outcome = domain.OutcomePermanentFailure
			res.Detail = fmt.Sprintf("panic: %v", r)
			logger.Error("delivery panicked", zap.Any("panic", r))
		}
		res.Elapsed = e.now().Sub(start)
		res.ElapsedMS = res.Elapsed.Milliseconds()
		e.recordOutcome(t, res.Outcome)
	}()

	if ctx.Err() != nil {
		res.Outcome = domain.OutcomeTransientFailure
		res.Detail = detailDeadline
		return res
	}

	if payload.HasAttachments() {
		if outcome, detail := resolveAttachments(ctx, payload.Attachments); outcome != "" {
			res.Outcome = outcome
			res.Detail = detail
			logger.Warn("attachment resolution failed", zap.String("detail", detail))
			return res
		}
	}

	msgs := Shape(payload, t.Capabilities, t.Overflow)
	for i, msg := range msgs {
		outcome, detail, attempts := e.sendWithRetry(ctx, t, msg, policy, logger.With(zap.Int("part", i+1)))
		res.Attempts += attempts
		res.Outcome = outcome
		res.Detail = detail
		if outcome != domain.OutcomeSuccess {
			if len(msgs) > 1 {
				res.Detail = fmt.Sprintf("part %d/%d: %s", i+1, len(msgs), detail)
			}
			return res
		}
	}
	return res
}

func resolveAttachments(ctx context.Context, attachments []domain.Attachment) (domain.Outcome, string) {
	for _, a := range attachments {
		if _, err := a.Resolve(ctx); err != nil {
			if ctx.Err() != nil {
				return domain.OutcomeTransientFailure, detailDeadline
			}
			return domain.OutcomePermanentFailure, fmt.Sprintf("attachment %s: %v", a.Name(), err)
		}
	}
	return "", ""
}

func (e *Engine) sendWithRetry(ctx context.Context, t *Target, msg domain.Payload, policy Policy, logger *zap.Logger) (domain.Outcome, string, int) {
	backoff := retry.NewBackoff(policy.RetryBackoff, policy.MaxBackoff, e.jitter).WithRand(e.randIntn)

	for attempt := 1; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, t.ID); err != nil {
				if ctx.Err() != nil {
					return domain.OutcomeTransientFailure, detailDeadline, attempt - 1
				}
				logger.Warn("shared rate limiter unavailable, sending anyway", zap.Error(err))
			}
		}
		// The throttle slot is taken last so nothing can delay the send
		// after it is granted.
		if err := t.Throttle.Wait(ctx); err != nil {
			return domain.OutcomeTransientFailure, detailDeadline, attempt - 1
		}

		resp, err := e.attempt(ctx, t, msg, policy.SendTimeout)
		if err == nil {
			fields := []zap.Field{zap.Int("attempt", attempt)}
			if resp != nil && strings.TrimSpace(resp.MessageID) != "" {
				fields = append(fields, zap.String("providerMessageId", resp.MessageID))
			}
			logger.Info("notification sent", fields...)
			return domain.OutcomeSuccess, "", attempt
		}

		if ctx.Err() != nil {
			logger.Warn("send interrupted by deadline", zap.Int("attempt", attempt), zap.Error(err))
			return domain.OutcomeTransientFailure, detailDeadline, attempt
		}

		outcome := classify(t.Provider, err)
		if outcome == domain.OutcomePermanentFailure || attempt >= policy.MaxRetries {
			logger.Warn("send failed",
				zap.Int("attempt", attempt),
				zap.String("outcome", outcome.String()),
				zap.Error(err),
			)
			return outcome, err.Error(), attempt
		}

		delay := backoff.Delay(attempt)
		if e.metrics != nil {
			e.metrics.IncRetry(t.Scheme)
		}
		logger.Info("send failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			return domain.OutcomeTransientFailure, detailDeadline, attempt
		}
	}
}

type sendResult struct {
	resp *provider.ProviderResponse
	err  error
}

// panicError carries a panic raised inside an adapter's Send.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// attempt runs one send bounded by timeout. A send that overruns is
// abandoned: its goroutine keeps running until the adapter returns.
func (e *Engine) attempt(ctx context.Context, t *Target, msg domain.Payload, timeout time.Duration) (*provider.ProviderResponse, error) {
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if e.metrics != nil {
		e.metrics.IncSendInFlight(t.Scheme)
	}
	start := e.now()
	done := make(chan sendResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- sendResult{err: &panicError{value: r}}
			}
		}()
		resp, err := t.Provider.Send(sendCtx, msg)
		done <- sendResult{resp: resp, err: err}
	}()

	var result sendResult
	select {
	case result = <-done:
	case <-sendCtx.Done():
		if ctx.Err() != nil {
			result.err = ctx.Err()
		} else {
			result.err = provider.Transient("send timed out", sendCtx.Err())
		}
	}

	if e.metrics != nil {
		e.metrics.DecSendInFlight(t.Scheme)
		e.metrics.ObserveSendDuration(t.Scheme, e.now().Sub(start))
	}
	return result.resp, result.err
}

func classify(p provider.Provider, err error) domain.Outcome {
	var pe *panicError
	if errors.As(err, &pe) {
		return domain.OutcomePermanentFailure
	}
	return provider.Classify(p, err)
}

func (e *Engine) recordOutcome(t *Target, outcome domain.Outcome) {
	if e.metrics == nil {
		return
	}
	scheme := "unknown"
	if t != nil && t.Scheme != "" {
		scheme = t.Scheme
	}
	e.metrics.IncDelivery(scheme, outcome.String())
}
