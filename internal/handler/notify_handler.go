package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/fanout/internal/attachment"
	"github.com/kursadbilgin/fanout/internal/dispatch"
	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/repository"
	"github.com/kursadbilgin/fanout/internal/service"
)

const (
	defaultPage         = 1
	defaultPageSize     = 50
	maxPageSize         = 100
	defaultHistoryLimit = 20
)

type NotificationService interface {
	Notify(ctx context.Context, req service.NotifyRequest) (*domain.Report, error)
	GetReport(ctx context.Context, id string) (*domain.Report, error)
	ListReports(ctx context.Context, params repository.ListParams) ([]domain.Report, int64, error)
	Targets() []*dispatch.Target
	TargetHistory(ctx context.Context, targetID string, limit int) (*service.TargetHistory, error)
}

type NotifyHandler struct {
	service  NotificationService
	validate *validator.Validate
}

func NewNotifyHandler(service NotificationService) (*NotifyHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotifyHandler{service: service, validate: validator.New()}, nil
}

func RegisterNotifyRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotifyHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notify", h.Notify)
	v1.Get("/reports", h.ListReports)
	v1.Get("/reports/:id", h.GetReport)
	v1.Get("/targets", h.ListTargets)
	v1.Get("/targets/:id/deliveries", h.TargetDeliveries)

	return nil
}

type notifyRequest struct {
	Title       string              `json:"title" validate:"max=1024"`
	Body        string              `json:"body" validate:"required"`
	Format      string              `json:"format" validate:"omitempty,oneof=text markdown md html"`
	Tags        []string            `json:"tags" validate:"max=32,dive,required,max=64"`
	Attachments []attachmentRequest `json:"attachments" validate:"max=16,dive"`
	Aggregation string              `json:"aggregation"`
	URLs        []string            `json:"urls" validate:"max=32,dive,required"`
}

// attachmentRequest carries exactly one of URL, Path or Base64.
type attachmentRequest struct {
	Name     string `json:"name" validate:"max=255"`
	MimeType string `json:"mimetype"`
	URL      string `json:"url" validate:"omitempty,url"`
	Path     string `json:"path"`
	Base64   string `json:"base64" validate:"omitempty,base64"`
}

type reportResponse struct {
	*domain.Report
	Counts map[domain.Outcome]int `json:"counts"`
}

type listReportsResponse struct {
	Data []reportResponse `json:"data"`
	Meta listMeta         `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

type targetResponse struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	Service    string   `json:"service,omitempty"`
	Scheme     string   `json:"scheme,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	ThrottleMS int64    `json:"throttle_ms"`
	Overflow   string   `json:"overflow,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type targetDeliveriesResponse struct {
	Target     targetResponse          `json:"target"`
	Summary    map[domain.Outcome]int  `json:"summary"`
	Deliveries []domain.DeliveryResult `json:"deliveries"`
}

func (h *NotifyHandler) Notify(c *fiber.Ctx) error {
	var req notifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return toHTTPError(fmt.Errorf("%w: %s", domain.ErrValidation, validationMessage(err)))
	}

	notifyReq, err := requestToNotifyRequest(req)
	if err != nil {
		return toHTTPError(err)
	}

	report, err := h.service.Notify(c.UserContext(), notifyReq)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toReportResponse(report))
}

func (h *NotifyHandler) GetReport(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	report, err := h.service.GetReport(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toReportResponse(report))
}

func (h *NotifyHandler) ListReports(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	reports, total, err := h.service.ListReports(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]reportResponse, 0, len(reports))
	for i := range reports {
		data = append(data, toReportResponse(&reports[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listReportsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *NotifyHandler) ListTargets(c *fiber.Ctx) error {
	targets := h.service.Targets()
	data := make([]targetResponse, 0, len(targets))
	for _, t := range targets {
		data = append(data, toTargetResponse(t))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *NotifyHandler) TargetDeliveries(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit < 1 || limit > maxPageSize {
		return toHTTPError(fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxPageSize))
	}

	history, err := h.service.TargetHistory(c.UserContext(), strings.TrimSpace(c.Params("id")), limit)
	if err != nil {
		return toHTTPError(err)
	}

	summary := make(map[domain.Outcome]int, len(history.Summary))
	for _, row := range history.Summary {
		summary[row.Outcome] = row.Count
	}
	deliveries := history.Deliveries
	if deliveries == nil {
		deliveries = []domain.DeliveryResult{}
	}

	return c.Status(fiber.StatusOK).JSON(targetDeliveriesResponse{
		Target:     toTargetResponse(history.Target),
		Summary:    summary,
		Deliveries: deliveries,
	})
}

func requestToNotifyRequest(req notifyRequest) (service.NotifyRequest, error) {
	format, err := domain.ParseBodyFormat(req.Format)
	if err != nil {
		return service.NotifyRequest{}, err
	}

	out := service.NotifyRequest{
		Title:  req.Title,
		Body:   req.Body,
		Format: format,
		Tags:   req.Tags,
		URLs:   req.URLs,
		Source: service.SourceAPI,
	}

	if strings.TrimSpace(req.Aggregation) != "" {
		agg, err := domain.ParseAggregationFromString(req.Aggregation)
		if err != nil {
			return service.NotifyRequest{}, err
		}
		out.Aggregation = agg
	}

	for i, a := range req.Attachments {
		ref, err := toReference(a)
		if err != nil {
			return service.NotifyRequest{}, fmt.Errorf("%w: attachment %d: %s", domain.ErrValidation, i, err)
		}
		out.Attachments = append(out.Attachments, ref)
	}

	return out, nil
}

func toReference(a attachmentRequest) (attachment.Reference, error) {
	sources := 0
	for _, s := range []string{a.URL, a.Path, a.Base64} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return attachment.Reference{}, errors.New("exactly one of url, path or base64 is required")
	}

	var ref attachment.Reference
	switch {
	case a.Base64 != "":
		data, err := base64.StdEncoding.DecodeString(a.Base64)
		if err != nil {
			return attachment.Reference{}, errors.New("invalid base64 content")
		}
		return attachment.BytesRef(a.Name, data, a.MimeType), nil
	case a.URL != "":
		ref = attachment.URLRef(a.URL)
	default:
		ref = attachment.PathRef(a.Path)
	}
	ref.Name = a.Name
	ref.MimeHint = a.MimeType
	return ref, nil
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
		Source:   strings.TrimSpace(c.Query("source")),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if raw := strings.TrimSpace(c.Query("overall")); raw != "" {
		overall, err := strconv.ParseBool(raw)
		if err != nil {
			return repository.ListParams{}, fmt.Errorf("%w: overall must be a boolean", domain.ErrValidation)
		}
		params.Overall = &overall
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return repository.ListParams{}, fmt.Errorf("%w: to must not be before from", domain.ErrValidation)
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

// validationMessage flattens validator errors into "field: tag" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func toReportResponse(r *domain.Report) reportResponse {
	if r.Results == nil {
		r.Results = []domain.DeliveryResult{}
	}
	return reportResponse{Report: r, Counts: r.Counts()}
}

func toTargetResponse(t *dispatch.Target) targetResponse {
	if t == nil {
		return targetResponse{}
	}
	resp := targetResponse{
		ID:      t.ID,
		URL:     t.URL,
		Service: t.Service,
		Scheme:  t.Scheme,
		Tags:    t.Tags,
	}
	if t.Err != nil {
		resp.Error = t.Err.Error()
		return resp
	}
	resp.ThrottleMS = t.ThrottleInterval().Milliseconds()
	resp.Overflow = string(t.Overflow)
	return resp
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrParse),
		errors.Is(err, domain.ErrUnsupportedScheme):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
