package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/fanout/internal/attachment"
	"github.com/kursadbilgin/fanout/internal/dispatch"
	"github.com/kursadbilgin/fanout/internal/domain"
	"github.com/kursadbilgin/fanout/internal/observability"
	"github.com/kursadbilgin/fanout/internal/ratelimit"
	"github.com/kursadbilgin/fanout/internal/repository"
	"github.com/kursadbilgin/fanout/internal/service"
	"github.com/kursadbilgin/fanout/internal/transport"
	"go.uber.org/zap"
)

func TestNotifyIntegration_Notify(t *testing.T) {
	t.Parallel()

	var got service.NotifyRequest
	var gotRequestID string
	svc := &stubNotificationService{
		notifyFn: func(ctx context.Context, req service.NotifyRequest) (*domain.Report, error) {
			got = req
			gotRequestID, _ = observability.RequestIDFromContext(ctx)
			return &domain.Report{
				ID:          "rep-1",
				RequestID:   gotRequestID,
				Overall:     false,
				Aggregation: req.Aggregation,
				Results: []domain.DeliveryResult{
					{TargetID: "t1", Service: "JSON Webhook", Scheme: "json", Outcome: domain.OutcomeSuccess, Attempts: 1},
					{TargetID: "t2", Service: "Telegram", Scheme: "tgram", Outcome: domain.OutcomePermanentFailure, Detail: "401", Attempts: 1},
				},
				CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	app := newNotifyTestApp(t, svc)

	body := `{
		"title": "deploy",
		"body": "**done**",
		"format": "markdown",
		"tags": ["ops"],
		"aggregation": "and",
		"attachments": [
			{"name": "log.txt", "base64": "aGVsbG8="},
			{"url": "https://files.example.com/report.pdf", "mimetype": "application/pdf"}
		]
	}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/notify", body, map[string]string{
		fiber.HeaderXRequestID: "req-42",
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}
	if resp.Header.Get(fiber.HeaderXRequestID) != "req-42" {
		t.Fatalf("X-Request-ID = %q, want req-42", resp.Header.Get(fiber.HeaderXRequestID))
	}

	if gotRequestID != "req-42" {
		t.Fatalf("request id in context = %q, want req-42", gotRequestID)
	}
	if got.Format != domain.FormatMarkdown || got.Aggregation != domain.AggregationAll {
		t.Fatalf("format, aggregation = %s, %s, want markdown, AND", got.Format, got.Aggregation)
	}
	if got.Source != service.SourceAPI {
		t.Fatalf("source = %q, want %q", got.Source, service.SourceAPI)
	}
	if len(got.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2", len(got.Attachments))
	}
	if a := got.Attachments[0]; a.Kind != attachment.KindBytes || string(a.Data) != "hello" || a.Name != "log.txt" {
		t.Fatalf("attachment[0] = %+v, want decoded bytes", a)
	}
	if a := got.Attachments[1]; a.Kind != attachment.KindURL || a.MimeHint != "application/pdf" {
		t.Fatalf("attachment[1] = %+v, want url reference", a)
	}

	var report struct {
		ID          string           `json:"id"`
		RequestID   string           `json:"request_id"`
		Overall     bool             `json:"overall"`
		Aggregation string           `json:"aggregation"`
		Results     []map[string]any `json:"results"`
		Counts      map[string]int   `json:"counts"`
	}
	if err := json.Unmarshal(respBody, &report); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if report.ID != "rep-1" || report.RequestID != "req-42" || report.Overall || report.Aggregation != "AND" {
		t.Fatalf("report = %+v, want id rep-1, request id req-42, overall false, AND", report)
	}
	if len(report.Results) != 2 || report.Results[1]["detail"] != "401" {
		t.Fatalf("results = %v, want two results in order", report.Results)
	}
	if report.Counts["SUCCESS"] != 1 || report.Counts["PERMANENT_FAILURE"] != 1 {
		t.Fatalf("counts = %v, want one success and one permanent failure", report.Counts)
	}
}

func TestNotifyIntegration_NotifyRejectsBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		err  error
	}{
		{name: "malformed json", body: `{"body":`},
		{name: "missing body", body: `{"title":"x"}`},
		{name: "unknown format", body: `{"body":"x","format":"rtf"}`},
		{name: "unknown aggregation", body: `{"body":"x","aggregation":"xor"}`},
		{name: "attachment without source", body: `{"body":"x","attachments":[{"name":"a"}]}`},
		{name: "attachment with two sources", body: `{"body":"x","attachments":[{"url":"https://a.example/x","path":"/tmp/x"}]}`},
		{name: "attachment invalid base64", body: `{"body":"x","attachments":[{"base64":"%%%"}]}`},
		{name: "empty tag", body: `{"body":"x","tags":[""]}`},
		{name: "service validation", body: `{"body":"x"}`, err: domain.ErrValidation},
		{name: "service parse error", body: `{"body":"x","urls":["nope"]}`, err: domain.ErrParse},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			called := false
			svc := &stubNotificationService{
				notifyFn: func(ctx context.Context, req service.NotifyRequest) (*domain.Report, error) {
					called = true
					if tc.err != nil {
						return nil, tc.err
					}
					return &domain.Report{ID: "r"}, nil
				},
			}
			app := newNotifyTestApp(t, svc)

			resp, body := performRequest(t, app, http.MethodPost, "/v1/notify", tc.body, nil)
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, string(body))
			}
			if tc.err == nil && called {
				t.Fatalf("service was called for a rejected request")
			}
		})
	}
}

func TestNotifyIntegration_NotifyInternalErrorIsHidden(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		notifyFn: func(ctx context.Context, req service.NotifyRequest) (*domain.Report, error) {
			return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
		},
	}
	app := newNotifyTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/notify", `{"body":"x"}`, nil)
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if strings.Contains(string(body), "10.0.0.5") {
		t.Fatalf("body = %s, leaked internal error", string(body))
	}
}

func TestNotifyIntegration_RequestIDAssigned(t *testing.T) {
	t.Parallel()

	var seen string
	svc := &stubNotificationService{
		notifyFn: func(ctx context.Context, req service.NotifyRequest) (*domain.Report, error) {
			seen, _ = observability.RequestIDFromContext(ctx)
			return &domain.Report{ID: seen}, nil
		},
	}
	app := newNotifyTestApp(t, svc)

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/notify", `{"body":"x"}`, map[string]string{
		fiber.HeaderXRequestID: strings.Repeat("x", 65),
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	header := resp.Header.Get(fiber.HeaderXRequestID)
	if seen == "" || len(seen) > 64 || header != seen {
		t.Fatalf("request id = %q, header %q, want a fresh id echoed back", seen, header)
	}
}

func TestNotifyIntegration_GetReport(t *testing.T) {
	t.Parallel()

	svc := &stubNotificationService{
		getReportFn: func(ctx context.Context, id string) (*domain.Report, error) {
			if id != "r-1" {
				return nil, domain.ErrNotFound
			}
			return &domain.Report{ID: "r-1", Overall: true, Aggregation: domain.AggregationAny}, nil
		},
	}
	app := newNotifyTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/reports/r-1", "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["id"] != "r-1" || parsed["overall"] != true {
		t.Fatalf("report = %v, want r-1 overall true", parsed)
	}
	if results, ok := parsed["results"].([]any); !ok || len(results) != 0 {
		t.Fatalf("results = %v, want empty array", parsed["results"])
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/reports/missing", "", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNotifyIntegration_ListReportsPaginationAndFilters(t *testing.T) {
	t.Parallel()

	fromExpected, _ := time.Parse(time.RFC3339, "2026-01-01T00:00:00Z")
	toExpected, _ := time.Parse(time.RFC3339, "2026-01-31T23:59:59Z")

	svc := &stubNotificationService{
		listReportsFn: func(ctx context.Context, params repository.ListParams) ([]domain.Report, int64, error) {
			if params.Page != 2 || params.PageSize != 10 {
				t.Errorf("page, pageSize = %d, %d, want 2, 10", params.Page, params.PageSize)
			}
			if params.Overall == nil || *params.Overall {
				t.Errorf("overall filter = %v, want false", params.Overall)
			}
			if params.Source != "amqp" {
				t.Errorf("source = %q, want amqp", params.Source)
			}
			if params.From == nil || !params.From.Equal(fromExpected) {
				t.Errorf("from = %v, want %v", params.From, fromExpected)
			}
			if params.To == nil || !params.To.Equal(toExpected) {
				t.Errorf("to = %v, want %v", params.To, toExpected)
			}
			return []domain.Report{{ID: "r-9", Aggregation: domain.AggregationAny}}, 11, nil
		},
	}
	app := newNotifyTestApp(t, svc)

	path := "/v1/reports?page=2&pageSize=10&overall=false&source=amqp&from=2026-01-01T00:00:00Z&to=2026-01-31T23:59:59Z"
	resp, body := performRequest(t, app, http.MethodGet, path, "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Data []map[string]any `json:"data"`
		Meta struct {
			Page     int   `json:"page"`
			PageSize int   `json:"page_size"`
			Total    int64 `json:"total"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Meta.Page != 2 || parsed.Meta.PageSize != 10 || parsed.Meta.Total != 11 {
		t.Fatalf("meta = %+v, want page=2,pageSize=10,total=11", parsed.Meta)
	}
	if len(parsed.Data) != 1 || parsed.Data[0]["id"] != "r-9" {
		t.Fatalf("data = %v, want r-9", parsed.Data)
	}

	for _, bad := range []string{
		"/v1/reports?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z",
		"/v1/reports?pageSize=500",
		"/v1/reports?page=0",
		"/v1/reports?overall=maybe",
		"/v1/reports?from=yesterday",
	} {
		resp, _ := performRequest(t, app, http.MethodGet, bad, "", nil)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("GET %s status = %d, want 400", bad, resp.StatusCode)
		}
	}
}

func TestNotifyIntegration_Targets(t *testing.T) {
	t.Parallel()

	good := &dispatch.Target{
		ID:       "abc123",
		URL:      "json://hooks.example.com/notify",
		Scheme:   "json",
		Service:  "JSON Webhook",
		Tags:     []string{"ops"},
		Throttle: ratelimit.NewThrottle(250 * time.Millisecond),
		Overflow: dispatch.OverflowUpstream,
	}
	broken := &dispatch.Target{ID: "def456", URL: "nope://x...", Err: domain.ErrUnsupportedScheme}

	svc := &stubNotificationService{
		targets: []*dispatch.Target{good, broken},
		historyFn: func(ctx context.Context, targetID string, limit int) (*service.TargetHistory, error) {
			if targetID != "abc123" {
				return nil, domain.ErrNotFound
			}
			if limit != 5 {
				t.Errorf("limit = %d, want 5", limit)
			}
			return &service.TargetHistory{
				Target: good,
				Deliveries: []domain.DeliveryResult{
					{TargetID: "abc123", Outcome: domain.OutcomeSuccess, Attempts: 1},
				},
				Summary: []repository.OutcomeCount{
					{Outcome: domain.OutcomeSuccess, Count: 7},
					{Outcome: domain.OutcomeTransientFailure, Count: 2},
				},
			}, nil
		},
	}
	app := newNotifyTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/targets", "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var list struct {
		Data []targetResponse `json:"data"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(list.Data) != 2 {
		t.Fatalf("targets = %d, want 2", len(list.Data))
	}
	if list.Data[0].ThrottleMS != 250 || list.Data[0].Overflow != "upstream" || list.Data[0].Error != "" {
		t.Fatalf("target[0] = %+v, want 250ms upstream without error", list.Data[0])
	}
	if list.Data[1].Error == "" {
		t.Fatalf("target[1] = %+v, want load error", list.Data[1])
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/targets/abc123/deliveries?limit=5", "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var history struct {
		Target     targetResponse   `json:"target"`
		Summary    map[string]int   `json:"summary"`
		Deliveries []map[string]any `json:"deliveries"`
	}
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if history.Target.ID != "abc123" || history.Summary["SUCCESS"] != 7 || history.Summary["TRANSIENT_FAILURE"] != 2 {
		t.Fatalf("history = %+v, want abc123 with 7 successes and 2 transient failures", history)
	}
	if len(history.Deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(history.Deliveries))
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/targets/unknown/deliveries", "", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp, _ = performRequest(t, app, http.MethodGet, "/v1/targets/abc123/deliveries?limit=0", "", nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

type stubNotificationService struct {
	notifyFn      func(ctx context.Context, req service.NotifyRequest) (*domain.Report, error)
	getReportFn   func(ctx context.Context, id string) (*domain.Report, error)
	listReportsFn func(ctx context.Context, params repository.ListParams) ([]domain.Report, int64, error)
	historyFn     func(ctx context.Context, targetID string, limit int) (*service.TargetHistory, error)
	targets       []*dispatch.Target
}

func (s *stubNotificationService) Notify(ctx context.Context, req service.NotifyRequest) (*domain.Report, error) {
	if s.notifyFn != nil {
		return s.notifyFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (s *stubNotificationService) GetReport(ctx context.Context, id string) (*domain.Report, error) {
	if s.getReportFn != nil {
		return s.getReportFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubNotificationService) ListReports(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Report, int64, error) {
	if s.listReportsFn != nil {
		return s.listReportsFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubNotificationService) Targets() []*dispatch.Target {
	return s.targets
}

func (s *stubNotificationService) TargetHistory(ctx context.Context, targetID string, limit int) (*service.TargetHistory, error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, targetID, limit)
	}
	return nil, domain.ErrNotFound
}

func newTestApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
	app.Use(transport.RequestID(), transport.RequestContext())
	return app
}

func newNotifyTestApp(t *testing.T, svc NotificationService) *fiber.App {
	t.Helper()

	app := newTestApp()
	if err := RegisterNotifyRoutes(app, svc); err != nil {
		t.Fatalf("RegisterNotifyRoutes() error = %v", err)
	}
	return app
}

func performRequest(
	t *testing.T,
	app *fiber.App,
	method string,
	path string,
	body string,
	headers map[string]string,
) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}
