package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fanout"

// Metrics stores Prometheus collectors for the HTTP API and the dispatch engine.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	deliveriesTotal      *prometheus.CounterVec
	sendDuration         *prometheus.HistogramVec
	sendInflight         *prometheus.GaugeVec
	retriesTotal         *prometheus.CounterVec
	attachmentFetchTotal *prometheus.CounterVec
	reportsTotal         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Final per-target delivery outcomes grouped by scheme.",
			},
			[]string{"scheme", "outcome"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Duration of single send attempts grouped by scheme.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"scheme"},
		),
		sendInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "send_inflight",
				Help:      "Send attempts currently in progress grouped by scheme.",
			},
			[]string{"scheme"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Send attempts repeated after a transient failure.",
			},
			[]string{"scheme"},
		),
		attachmentFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attachment_fetch_total",
				Help:      "Attachment resolutions grouped by result.",
			},
			[]string{"result"},
		),
		reportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_total",
				Help:      "Completed notify calls grouped by aggregation and overall result.",
			},
			[]string{"aggregation", "overall"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.deliveriesTotal,
		m.sendDuration,
		m.sendInflight,
		m.retriesTotal,
		m.attachmentFetchTotal,
		m.reportsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDelivery(scheme string, outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(normalizeLabel(scheme), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveSendDuration(scheme string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(scheme)).Observe(seconds)
}

func (m *Metrics) IncSendInFlight(scheme string) {
	if m == nil {
		return
	}
	m.sendInflight.WithLabelValues(normalizeLabel(scheme)).Inc()
}

func (m *Metrics) DecSendInFlight(scheme string) {
	if m == nil {
		return
	}
	m.sendInflight.WithLabelValues(normalizeLabel(scheme)).Dec()
}

func (m *Metrics) IncRetry(scheme string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(normalizeLabel(scheme)).Inc()
}

func (m *Metrics) IncAttachmentFetch(result string) {
	if m == nil {
		return
	}
	m.attachmentFetchTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncReport(aggregation string, overall bool) {
	if m == nil {
		return
	}
	m.reportsTotal.WithLabelValues(normalizeLabel(aggregation), strconv.FormatBool(overall)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
