package observability

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors for the OTP and delivery flows, plus
// cheap atomic counters backing the facade's snapshot surface.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	otpIssuedTotal      prometheus.Counter
	otpValidatedTotal   *prometheus.CounterVec
	deliveriesTotal     *prometheus.CounterVec
	deliveryDuration    *prometheus.HistogramVec
	rateLimitedTotal    *prometheus.CounterVec
	queueDepth          prometheus.Gauge
	poolIdleConnections prometheus.Gauge
	circuitState        prometheus.Gauge
	degradedStoreMode   prometheus.Gauge
	tasksRequeuedTotal  prometheus.Counter
	tasksCanceledTotal  prometheus.Counter

	issued      atomic.Int64
	validated   atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	rateLimited atomic.Int64
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "otp_relay",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "otp_relay",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		otpIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "otp_relay",
				Name:      "otp_issued_total",
				Help:      "Total number of passcodes issued.",
			},
		),
		otpValidatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "otp_relay",
				Name:      "otp_validated_total",
				Help:      "Total number of passcode validation attempts by result.",
			},
			[]string{"result"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "otp_relay",
				Name:      "deliveries_total",
				Help:      "Total number of delivery tasks reaching a terminal outcome.",
			},
			[]string{"channel", "outcome"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "otp_relay",
				Name:      "delivery_duration_seconds",
				Help:      "Outbound send duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "otp_relay",
				Name:      "rate_limited_total",
				Help:      "Total number of admissions denied by the rate limiter, by scope.",
			},
			[]string{"scope"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "otp_relay",
				Name:      "queue_depth",
				Help:      "Current number of tasks waiting in the delivery queue.",
			},
		),
		poolIdleConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "otp_relay",
				Name:      "pool_idle_connections",
				Help:      "Current number of idle pooled mail connections.",
			},
		),
		circuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "otp_relay",
				Name:      "circuit_state",
				Help:      "Breaker phase guarding the mail dependency (0=closed, 1=open, 2=half-open).",
			},
		),
		degradedStoreMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "otp_relay",
				Name:      "degraded_store_mode",
				Help:      "1 when the durable store was unreachable and the in-memory fallback is active.",
			},
		),
		tasksRequeuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "otp_relay",
				Name:      "tasks_requeued_total",
				Help:      "Total number of failed tasks granted their single re-enqueue.",
			},
		),
		tasksCanceledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "otp_relay",
				Name:      "tasks_canceled_total",
				Help:      "Total number of queued tasks canceled during shutdown.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.otpIssuedTotal,
		m.otpValidatedTotal,
		m.deliveriesTotal,
		m.deliveryDuration,
		m.rateLimitedTotal,
		m.queueDepth,
		m.poolIdleConnections,
		m.circuitState,
		m.degradedStoreMode,
		m.tasksRequeuedTotal,
		m.tasksCanceledTotal,
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

func (m *Metrics) IncIssued() {
	if m == nil {
		return
	}
	m.issued.Add(1)
	m.otpIssuedTotal.Inc()
}

func (m *Metrics) IncValidated(result string) {
	if m == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(result))
	if normalized == "" {
		normalized = "unknown"
	}
	m.otpValidatedTotal.WithLabelValues(normalized).Inc()
	if normalized == "valid" {
		m.validated.Add(1)
	}
}

func (m *Metrics) IncDeliverySuccess(channel string) {
	if m == nil {
		return
	}
	m.successes.Add(1)
	m.deliveriesTotal.WithLabelValues(normalizeChannel(channel), "success").Inc()
}

func (m *Metrics) IncDeliveryFailure(channel string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.failures.Add(1)
	m.deliveriesTotal.WithLabelValues(normalizeChannel(channel), reasonLabel).Inc()
}

func (m *Metrics) IncRateLimited(scope string) {
	if m == nil {
		return
	}
	scopeLabel := strings.TrimSpace(strings.ToLower(scope))
	if scopeLabel == "" {
		scopeLabel = "unknown"
	}
	m.rateLimited.Add(1)
	m.rateLimitedTotal.WithLabelValues(scopeLabel).Inc()
}

func (m *Metrics) ObserveDeliveryDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliveryDuration.WithLabelValues(normalizeChannel(channel)).Observe(seconds)
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) SetPoolIdle(count int) {
	if m == nil {
		return
	}
	m.poolIdleConnections.Set(float64(count))
}

func (m *Metrics) SetCircuitState(phase int) {
	if m == nil {
		return
	}
	m.circuitState.Set(float64(phase))
}

func (m *Metrics) SetDegradedStoreMode(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.degradedStoreMode.Set(1)
		return
	}
	m.degradedStoreMode.Set(0)
}

func (m *Metrics) IncTaskRequeued() {
	if m == nil {
		return
	}
	m.tasksRequeuedTotal.Inc()
}

func (m *Metrics) IncTaskCanceled() {
	if m == nil {
		return
	}
	m.tasksCanceledTotal.Inc()
}

// Counters returns the running totals used by the facade snapshot.
func (m *Metrics) Counters() (issued, validated, successes, failures, rateLimited int64) {
	if m == nil {
		return 0, 0, 0, 0, 0
	}
	return m.issued.Load(), m.validated.Load(), m.successes.Load(), m.failures.Load(), m.rateLimited.Load()
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

func normalizeChannel(channel string) string {
	normalized := strings.ToLower(strings.TrimSpace(channel))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
