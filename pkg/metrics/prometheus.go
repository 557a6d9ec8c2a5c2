package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. Each instance owns its
// registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Redis Metrics
	redisDegraded     prometheus.Gauge
	redisHealthChecks prometheus.Counter

	// WebSocket Metrics
	websocketConnections prometheus.Gauge
	websocketMessages    *prometheus.CounterVec

	// Call Metrics
	callsTotal         *prometheus.CounterVec
	callActionsTotal   *prometheus.CounterVec
	callDuration       *prometheus.HistogramVec
	iceCandidatesTotal *prometheus.CounterVec
	callsExpiredTotal  prometheus.Counter

	// Push Notification Metrics
	pushNotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		redisDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
				ConstLabels: labels,
			},
		),
		redisHealthChecks: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "redis_health_check_total",
				Help:        "Total number of successful Redis health checks",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections_active",
				Help:        "Number of active call event WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"direction"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Calls reaching a status, by call type",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		callActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_actions_total",
				Help:        "Signaling actions handled, by action and result code",
				ConstLabels: labels,
			},
			[]string{"action", "result"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Duration of calls that were connected",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		iceCandidatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_ice_candidates_total",
				Help:        "ICE candidates appended, by role",
				ConstLabels: labels,
			},
			[]string{"role"},
		),
		callsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "calls_expired_total",
				Help:        "Unanswered calls turned into missed calls by the ring sweeper",
				ConstLabels: labels,
			},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Push notifications attempted, by kind and result",
				ConstLabels: labels,
			},
			[]string{"kind", "result"},
		),
	}
}

// GetRegistry returns the registry backing the /metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// SetRedisDegraded flips the degraded-mode gauge
func (m *Metrics) SetRedisDegraded(degraded bool) {
	if degraded {
		m.redisDegraded.Set(1)
		return
	}
	m.redisDegraded.Set(0)
}

func (m *Metrics) RecordRedisHealthCheck() {
	m.redisHealthChecks.Inc()
}

func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

func (m *Metrics) RecordWebSocketMessage(direction string) {
	m.websocketMessages.WithLabelValues(direction).Inc()
}

// RecordCall counts a call reaching status
func (m *Metrics) RecordCall(callType, status string) {
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

// RecordCallAction counts one signaling action; result is "ok" or an error code
func (m *Metrics) RecordCallAction(action, result string) {
	m.callActionsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) RecordCallDuration(callType string, seconds int) {
	m.callDuration.WithLabelValues(callType).Observe(float64(seconds))
}

func (m *Metrics) RecordICECandidate(role string) {
	m.iceCandidatesTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordCallExpired() {
	m.callsExpiredTotal.Inc()
}

func (m *Metrics) RecordPushNotification(kind, result string) {
	m.pushNotificationsTotal.WithLabelValues(kind, result).Inc()
}
