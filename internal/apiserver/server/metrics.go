// Package server Prometheus 指标导出
package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有 API Server 指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 运行指标
	RunsStartedTotal  prometheus.Counter
	RunsFinishedTotal *prometheus.CounterVec
	RunDuration       prometheus.Histogram

	// 组通道指标
	GroupConnectionsActive prometheus.Gauge
	GroupMessagesTotal     prometheus.Counter
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		RunsStartedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "study_runs_started_total",
				Help:      "Total study runs started",
			},
		),
		RunsFinishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "study_runs_finished_total",
				Help:      "Total study runs finished by terminal state",
			},
			[]string{"state"},
		),
		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "study_run_duration_seconds",
				Help:      "Study run duration from start to finish in seconds",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			},
		),
		GroupConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "group_connections_active",
				Help:      "Active group channel WebSocket connections",
			},
		),
		GroupMessagesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "group_messages_total",
				Help:      "Total group channel messages relayed",
			},
		),
	}
}

// RunStarted 实现 publix.RunMetrics
func (m *Metrics) RunStarted() {
	m.RunsStartedTotal.Inc()
}

// RunFinished 实现 publix.RunMetrics
func (m *Metrics) RunFinished(state string, duration time.Duration) {
	m.RunsFinishedTotal.WithLabelValues(state).Inc()
	m.RunDuration.Observe(duration.Seconds())
}

// GroupJoined 实现 groupchannel.Metrics
func (m *Metrics) GroupJoined() {
	m.GroupConnectionsActive.Inc()
}

// GroupLeft 实现 groupchannel.Metrics
func (m *Metrics) GroupLeft() {
	m.GroupConnectionsActive.Dec()
}

// GroupMessage 实现 groupchannel.Metrics
func (m *Metrics) GroupMessage() {
	m.GroupMessagesTotal.Inc()
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath 规范化路径，将 ID 替换为占位符，避免高基数
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/publix/studies/") {
		rest := path[len("/publix/studies/"):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			suffix := rest[i:]
			if strings.HasPrefix(suffix, "/components/") {
				tail := suffix[len("/components/"):]
				if j := strings.IndexByte(tail, '/'); j >= 0 {
					return "/publix/studies/{studyId}/components/{componentId}" + tail[j:]
				}
			}
			return "/publix/studies/{studyId}" + suffix
		}
	}
	if strings.HasPrefix(path, "/api/v1/studies/") {
		rest := path[len("/api/v1/studies/"):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/api/v1/studies/{studyId}" + rest[i:]
		}
	}
	return path
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
