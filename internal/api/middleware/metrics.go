// metrics.go — Prometheus HTTP метрики Transfer Module.
// Регистрирует метрики: tm_http_requests_total, tm_http_request_duration_seconds.
// Нормализация путей предотвращает взрывной рост кардинальности.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики Transfer Module
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_http_requests_total",
			Help: "Общее количество HTTP-запросов к Transfer Module",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tm_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Transfer Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет динамические сегменты пути на плейсхолдеры
// для предотвращения взрывного роста кардинальности метрик.
// /api/v1/uploads/<token>/chunks/7 → /api/v1/uploads/{token}/chunks/{index}
// /files/stream/<token> → /files/stream/{token}
func normalizePath(path string) string {
	// Статические пути — возвращаем как есть
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/uploads", "/api/v1/files/upload":
		return path
	}

	if strings.HasPrefix(path, "/files/stream/") {
		return "/files/stream/{token}"
	}

	const uploadsPrefix = "/api/v1/uploads/"
	if strings.HasPrefix(path, uploadsPrefix) {
		rest := path[len(uploadsPrefix):]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return "/api/v1/uploads/{token}"
		}
		switch {
		case strings.HasPrefix(rest[slash:], "/chunks/"):
			return "/api/v1/uploads/{token}/chunks/{index}"
		case rest[slash:] == "/pause":
			return "/api/v1/uploads/{token}/pause"
		case rest[slash:] == "/finalize":
			return "/api/v1/uploads/{token}/finalize"
		case rest[slash:] == "/thumbnail":
			return "/api/v1/uploads/{token}/thumbnail"
		default:
			return "/api/v1/uploads/{token}"
		}
	}

	const filesPrefix = "/api/v1/files/"
	if strings.HasPrefix(path, filesPrefix) {
		if strings.HasSuffix(path, "/download") {
			return "/api/v1/files/{id}/download"
		}
		return "/api/v1/files/{id}"
	}

	return path
}
