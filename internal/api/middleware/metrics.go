// metrics.go: Prometheus HTTP метрики: pm_http_requests_total,
// pm_http_request_duration_seconds. Идентификаторы в путях заменяются
// на {id}, чтобы не раздувать кардинальность.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm_http_requests_total",
			Help: "Общее количество HTTP-запросов к Protection Module",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pm_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Protection Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware считает запросы и их длительность по нормализованному пути.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newStatusRecorder(w)
			next.ServeHTTP(wrapped, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

const protectionPrefix = "/api/v1/protection/"

// normalizePath:
// /api/v1/protection/<id> → /api/v1/protection/{id}
// /artifacts/<...>        → /artifacts/*
func normalizePath(path string) string {
	switch {
	case path == protectionPrefix+"upload":
		return path
	case strings.HasPrefix(path, protectionPrefix) && len(path) > len(protectionPrefix):
		return protectionPrefix + "{id}"
	case strings.HasPrefix(path, "/artifacts/"):
		return "/artifacts/*"
	}
	return path
}
