// health.go: обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/bigkaa/goartstore/protection-module/internal/config"
)

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// ReadinessChecker проверяет доступность зависимости.
type ReadinessChecker interface {
	CheckReady(ctx context.Context) error
}

// CheckFunc: функция-адаптер к ReadinessChecker.
type CheckFunc func(ctx context.Context) error

// CheckReady вызывает f(ctx).
func (f CheckFunc) CheckReady(ctx context.Context) error {
	return f(ctx)
}

// HealthHandler реализует /health/live и /health/ready.
type HealthHandler struct {
	version string
	checks  map[string]ReadinessChecker
	timeout time.Duration
}

// NewHealthHandler создаёт обработчик. checks: именованные проверки
// готовности (database, storage); каждая ограничена timeout.
func NewHealthHandler(checks map[string]ReadinessChecker, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthHandler{
		version: config.Version,
		checks:  checks,
		timeout: timeout,
	}
}

// HealthLive обрабатывает GET /health/live. Зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "protection-module",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Любая неудачная проверка даёт 503.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	overall := statusOK
	httpStatus := http.StatusOK

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]any, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := h.checks[name].CheckReady(ctx)
		cancel()

		if err != nil {
			overall = statusFail
			httpStatus = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": statusFail, "message": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": statusOK}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "protection-module",
		"checks":    checks,
	})
}
