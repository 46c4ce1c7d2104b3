// Пакет server: HTTP-сервер Protection Module с graceful shutdown.
// Без TLS: HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/protection-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/protection-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/protection-module/internal/config"
)

// Routes: обработчики, монтируемые сервером.
type Routes struct {
	Protection *handlers.ProtectionHandler
	Health     *handlers.HealthHandler
	// Artifacts: раздача fs-бэкенда; nil для S3
	Artifacts http.Handler
	// Auth: JWT middleware для /api/v1; nil: без аутентификации
	Auth func(http.Handler) http.Handler
}

// Server: HTTP-сервер Protection Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter собирает маршруты и middleware.
func NewRouter(logger *slog.Logger, routes Routes) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", routes.Health.HealthLive)
	router.Get("/health/ready", routes.Health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	if routes.Artifacts != nil {
		router.Handle("/artifacts/*", routes.Artifacts)
	}

	router.Route("/api/v1/protection", func(r chi.Router) {
		if routes.Auth != nil {
			r.Use(routes.Auth)
		}
		routes.Protection.Routes(r)
	})

	return router
}

// New создаёт HTTP-сервер.
func New(cfg *config.Config, logger *slog.Logger, routes Routes) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(logger, routes),
		// ReadTimeout не задан: тело загрузки читается без ограничения по времени
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
		cfg:        cfg,
	}
}

// Run запускает сервер и ждёт SIGINT/SIGTERM, после чего выполняет
// graceful shutdown HTTP-сервера.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
