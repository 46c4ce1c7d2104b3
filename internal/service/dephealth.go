// dephealth.go: интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Protection Module мониторит:
//   - PostgreSQL: SQL checker через существующий pgxpool (critical)
//   - AAD authority: HTTP checker к OpenID metadata арендатора (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthService: сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// DephealthConfig: параметры мониторинга.
type DephealthConfig struct {
	// ServiceID: имя вершины графа текущего приложения
	ServiceID string
	// Group: имя группы в метриках (PM_DEPHEALTH_GROUP)
	Group string
	// DB: *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PGConnURL: URL PostgreSQL для лейблов (не для подключения)
	PGConnURL string
	// AuthorityURL: authority AAD с арендатором
	AuthorityURL string
	// CheckInterval: интервал проверки (PM_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
	// Registerer: Prometheus registerer; nil означает глобальный
	Registerer prometheus.Registerer
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	authorityBase, healthPath, err := AuthorityHealthTarget(cfg.AuthorityURL)
	if err != nil {
		return nil, err
	}

	pgDepOpts := []dephealth.DependencyOption{
		dephealth.FromURL(cfg.PGConnURL),
		dephealth.CheckInterval(cfg.CheckInterval),
		dephealth.Critical(true),
	}

	aadDepOpts := []dephealth.DependencyOption{
		dephealth.FromURL(authorityBase),
		dephealth.WithHTTPHealthPath(healthPath),
		dephealth.CheckInterval(cfg.CheckInterval),
		dephealth.Critical(true),
	}

	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)), pgDepOpts...),
		dephealth.HTTP("aad-authority", aadDepOpts...),
	}
	if cfg.Registerer != nil {
		opts = append(opts, dephealth.WithRegisterer(cfg.Registerer))
	}

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// AuthorityHealthTarget делит authority URL на базовый адрес хоста
// и путь OpenID metadata арендатора.
// https://login.microsoftonline.com/tenant →
// https://login.microsoftonline.com, /tenant/v2.0/.well-known/openid-configuration
func AuthorityHealthTarget(authorityURL string) (base, healthPath string, err error) {
	u, err := url.Parse(authorityURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", fmt.Errorf("некорректный authority URL %q", authorityURL)
	}
	base = u.Scheme + "://" + u.Host
	healthPath = strings.TrimRight(u.Path, "/") + "/v2.0/.well-known/openid-configuration"
	return base, healthPath, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + AAD authority)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
