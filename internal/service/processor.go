// processor.go: обработка одного запроса на защиту.
//
// Этапы: получение документа → токен → защита → загрузка в хранилище.
// Первая ошибка этапа переводит запрос в ERROR с причиной, успех всех
// этапов в COMPLETE. Итоговый статус сохраняется ровно один раз, после
// чего публикуется событие о завершении.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/protection-module/internal/aad"
	"github.com/bigkaa/goartstore/protection-module/internal/domain/model"
	"github.com/bigkaa/goartstore/protection-module/internal/domain/status"
	"github.com/bigkaa/goartstore/protection-module/internal/ingest"
	"github.com/bigkaa/goartstore/protection-module/internal/publisher"
	"github.com/bigkaa/goartstore/protection-module/internal/repository"
)

// Prometheus-метрики конвейера.
var (
	requestsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pm_requests_processed_total",
		Help: "Обработанные запросы по итоговому статусу.",
	}, []string{"status"})
	pipelineDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pm_pipeline_duration_seconds",
		Help:    "Длительность обработки запроса в секундах.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
	})
)

// TokenReason: причина ошибки при неудачном получении токена.
const TokenReason = "could not obtain authentication token"

// TokenSource выдаёт токен для инструмента защиты.
type TokenSource interface {
	GetToken(ctx context.Context) (aad.Token, error)
}

// Ingester размещает исходный документ во временном каталоге.
type Ingester interface {
	Ingest(ctx context.Context, req *model.ProtectionRequest, content ingest.Content) (*ingest.StagedArtifact, error)
}

// Protector защищает размещённый документ.
type Protector interface {
	Protect(ctx context.Context, req *model.ProtectionRequest, stagedPath, token string) (string, error)
}

// ArtifactStore хранит защищённые документы.
type ArtifactStore interface {
	Store(ctx context.Context, path, contentType, requestID string) error
	URI(requestID, fileName string) string
	Delete(ctx context.Context, requestID, fileName string) error
}

// ProcessorDeps: зависимости Processor.
type ProcessorDeps struct {
	Repo      repository.ProtectionRequestRepository
	Ingestor  Ingester
	Tokens    TokenSource
	Protector Protector
	Store     ArtifactStore
	Publisher publisher.Publisher
	Links     *LinkCache
	// Topic: очередь событий о завершении
	Topic string
}

// Processor переводит запрос из PROCESSING в COMPLETE или ERROR.
type Processor struct {
	deps   ProcessorDeps
	logger *slog.Logger
}

// NewProcessor создаёт Processor.
func NewProcessor(deps ProcessorDeps, logger *slog.Logger) *Processor {
	return &Processor{
		deps:   deps,
		logger: logger.With(slog.String("component", "processor")),
	}
}

// stageError: ошибка этапа с причиной для StatusReason.
type stageError struct {
	stage  string
	reason string
	err    error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Process обрабатывает запрос. content == nil означает загрузку по URL.
// Ошибки этапов не возвращаются, они становятся статусом ERROR.
// Возвращается только *PersistenceError, если итог не удалось сохранить.
func (p *Processor) Process(ctx context.Context, req *model.ProtectionRequest, content ingest.Content) error {
	if req.Status != status.Processing {
		p.logger.Warn("Запрос уже обработан",
			slog.String("request_id", req.ID),
			slog.String("status", string(req.Status)),
		)
		if content != nil {
			_ = content.Release()
		}
		return nil
	}

	started := time.Now()
	p.logger.Info("Обработка запроса начата", slog.String("request_id", req.ID))

	stageErr := p.runStages(ctx, req, content)
	if stageErr == nil {
		_ = req.Complete()
	} else {
		_ = req.Fail(stageErr.reason)
		p.logger.Error("Обработка запроса завершилась ошибкой",
			slog.String("request_id", req.ID),
			slog.String("stage", stageErr.stage),
			slog.String("error", stageErr.err.Error()),
		)
	}

	if err := p.deps.Repo.Update(ctx, req); err != nil {
		perr := &PersistenceError{RequestID: req.ID, Err: err}
		p.logger.Error("Не удалось сохранить итог обработки",
			slog.String("request_id", req.ID),
			slog.String("status", string(req.Status)),
			slog.String("error", err.Error()),
		)
		return perr
	}

	requestsProcessedTotal.WithLabelValues(string(req.Status)).Inc()
	pipelineDurationSeconds.Observe(time.Since(started).Seconds())
	p.logger.Info("Обработка запроса завершена",
		slog.String("request_id", req.ID),
		slog.String("status", string(req.Status)),
		slog.Duration("duration", time.Since(started)),
	)

	p.publish(ctx, req)
	return nil
}

// runStages выполняет этапы. Паника этапа превращается в ошибку.
func (p *Processor) runStages(ctx context.Context, req *model.ProtectionRequest, content ingest.Content) (serr *stageError) {
	var staged *ingest.StagedArtifact
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			serr = &stageError{stage: "panic", reason: msg, err: errors.New(msg)}
		}
		if staged != nil {
			if err := staged.Cleanup(); err != nil {
				p.logger.Warn("Не удалось удалить временный каталог",
					slog.String("request_id", req.ID),
					slog.String("dir", staged.Dir),
					slog.String("error", err.Error()),
				)
			}
		}
	}()

	staged, err := p.deps.Ingestor.Ingest(ctx, req, content)
	if err != nil {
		return &stageError{stage: "ingest", reason: err.Error(), err: err}
	}

	token, err := p.deps.Tokens.GetToken(ctx)
	if err != nil {
		return &stageError{stage: "token", reason: TokenReason, err: err}
	}

	protected, err := p.deps.Protector.Protect(ctx, req, staged.Path, token.Value)
	if err != nil {
		return &stageError{stage: "protect", reason: err.Error(), err: err}
	}

	if err := p.deps.Store.Store(ctx, protected, req.ContentType, req.ID); err != nil {
		return &stageError{stage: "store", reason: err.Error(), err: err}
	}
	return nil
}

// publish отправляет событие о завершении. Ошибка только логируется.
func (p *Processor) publish(ctx context.Context, req *model.ProtectionRequest) {
	if p.deps.Publisher == nil {
		return
	}
	view := p.deps.Links.View(req)
	if err := p.deps.Publisher.Publish(ctx, p.deps.Topic, view); err != nil {
		p.logger.Error("Не удалось опубликовать событие о завершении",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}
