// requests.go: сервис запросов на защиту: создание с постановкой
// в обработку, чтение, список, удаление вместе с артефактом.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bigkaa/goartstore/protection-module/internal/domain/model"
	"github.com/bigkaa/goartstore/protection-module/internal/domain/status"
	"github.com/bigkaa/goartstore/protection-module/internal/ingest"
	"github.com/bigkaa/goartstore/protection-module/internal/repository"
)

// Размер списка по умолчанию и максимальный.
const (
	DefaultListLimit = 500
	MaxListLimit     = 500
)

// Submitter принимает задачи на выполнение.
type Submitter interface {
	Submit(task Task) *Handle
}

// CreateInput: параметры нового запроса.
type CreateInput struct {
	URL           string
	User          string
	CorrelationID string
	// Rights: права через запятую; пусто: READ
	Rights      string
	FileName    string
	ContentType string
	Size        *int64
}

// ListInput: фильтры списка запросов.
type ListInput struct {
	Status        string
	CorrelationID string
	User          string
	Limit         int
}

// ProtectionService: операции над запросами на защиту.
type ProtectionService struct {
	repo      repository.ProtectionRequestRepository
	processor *Processor
	scheduler Submitter
	store     ArtifactStore
	links     *LinkCache
	logger    *slog.Logger
}

// NewProtectionService создаёт сервис.
func NewProtectionService(
	repo repository.ProtectionRequestRepository,
	processor *Processor,
	scheduler Submitter,
	store ArtifactStore,
	links *LinkCache,
	logger *slog.Logger,
) *ProtectionService {
	return &ProtectionService{
		repo:      repo,
		processor: processor,
		scheduler: scheduler,
		store:     store,
		links:     links,
		logger:    logger.With(slog.String("component", "protection_service")),
	}
}

// Create проверяет и сохраняет запрос в статусе PROCESSING и ставит его
// в обработку. content == nil означает загрузку по URL. Ответ не ждёт
// окончания обработки; Handle позволяет дождаться её.
// Владение content переходит к сервису.
func (s *ProtectionService) Create(ctx context.Context, in CreateInput, content ingest.Content) (*model.ProtectionRequest, *Handle, error) {
	req, err := newRequest(in, content != nil)
	if err != nil {
		if content != nil {
			_ = content.Release()
		}
		return nil, nil, err
	}

	if err := s.repo.Create(ctx, req); err != nil {
		if content != nil {
			_ = content.Release()
		}
		return nil, nil, fmt.Errorf("сохранение запроса: %w", err)
	}

	s.logger.Info("Запрос на защиту принят",
		slog.String("request_id", req.ID),
		slog.String("user", req.User),
		slog.String("file_name", req.FileName),
		slog.Bool("upload", content != nil),
	)

	// Конвейер работает со своей копией и не отменяется вместе с HTTP-запросом
	work := *req
	taskCtx := context.WithoutCancel(ctx)
	handle := s.scheduler.Submit(func() {
		_ = s.processor.Process(taskCtx, &work, content)
	})
	return req, handle, nil
}

// newRequest строит и валидирует запрос.
func newRequest(in CreateInput, hasUpload bool) (*model.ProtectionRequest, error) {
	req := model.NewProtectionRequest(in.User, in.FileName)
	req.URL = strings.TrimSpace(in.URL)
	req.ContentType = in.ContentType
	req.Size = in.Size
	req.CorrelationID = in.CorrelationID

	rights, err := model.ParseRights(in.Rights)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	req.SetRights(rights)

	if err := req.Validate(hasUpload); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	return req, nil
}

// Get возвращает запрос по ID.
func (s *ProtectionService) Get(ctx context.Context, id string) (*model.ProtectionRequest, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение запроса: %w", err)
	}
	return req, nil
}

// List возвращает последние запросы, новые первыми.
func (s *ProtectionService) List(ctx context.Context, in ListInput) ([]*model.ProtectionRequest, error) {
	var filters repository.ListFilters
	if in.Status != "" {
		st, err := status.Parse(strings.ToUpper(in.Status))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err)
		}
		filters.Status = &st
	}
	if in.CorrelationID != "" {
		filters.CorrelationID = &in.CorrelationID
	}
	if in.User != "" {
		filters.User = &in.User
	}

	limit := in.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	reqs, err := s.repo.List(ctx, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("получение списка запросов: %w", err)
	}
	return reqs, nil
}

// Delete удаляет артефакт запроса (если он есть), затем запись.
// Обработка, которая ещё идёт, не прерывается: её итог не сохранится,
// так как записи уже нет.
func (s *ProtectionService) Delete(ctx context.Context, id string) error {
	req, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, req.ID, req.FileName); err != nil {
		return fmt.Errorf("удаление артефакта: %w", err)
	}

	if err := s.repo.Delete(ctx, req.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("удаление запроса: %w", err)
	}
	s.links.Forget(req.ID)

	s.logger.Info("Запрос удалён", slog.String("request_id", req.ID))
	return nil
}

// View строит внешнее представление запроса.
func (s *ProtectionService) View(req *model.ProtectionRequest) model.ProtectionRequestView {
	return s.links.View(req)
}
