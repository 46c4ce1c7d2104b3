// Пакет artifact: размещение защищённых документов в объектном хранилище.
// Ключ объекта: <requestID>/<fileName> внутри настроенного контейнера.
package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/protection-module/internal/domain/model"
)

var artifactsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pm_artifacts_total",
		Help: "Операции с артефактами по результату (stored, skipped, deleted, error).",
	},
	[]string{"result"},
)

// ObjectStorage: бэкенд объектного хранилища (S3 или файловая система).
type ObjectStorage interface {
	// EnsureContainer создаёт контейнер с публичным чтением, если его нет.
	EnsureContainer(ctx context.Context, container string) error
	// Exists проверяет наличие объекта.
	Exists(ctx context.Context, container, key string) (bool, error)
	// Put записывает объект.
	Put(ctx context.Context, container, key string, body io.ReadSeeker, size int64, contentType string) error
	// Delete удаляет объект. Отсутствие объекта ошибкой не является.
	Delete(ctx context.Context, container, key string) error
	// PublicURI возвращает публичный адрес объекта без обращения к хранилищу.
	PublicURI(container, key string) string
}

// Store размещает артефакты запросов в одном контейнере.
type Store struct {
	backend   ObjectStorage
	container string
	logger    *slog.Logger

	mu      sync.Mutex
	ensured bool
}

// New создаёт Store. Контейнер создаётся при первой записи.
func New(backend ObjectStorage, container string, logger *slog.Logger) *Store {
	return &Store{
		backend:   backend,
		container: container,
		logger:    logger.With(slog.String("component", "artifact_store")),
	}
}

// Key возвращает ключ объекта для запроса.
func Key(requestID, fileName string) string {
	return requestID + "/" + fileName
}

// Store загружает файл path под ключом <requestID>/<имя файла>.
// Если объект уже существует, загрузка пропускается.
// Любая ошибка возвращается как *StoreError.
func (s *Store) Store(ctx context.Context, path, contentType, requestID string) error {
	key := Key(requestID, filepath.Base(path))
	if contentType == "" {
		contentType = model.DefaultContentType
	}

	if err := s.ensureContainer(ctx); err != nil {
		artifactsTotal.WithLabelValues("error").Inc()
		return &StoreError{Op: "ensure container", Key: key, Err: err}
	}

	exists, err := s.backend.Exists(ctx, s.container, key)
	if err != nil {
		artifactsTotal.WithLabelValues("error").Inc()
		return &StoreError{Op: "exists", Key: key, Err: err}
	}
	if exists {
		artifactsTotal.WithLabelValues("skipped").Inc()
		s.logger.Warn("Артефакт уже существует, загрузка пропущена",
			slog.String("request_id", requestID),
			slog.String("key", key),
		)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		artifactsTotal.WithLabelValues("error").Inc()
		return &StoreError{Op: "open", Key: key, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		artifactsTotal.WithLabelValues("error").Inc()
		return &StoreError{Op: "stat", Key: key, Err: err}
	}

	if err := s.backend.Put(ctx, s.container, key, f, info.Size(), contentType); err != nil {
		artifactsTotal.WithLabelValues("error").Inc()
		return &StoreError{Op: "put", Key: key, Err: err}
	}

	artifactsTotal.WithLabelValues("stored").Inc()
	s.logger.Info("Артефакт сохранён",
		slog.String("request_id", requestID),
		slog.String("key", key),
		slog.Int64("size", info.Size()),
	)
	return nil
}

// URI возвращает публичный адрес артефакта. Наличие объекта не проверяется.
func (s *Store) URI(requestID, fileName string) string {
	return s.backend.PublicURI(s.container, Key(requestID, fileName))
}

// Delete удаляет артефакт. Отсутствующий объект ошибкой не является.
func (s *Store) Delete(ctx context.Context, requestID, fileName string) error {
	key := Key(requestID, fileName)
	if err := s.backend.Delete(ctx, s.container, key); err != nil {
		artifactsTotal.WithLabelValues("error").Inc()
		return &StoreError{Op: "delete", Key: key, Err: err}
	}
	artifactsTotal.WithLabelValues("deleted").Inc()
	s.logger.Debug("Артефакт удалён", slog.String("key", key))
	return nil
}

// ensureContainer создаёт контейнер один раз. Неудачная попытка
// повторяется при следующей записи.
func (s *Store) ensureContainer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensured {
		return nil
	}
	if err := s.backend.EnsureContainer(ctx, s.container); err != nil {
		return err
	}
	s.ensured = true
	return nil
}

// StoreError: операция с хранилищем не удалась.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("failed to %s artifact %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
