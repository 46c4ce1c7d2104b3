// Пакет filestore: хранилище артефактов в локальном каталоге.
// Контейнер соответствует подкаталогу, ключ объекта относительному пути в нём.
// Файлы раздаются самим модулем по публичному базовому URL.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileStore: объектное хранилище на диске.
type FileStore struct {
	// dataDir: корневой каталог (PM_FS_DATA_DIR)
	dataDir string
	// publicURL: базовый URL, по которому раздаётся dataDir
	publicURL string
	logger    *slog.Logger
}

// New создаёт FileStore и корневой каталог, если его нет.
func New(dataDir, publicURL string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &FileStore{
		dataDir:   dataDir,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger.With(slog.String("component", "filestore")),
	}, nil
}

// DataDir возвращает корневой каталог хранилища.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// EnsureContainer создаёт подкаталог контейнера.
func (fs *FileStore) EnsureContainer(_ context.Context, container string) error {
	dir, err := fs.path(container, "")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ошибка создания контейнера %s: %w", container, err)
	}
	return nil
}

// Exists проверяет наличие файла объекта.
func (fs *FileStore) Exists(_ context.Context, container, key string) (bool, error) {
	full, err := fs.path(container, key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка получения информации о файле %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

// Put записывает объект: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (fs *FileStore) Put(_ context.Context, container, key string, body io.ReadSeeker, size int64, _ string) error {
	full, err := fs.path(container, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("ошибка создания каталога объекта: %w", err)
	}

	tmpPath := full + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(f, io.TeeReader(body, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи данных: %w", err)
	}
	if size >= 0 && written != size {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("записано %d байт из %d", written, size)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	fs.logger.Debug("Объект записан",
		slog.String("key", key),
		slog.Int64("size", written),
		slog.String("checksum", hex.EncodeToString(hasher.Sum(nil))),
	)
	return nil
}

// Delete удаляет файл объекта и опустевший каталог запроса.
// Возвращает nil если файл уже не существует.
func (fs *FileStore) Delete(_ context.Context, container, key string) error {
	full, err := fs.path(container, key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", key, err)
	}

	containerDir, _ := fs.path(container, "")
	if dir := filepath.Dir(full); dir != containerDir {
		// Каталог с другими файлами не удаляется
		_ = os.Remove(dir)
	}
	return nil
}

// PublicURI возвращает адрес объекта относительно публичного базового URL.
func (fs *FileStore) PublicURI(container, key string) string {
	segments := append([]string{container}, strings.Split(key, "/")...)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fs.publicURL + "/" + strings.Join(segments, "/")
}

// CheckReady проверяет, что корневой каталог доступен на запись.
func (fs *FileStore) CheckReady(_ context.Context) error {
	testFile := filepath.Join(fs.dataDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("директория данных недоступна для записи: %w", err)
	}
	_ = os.Remove(testFile)
	return nil
}

// errInvalidKey: ключ выходит за пределы корневого каталога.
var errInvalidKey = errors.New("недопустимый ключ объекта")

// path возвращает абсолютный путь объекта внутри dataDir.
func (fs *FileStore) path(container, key string) (string, error) {
	if container == "" || strings.ContainsAny(container, `/\`) || container == "." || container == ".." {
		return "", fmt.Errorf("%w: контейнер %q", errInvalidKey, container)
	}
	for _, part := range strings.Split(key, "/") {
		if key != "" && (part == "" || part == "." || part == "..") {
			return "", fmt.Errorf("%w: %q", errInvalidKey, key)
		}
	}
	return filepath.Join(fs.dataDir, container, filepath.FromSlash(key)), nil
}
