// Пакет ingest: получение исходного документа во временный каталог запроса.
// Источник: загруженное клиентом содержимое или URL запроса.
// Размер сверяется с заявленным (или принимается, если не заявлен).
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bigkaa/goartstore/protection-module/internal/domain/model"
)

// Content: содержимое, загруженное клиентом вместе с запросом.
type Content interface {
	// Open открывает содержимое для чтения.
	Open() (io.ReadCloser, error)
	// Release освобождает ресурсы (например, удаляет spool-файл).
	Release() error
}

// BytesContent: содержимое в памяти.
type BytesContent []byte

func (b BytesContent) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b BytesContent) Release() error { return nil }

// FileContent: содержимое во временном файле (spool multipart-загрузки).
type FileContent struct {
	Path string
	// Remove: удалить файл в Release
	Remove bool
}

func (f FileContent) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}

func (f FileContent) Release() error {
	if !f.Remove {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// StagedArtifact: документ во временном каталоге запроса.
type StagedArtifact struct {
	// Dir: временный каталог, принадлежащий одному запросу
	Dir string
	// Path: путь к файлу, имя совпадает с FileName запроса
	Path string
	// Size: число скопированных байт
	Size int64
	// Checksum: SHA-256 исходного содержимого
	Checksum string
}

// Cleanup удаляет временный каталог запроса.
func (s *StagedArtifact) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	return os.RemoveAll(s.Dir)
}

// Ingestor копирует исходный документ во временный каталог.
type Ingestor struct {
	stagingRoot  string
	fetchTimeout time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewIngestor создаёт Ingestor. fetchTimeout ограничивает установку
// соединения, ожидание заголовков и каждое чтение тела ответа.
func NewIngestor(stagingRoot string, fetchTimeout time.Duration, logger *slog.Logger) *Ingestor {
	dialer := &net.Dialer{Timeout: fetchTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   fetchTimeout,
		ResponseHeaderTimeout: fetchTimeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Ingestor{
		stagingRoot:  stagingRoot,
		fetchTimeout: fetchTimeout,
		httpClient:   &http.Client{Transport: transport},
		logger:       logger.With(slog.String("component", "ingestor")),
	}
}

// Ingest размещает документ запроса в новом временном каталоге.
// content == nil означает загрузку по req.URL.
// При успехе req.Size содержит фактический размер.
// Любая ошибка возвращается как *IngestError, каталог при этом удаляется.
func (i *Ingestor) Ingest(ctx context.Context, req *model.ProtectionRequest, content Content) (*StagedArtifact, error) {
	if content != nil {
		defer func() {
			if err := content.Release(); err != nil {
				i.logger.Warn("Не удалось освободить загруженное содержимое",
					slog.String("request_id", req.ID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	name := filepath.Base(req.FileName)
	if name != req.FileName || name == "." || name == ".." || name == "" {
		return nil, &IngestError{Err: fmt.Errorf("invalid file name %q", req.FileName)}
	}

	if err := os.MkdirAll(i.stagingRoot, 0o750); err != nil {
		return nil, &IngestError{Err: fmt.Errorf("create staging root: %w", err)}
	}
	dir, err := os.MkdirTemp(i.stagingRoot, "protection-")
	if err != nil {
		return nil, &IngestError{Err: fmt.Errorf("create staging directory: %w", err)}
	}
	staged := &StagedArtifact{Dir: dir, Path: filepath.Join(dir, name)}

	fail := func(err error) (*StagedArtifact, error) {
		_ = staged.Cleanup()
		return nil, &IngestError{Err: err}
	}

	var source io.ReadCloser
	if content != nil {
		source, err = content.Open()
		if err != nil {
			return fail(fmt.Errorf("open uploaded content: %w", err))
		}
	} else {
		var cancel context.CancelFunc
		source, cancel, err = i.fetch(ctx, req.URL)
		if err != nil {
			return fail(err)
		}
		defer cancel()
	}
	defer source.Close()

	size, checksum, err := writeFile(staged.Path, source)
	if err != nil {
		return fail(err)
	}
	staged.Size = size
	staged.Checksum = checksum

	if err := req.ReconcileSize(size); err != nil {
		return fail(err)
	}

	i.logger.Debug("Документ размещён во временном каталоге",
		slog.String("request_id", req.ID),
		slog.String("path", staged.Path),
		slog.Int64("size", size),
		slog.String("sha256", checksum),
	)
	return staged, nil
}

// fetch открывает тело ответа по URL. Возвращённый cancel освобождает
// контекст запроса и должен быть вызван после чтения.
func (i *Ingestor) fetch(ctx context.Context, rawURL string) (io.ReadCloser, context.CancelFunc, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}

	resp, err := i.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	if i.fetchTimeout <= 0 {
		return resp.Body, cancel, nil
	}
	return newIdleTimeoutReader(resp.Body, i.fetchTimeout, cancel), cancel, nil
}

// writeFile копирует reader в path с подсчётом SHA-256 и fsync.
func writeFile(path string, r io.Reader) (int64, string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, "", fmt.Errorf("create staged file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(r, hasher))
	if err != nil {
		f.Close()
		return 0, "", fmt.Errorf("copy content: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, "", fmt.Errorf("sync staged file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("close staged file: %w", err)
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// errReadTimeout: тело ответа не прислало данных за отведённое время.
var errReadTimeout = errors.New("read timed out")

// idleTimeoutReader отменяет запрос, если одно чтение длится дольше timeout.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	r := &idleTimeoutReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.fired.Store(true)
		cancel()
	})
	r.timer.Stop()
	return r
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	r.timer.Reset(r.timeout)
	n, err := r.rc.Read(p)
	r.timer.Stop()
	if err != nil && err != io.EOF && r.fired.Load() {
		return n, fmt.Errorf("%w after %s: %w", errReadTimeout, r.timeout, err)
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}

// IngestError: не удалось получить исходный документ.
type IngestError struct {
	Err error
}

func (e *IngestError) Error() string {
	return e.Err.Error()
}

func (e *IngestError) Unwrap() error {
	return e.Err
}
