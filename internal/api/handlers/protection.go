// protection.go: HTTP handlers запросов на защиту:
// список, создание по URL (JSON), создание с загрузкой (multipart),
// получение и удаление.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/protection-module/internal/api/errors"
	"github.com/bigkaa/goartstore/protection-module/internal/domain/model"
	"github.com/bigkaa/goartstore/protection-module/internal/ingest"
	"github.com/bigkaa/goartstore/protection-module/internal/service"
)

// ProtectionAPI: операции сервиса, нужные handlers.
type ProtectionAPI interface {
	Create(ctx context.Context, in service.CreateInput, content ingest.Content) (*model.ProtectionRequest, *service.Handle, error)
	Get(ctx context.Context, id string) (*model.ProtectionRequest, error)
	List(ctx context.Context, in service.ListInput) ([]*model.ProtectionRequest, error)
	Delete(ctx context.Context, id string) error
	View(req *model.ProtectionRequest) model.ProtectionRequestView
}

// ProtectionHandler: обработчик /api/v1/protection.
type ProtectionHandler struct {
	svc ProtectionAPI
	// maxUpload: лимит тела multipart-запроса в байтах
	maxUpload int64
	// spoolDir: каталог для временных файлов загрузок
	spoolDir string
	logger   *slog.Logger
}

// NewProtectionHandler создаёт обработчик.
func NewProtectionHandler(svc ProtectionAPI, maxUpload int64, spoolDir string, logger *slog.Logger) *ProtectionHandler {
	return &ProtectionHandler{
		svc:       svc,
		maxUpload: maxUpload,
		spoolDir:  spoolDir,
		logger:    logger.With(slog.String("component", "protection_handler")),
	}
}

// Routes регистрирует маршруты в роутере коллекции.
func (h *ProtectionHandler) Routes(r chi.Router) {
	r.Get("/", h.ListRequests)
	r.Post("/", h.CreateRequest)
	r.Post("/upload", h.UploadRequest)
	r.Get("/{id}", h.GetRequest)
	r.Delete("/{id}", h.DeleteRequest)
}

// createRequestBody: тело POST /api/v1/protection.
type createRequestBody struct {
	URL           string `json:"url"`
	User          string `json:"user"`
	CorrelationID string `json:"correlationId"`
	Rights        string `json:"rights"`
	FileName      string `json:"fileName"`
	ContentType   string `json:"contentType"`
	Size          *int64 `json:"size"`
}

// listResponse: ответ GET /api/v1/protection.
type listResponse struct {
	Items []model.ProtectionRequestView `json:"items"`
	Count int                           `json:"count"`
}

// ListRequests обрабатывает GET /api/v1/protection.
// Параметры: limit, status, correlationId, user.
func (h *ProtectionHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := service.ListInput{
		Status:        q.Get("status"),
		CorrelationID: q.Get("correlationId"),
		User:          q.Get("user"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			apierrors.ValidationError(w, "Параметр limit должен быть положительным целым числом")
			return
		}
		in.Limit = limit
	}

	reqs, err := h.svc.List(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := listResponse{Items: make([]model.ProtectionRequestView, 0, len(reqs)), Count: len(reqs)}
	for _, req := range reqs {
		resp.Items = append(resp.Items, h.svc.View(req))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateRequest обрабатывает POST /api/v1/protection (документ по URL).
func (h *ProtectionHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}

	req, _, err := h.svc.Create(r.Context(), service.CreateInput{
		URL:           body.URL,
		User:          body.User,
		CorrelationID: body.CorrelationID,
		Rights:        body.Rights,
		FileName:      body.FileName,
		ContentType:   body.ContentType,
		Size:          body.Size,
	}, nil)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeCreated(w, req)
}

// UploadRequest обрабатывает POST /api/v1/protection/upload.
// Multipart: file (обязательно), user, rights, correlationId, fileName, size.
// Файл сохраняется во временный файл, который удаляется после обработки.
func (h *ProtectionHandler) UploadRequest(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	in, spooled, err := h.readUpload(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Размер загрузки превышает %d байт", maxErr.Limit))
			return
		}
		apierrors.ValidationError(w, err.Error())
		return
	}

	req, _, err := h.svc.Create(r.Context(), in, spooled)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeCreated(w, req)
}

// readUpload читает части multipart-запроса. Поле file сохраняется
// во временный файл; при ошибке файл удаляется.
func (h *ProtectionHandler) readUpload(r *http.Request) (service.CreateInput, ingest.Content, error) {
	var in service.CreateInput

	mr, err := r.MultipartReader()
	if err != nil {
		return in, nil, fmt.Errorf("ожидается multipart/form-data: %w", err)
	}

	var spooled *ingest.FileContent
	release := func() {
		if spooled != nil {
			_ = spooled.Release()
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			release()
			return in, nil, fmt.Errorf("ошибка чтения multipart: %w", err)
		}

		name := part.FormName()
		if name == "file" {
			if spooled != nil {
				part.Close()
				release()
				return in, nil, errors.New("поле 'file' передано более одного раза")
			}
			spooled, err = h.spool(part)
			part.Close()
			if err != nil {
				return in, nil, err
			}
			if in.FileName == "" {
				in.FileName = part.FileName()
			}
			if ct := part.Header.Get("Content-Type"); ct != "" && in.ContentType == "" {
				if mediaType, _, perr := mime.ParseMediaType(ct); perr == nil {
					in.ContentType = mediaType
				}
			}
			continue
		}

		value, err := readField(part)
		part.Close()
		if err != nil {
			release()
			return in, nil, err
		}
		switch name {
		case "user":
			in.User = value
		case "rights":
			in.Rights = value
		case "correlationId":
			in.CorrelationID = value
		case "fileName":
			in.FileName = value
		case "contentType":
			in.ContentType = value
		case "size":
			size, perr := strconv.ParseInt(value, 10, 64)
			if perr != nil {
				release()
				return in, nil, fmt.Errorf("поле 'size' должно быть целым числом: %q", value)
			}
			in.Size = &size
		}
	}

	if spooled == nil {
		return in, nil, errors.New("поле 'file' обязательно")
	}
	return in, *spooled, nil
}

// maxFieldSize: предел размера текстового поля multipart.
const maxFieldSize = 64 << 10

func readField(part io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
	if err != nil {
		return "", fmt.Errorf("ошибка чтения поля: %w", err)
	}
	if len(data) > maxFieldSize {
		return "", fmt.Errorf("поле превышает %d байт", maxFieldSize)
	}
	return strings.TrimSpace(string(data)), nil
}

// spool копирует часть multipart во временный файл.
func (h *ProtectionHandler) spool(part io.Reader) (*ingest.FileContent, error) {
	if err := os.MkdirAll(h.spoolDir, 0o750); err != nil {
		return nil, fmt.Errorf("каталог загрузок: %w", err)
	}
	f, err := os.CreateTemp(h.spoolDir, "upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("создание временного файла: %w", err)
	}
	content := &ingest.FileContent{Path: f.Name(), Remove: true}

	if _, err := io.Copy(f, part); err != nil {
		f.Close()
		_ = content.Release()
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = content.Release()
		return nil, fmt.Errorf("ошибка записи временного файла: %w", err)
	}
	return content, nil
}

// GetRequest обрабатывает GET /api/v1/protection/{id}.
func (h *ProtectionHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.View(req))
}

// DeleteRequest обрабатывает DELETE /api/v1/protection/{id}.
func (h *ProtectionHandler) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProtectionHandler) writeCreated(w http.ResponseWriter, req *model.ProtectionRequest) {
	view := h.svc.View(req)
	w.Header().Set("Location", view.Links.Self.Href)
	writeJSON(w, http.StatusCreated, view)
}

// writeServiceError отображает ошибки сервиса на HTTP-статусы.
func (h *ProtectionHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Запрос не найден")
	default:
		h.logger.Error("Ошибка обработки запроса API", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
