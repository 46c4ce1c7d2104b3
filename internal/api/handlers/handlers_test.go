package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/protection-module/internal/domain/model"
	"github.com/bigkaa/goartstore/protection-module/internal/ingest"
	"github.com/bigkaa/goartstore/protection-module/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAPI запоминает входные данные и возвращает заданные ошибки.
type fakeAPI struct {
	created    *service.CreateInput
	content    []byte
	hadContent bool
	listInput  service.ListInput
	createErr  error
	getErr     error
	listErr    error
	deleteErr  error
	deleted    string
	stored     map[string]*model.ProtectionRequest
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{stored: map[string]*model.ProtectionRequest{}}
}

func (f *fakeAPI) Create(_ context.Context, in service.CreateInput, content ingest.Content) (*model.ProtectionRequest, *service.Handle, error) {
	f.created = &in
	if content != nil {
		f.hadContent = true
		rc, err := content.Open()
		if err != nil {
			return nil, nil, err
		}
		f.content, _ = io.ReadAll(rc)
		rc.Close()
		_ = content.Release()
	}
	if f.createErr != nil {
		return nil, nil, f.createErr
	}
	req := model.NewProtectionRequest(in.User, in.FileName)
	req.ID = "req-1"
	req.URL = in.URL
	req.CorrelationID = in.CorrelationID
	f.stored[req.ID] = req
	return req, nil, nil
}

func (f *fakeAPI) Get(_ context.Context, id string) (*model.ProtectionRequest, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	req, ok := f.stored[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	return req, nil
}

func (f *fakeAPI) List(_ context.Context, in service.ListInput) ([]*model.ProtectionRequest, error) {
	f.listInput = in
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*model.ProtectionRequest
	for _, r := range f.stored {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeAPI) Delete(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.stored[id]; !ok {
		return service.ErrNotFound
	}
	delete(f.stored, id)
	f.deleted = id
	return nil
}

func (f *fakeAPI) View(req *model.ProtectionRequest) model.ProtectionRequestView {
	return model.NewView(req, "/api/v1/protection/"+req.ID, "")
}

func newRouter(t *testing.T, api *fakeAPI, maxUpload int64) (http.Handler, string) {
	t.Helper()
	spool := filepath.Join(t.TempDir(), "spool")
	h := NewProtectionHandler(api, maxUpload, spool, testLogger())
	r := chi.NewRouter()
	r.Route("/api/v1/protection", h.Routes)
	return r, spool
}

func errorCode(t *testing.T, body io.Reader) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("тело ошибки не JSON: %v", err)
	}
	return resp.Error.Code
}

func TestCreateRequest_JSON(t *testing.T) {
	api := newFakeAPI()
	router, _ := newRouter(t, api, 0)

	body := `{"url":"https://example.com/a.docx","user":"alice@example.com","fileName":"a.docx","correlationId":"c-1","size":42}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/protection", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("статус %d, тело: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/protection/req-1" {
		t.Errorf("Location = %q", loc)
	}
	if api.hadContent {
		t.Error("для URL-запроса содержимое не передаётся")
	}
	if api.created.URL != "https://example.com/a.docx" || api.created.Size == nil || *api.created.Size != 42 {
		t.Errorf("CreateInput = %+v", api.created)
	}

	var view model.ProtectionRequestView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Status != "PROCESSING" || view.CorrelationID != "c-1" {
		t.Errorf("view = %+v", view)
	}
}

func TestCreateRequest_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		createErr error
		wantCode  int
		wantError string
	}{
		{name: "невалидный JSON", body: `{`, wantCode: http.StatusBadRequest, wantError: "VALIDATION_ERROR"},
		{name: "неизвестное поле", body: `{"foo":1}`, wantCode: http.StatusBadRequest, wantError: "VALIDATION_ERROR"},
		{
			name:      "ошибка валидации",
			body:      `{"user":"x"}`,
			createErr: fmt.Errorf("%w: user: некорректный email", service.ErrValidation),
			wantCode:  http.StatusBadRequest,
			wantError: "VALIDATION_ERROR",
		},
		{
			name:      "внутренняя ошибка",
			body:      `{"user":"alice@example.com"}`,
			createErr: errors.New("db down"),
			wantCode:  http.StatusInternalServerError,
			wantError: "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.createErr = tt.createErr
			router, _ := newRouter(t, api, 0)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/protection", strings.NewReader(tt.body)))

			if rec.Code != tt.wantCode {
				t.Fatalf("статус %d, ожидается %d", rec.Code, tt.wantCode)
			}
			if code := errorCode(t, rec.Body); code != tt.wantError {
				t.Errorf("code = %q, ожидается %q", code, tt.wantError)
			}
		})
	}
}

func multipartBody(t *testing.T, fields map[string]string, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(content)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadRequest(t *testing.T) {
	api := newFakeAPI()
	router, spool := newRouter(t, api, 1<<20)

	body, ct := multipartBody(t, map[string]string{
		"user":          "alice@example.com",
		"rights":        "READ",
		"correlationId": "c-2",
	}, "quarterly report.docx", []byte("document bytes"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/protection/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("статус %d, тело: %s", rec.Code, rec.Body.String())
	}
	if !api.hadContent || string(api.content) != "document bytes" {
		t.Errorf("содержимое = %q", api.content)
	}
	in := api.created
	if in.User != "alice@example.com" || in.Rights != "READ" || in.CorrelationID != "c-2" {
		t.Errorf("CreateInput = %+v", in)
	}
	if in.FileName != "quarterly report.docx" || in.ContentType != "application/octet-stream" {
		t.Errorf("FileName = %q, ContentType = %q", in.FileName, in.ContentType)
	}

	entries, _ := os.ReadDir(spool)
	if len(entries) != 0 {
		t.Errorf("временные файлы загрузки не удалены: %d", len(entries))
	}
}

func TestUploadRequest_Errors(t *testing.T) {
	t.Run("нет файла", func(t *testing.T) {
		api := newFakeAPI()
		router, _ := newRouter(t, api, 1<<20)
		body, ct := multipartBody(t, map[string]string{"user": "alice@example.com"}, "", nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/protection/upload", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("статус %d, ожидается 400", rec.Code)
		}
		if api.created != nil {
			t.Error("Create не должен вызываться")
		}
	})

	t.Run("не multipart", func(t *testing.T) {
		router, _ := newRouter(t, newFakeAPI(), 1<<20)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/protection/upload", strings.NewReader("{}")))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("статус %d, ожидается 400", rec.Code)
		}
	})

	t.Run("превышен размер", func(t *testing.T) {
		api := newFakeAPI()
		router, spool := newRouter(t, api, 1024)
		body, ct := multipartBody(t, map[string]string{"user": "alice@example.com"}, "big.bin", bytes.Repeat([]byte("x"), 4096))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/protection/upload", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("статус %d, ожидается 413", rec.Code)
		}
		if code := errorCode(t, rec.Body); code != "FILE_TOO_LARGE" {
			t.Errorf("code = %q", code)
		}
		entries, _ := os.ReadDir(spool)
		if len(entries) != 0 {
			t.Errorf("временные файлы загрузки не удалены: %d", len(entries))
		}
	})

	t.Run("некорректный size", func(t *testing.T) {
		router, _ := newRouter(t, newFakeAPI(), 1<<20)
		body, ct := multipartBody(t, map[string]string{"size": "many"}, "a.docx", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/protection/upload", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("статус %d, ожидается 400", rec.Code)
		}
	})
}

func TestGetAndDelete(t *testing.T) {
	api := newFakeAPI()
	router, _ := newRouter(t, api, 0)
	api.stored["req-1"] = &model.ProtectionRequest{ID: "req-1", User: "alice@example.com", FileName: "a.docx", Rights: model.DefaultRights(), Status: "PROCESSING"}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/protection/req-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET: статус %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/protection/req-1", nil))
	if rec.Code != http.StatusNoContent || api.deleted != "req-1" {
		t.Fatalf("DELETE: статус %d, deleted = %q", rec.Code, api.deleted)
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, "/api/v1/protection/req-1", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s после удаления: статус %d, ожидается 404", method, rec.Code)
		}
		if code := errorCode(t, rec.Body); code != "NOT_FOUND" {
			t.Errorf("code = %q", code)
		}
	}
}

func TestListRequests(t *testing.T) {
	api := newFakeAPI()
	router, _ := newRouter(t, api, 0)
	api.stored["req-1"] = &model.ProtectionRequest{ID: "req-1", Rights: model.DefaultRights(), Status: "COMPLETE"}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/protection?limit=10&status=complete&user=alice@example.com", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d, тело: %s", rec.Code, rec.Body.String())
	}
	if api.listInput.Limit != 10 || api.listInput.Status != "complete" || api.listInput.User != "alice@example.com" {
		t.Errorf("ListInput = %+v", api.listInput)
	}

	var resp listResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || len(resp.Items) != 1 || resp.Items[0].ID != "req-1" {
		t.Errorf("ответ = %+v", resp)
	}

	for _, limit := range []string{"0", "-1", "abc"} {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/protection?limit="+limit, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: статус %d, ожидается 400", limit, rec.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	ok := CheckFunc(func(context.Context) error { return nil })
	failing := CheckFunc(func(context.Context) error { return errors.New("connection refused") })

	h := NewHealthHandler(map[string]ReadinessChecker{"database": ok}, 0)
	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("live: статус %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: статус %d", rec.Code)
	}

	h = NewHealthHandler(map[string]ReadinessChecker{"database": ok, "storage": failing}, 0)
	rec = httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready: статус %d, ожидается 503", rec.Code)
	}
	var resp struct {
		Status string                       `json:"status"`
		Checks map[string]map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "fail" || resp.Checks["storage"]["message"] != "connection refused" || resp.Checks["database"]["status"] != "ok" {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestArtifactsHandler(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "artifacts", "req-1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "artifacts", "req-1", "a.docx"), []byte("protected"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := NewArtifactsHandler("/artifacts/", dir)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/artifacts/artifacts/req-1/a.docx", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "protected" {
		t.Fatalf("статус %d, тело %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/artifacts/artifacts/req-1/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("листинг каталога: статус %d, ожидается 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/artifacts/artifacts/req-1/missing.docx", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("нет файла: статус %d, ожидается 404", rec.Code)
	}
}
