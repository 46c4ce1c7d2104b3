package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/protection-module/internal/aad"
	"github.com/bigkaa/goartstore/protection-module/internal/domain/model"
	"github.com/bigkaa/goartstore/protection-module/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memRepo: репозиторий в памяти с оптимистичной блокировкой.
type memRepo struct {
	mu        sync.Mutex
	rows      map[string]model.ProtectionRequest
	seq       int
	updates   int
	updateErr error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[string]model.ProtectionRequest{}}
}

func (m *memRepo) Create(_ context.Context, r *model.ProtectionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if r.ID == "" {
		r.ID = fmt.Sprintf("req-%d", m.seq)
	}
	r.Version = 0
	r.CreatedAt = time.Unix(int64(m.seq), 0)
	r.UpdatedAt = r.CreatedAt
	m.rows[r.ID] = *r
	return nil
}

func (m *memRepo) Update(_ context.Context, r *model.ProtectionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	cur, ok := m.rows[r.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Version != r.Version {
		return repository.ErrVersionConflict
	}
	m.updates++
	r.Version++
	r.UpdatedAt = time.Now()
	m.rows[r.ID] = *r
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (*model.ProtectionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (m *memRepo) List(_ context.Context, f repository.ListFilters, limit int) ([]*model.ProtectionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ProtectionRequest
	for _, r := range m.rows {
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.User != nil && r.User != *f.User {
			continue
		}
		if f.CorrelationID != nil && r.CorrelationID != *f.CorrelationID {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memRepo) get(id string) (model.ProtectionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	return r, ok
}

// fakeTokens: источник токенов.
type fakeTokens struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTokens) GetToken(context.Context) (aad.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return aad.Token{}, f.err
	}
	return aad.Token{Value: "token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeProtector дописывает префикс к содержимому файла.
type fakeProtector struct {
	err   error
	panic bool
	block chan struct{}
}

func (f *fakeProtector) Protect(_ context.Context, _ *model.ProtectionRequest, path, token string) (string, error) {
	if f.block != nil {
		<-f.block
	}
	if f.panic {
		panic("protector exploded")
	}
	if f.err != nil {
		return "", f.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, append([]byte("protected:"), data...), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// fakeStore: хранилище артефактов в памяти.
type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	storeErr  error
	deleteErr error
	deletes   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (f *fakeStore) Store(_ context.Context, path, _ string, requestID string) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[requestID+"/"+filepath.Base(path)] = data
	return nil
}

// count возвращает число сохранённых объектов.
func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeStore) URI(requestID, fileName string) string {
	return "https://objects.example.com/c/" + requestID + "/" + fileName
}

func (f *fakeStore) Delete(_ context.Context, requestID, fileName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, requestID+"/"+fileName)
	return nil
}

func (f *fakeStore) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

// fakePublisher запоминает события.
type fakePublisher struct {
	mu     sync.Mutex
	events []model.ProtectionRequestView
	topics []string
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	view, ok := payload.(model.ProtectionRequestView)
	if !ok {
		return errors.New("неожиданный тип события")
	}
	f.events = append(f.events, view)
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) published() []model.ProtectionRequestView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ProtectionRequestView(nil), f.events...)
}
