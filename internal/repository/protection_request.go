package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/protection-module/internal/domain/model"
	"github.com/bigkaa/goartstore/protection-module/internal/domain/status"
)

// ProtectionRequestRepository: CRUD для таблицы protection_requests.
type ProtectionRequestRepository interface {
	// Create вставляет новый запрос. Пустой ID заменяется на новый UUID,
	// версия выставляется в 0.
	Create(ctx context.Context, r *model.ProtectionRequest) error
	// Update сохраняет изменения с проверкой версии и увеличивает её.
	Update(ctx context.Context, r *model.ProtectionRequest) error
	// GetByID возвращает запрос по UUID.
	GetByID(ctx context.Context, id string) (*model.ProtectionRequest, error)
	// List возвращает последние запросы, новые первыми.
	List(ctx context.Context, filters ListFilters, limit int) ([]*model.ProtectionRequest, error)
	// Delete удаляет запрос.
	Delete(ctx context.Context, id string) error
}

// ListFilters: фильтры для списка запросов.
type ListFilters struct {
	Status        *status.Status
	CorrelationID *string
	User          *string
}

type protectionRequestRepo struct {
	db DBTX
}

// NewProtectionRequestRepository создаёт репозиторий запросов на защиту.
func NewProtectionRequestRepository(db DBTX) ProtectionRequestRepository {
	return &protectionRequestRepo{db: db}
}

const selectColumns = `id, user_email, url, file_name, content_type, size_bytes, rights,
	correlation_id, status, status_reason, version, created_at, updated_at`

func (r *protectionRequestRepo) Create(ctx context.Context, req *model.ProtectionRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Version = 0

	query := `
		INSERT INTO protection_requests (id, user_email, url, file_name, content_type,
			size_bytes, rights, correlation_id, status, status_reason, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		req.ID, req.User, nullString(req.URL), req.FileName, nullString(req.ContentType),
		req.Size, req.Rights.String(), nullString(req.CorrelationID),
		string(req.Status), nullString(req.StatusReason),
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запрос с ID %s уже существует", ErrConflict, req.ID)
		}
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	return nil
}

func (r *protectionRequestRepo) Update(ctx context.Context, req *model.ProtectionRequest) error {
	query := `
		UPDATE protection_requests
		SET user_email = $3, url = $4, file_name = $5, content_type = $6,
			size_bytes = $7, rights = $8, correlation_id = $9, status = $10,
			status_reason = $11, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`

	err := r.db.QueryRow(ctx, query,
		req.ID, req.Version,
		req.User, nullString(req.URL), req.FileName, nullString(req.ContentType),
		req.Size, req.Rights.String(), nullString(req.CorrelationID),
		string(req.Status), nullString(req.StatusReason),
	).Scan(&req.Version, &req.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ошибка обновления запроса: %w", err)
	}

	// Ни одна строка не обновлена: записи нет или версия устарела
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM protection_requests WHERE id = $1)`, req.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("ошибка проверки существования запроса: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: запрос %s, версия %d", ErrVersionConflict, req.ID, req.Version)
}

func (r *protectionRequestRepo) GetByID(ctx context.Context, id string) (*model.ProtectionRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	query := `SELECT ` + selectColumns + ` FROM protection_requests WHERE id = $1`

	req, err := scanProtectionRequest(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса: %w", err)
	}
	return req, nil
}

// buildWhere строит WHERE-условие и аргументы для фильтрации.
func buildWhere(filters ListFilters, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if filters.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, string(*filters.Status))
		argNum++
	}
	if filters.CorrelationID != nil {
		conditions = append(conditions, fmt.Sprintf("correlation_id = $%d", argNum))
		args = append(args, *filters.CorrelationID)
		argNum++
	}
	if filters.User != nil {
		conditions = append(conditions, fmt.Sprintf("user_email = $%d", argNum))
		args = append(args, *filters.User)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *protectionRequestRepo) List(ctx context.Context, filters ListFilters, limit int) ([]*model.ProtectionRequest, error) {
	where, args := buildWhere(filters, 1)

	query := fmt.Sprintf(`SELECT %s FROM protection_requests %s
		ORDER BY created_at DESC, id
		LIMIT $%d`, selectColumns, where, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка запросов: %w", err)
	}
	defer rows.Close()

	var result []*model.ProtectionRequest
	for rows.Next() {
		req, err := scanProtectionRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения запроса: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации запросов: %w", err)
	}
	return result, nil
}

func (r *protectionRequestRepo) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	tag, err := r.db.Exec(ctx, `DELETE FROM protection_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления запроса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanProtectionRequest читает строку в порядке selectColumns.
func scanProtectionRequest(row pgx.Row) (*model.ProtectionRequest, error) {
	var (
		req                                     model.ProtectionRequest
		url, contentType, correlationID, reason *string
		rights, st                              string
	)
	err := row.Scan(
		&req.ID, &req.User, &url, &req.FileName, &contentType, &req.Size, &rights,
		&correlationID, &st, &reason, &req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.URL = deref(url)
	req.ContentType = deref(contentType)
	req.CorrelationID = deref(correlationID)
	req.StatusReason = deref(reason)

	req.Status, err = status.Parse(st)
	if err != nil {
		return nil, fmt.Errorf("запрос %s: %w", req.ID, err)
	}
	req.Rights, err = model.ParseRights(rights)
	if err != nil {
		return nil, fmt.Errorf("запрос %s: %w", req.ID, err)
	}
	return &req, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
