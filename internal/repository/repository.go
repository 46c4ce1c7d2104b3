// Пакет repository: слой доступа к данным PostgreSQL.
// Все запросы написаны на чистом SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound: запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict: конфликт уникальности.
	ErrConflict = errors.New("конфликт: запись уже существует")
	// ErrVersionConflict: запись изменена другим участником
	// (оптимистичная блокировка).
	ErrVersionConflict = errors.New("конфликт версий: запись изменена параллельно")
)

// DBTX: интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
