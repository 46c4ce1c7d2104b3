// errors.go: ошибки сервисного слоя.
package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: запрос не найден.
	ErrNotFound = errors.New("запрос не найден")
	// ErrValidation: ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
)

// PersistenceError: не удалось сохранить итоговый статус запроса.
// Событие о завершении в этом случае не публикуется.
type PersistenceError struct {
	RequestID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist request %s: %v", e.RequestID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
