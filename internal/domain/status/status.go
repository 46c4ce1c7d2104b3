// Пакет status: конечный автомат статусов запроса на защиту.
//
// Жизненный цикл: processing → complete | error.
// complete и error являются конечными, обратных переходов нет.
package status

import "fmt"

// Status: статус запроса на защиту.
type Status string

const (
	// Processing: запрос принят, конвейер ещё не завершён
	Processing Status = "PROCESSING"
	// Complete: артефакт защищён и сохранён
	Complete Status = "COMPLETE"
	// Error: конвейер завершился ошибкой, причина в StatusReason
	Error Status = "ERROR"
)

// validTransitions: матрица допустимых переходов.
var validTransitions = map[Status]map[Status]bool{
	Processing: {Complete: true, Error: true},
	Complete:   {},
	Error:      {},
}

// IsValid проверяет, является ли значение допустимым статусом.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal возвращает true для complete и error.
func (s Status) IsTerminal() bool {
	return s == Complete || s == Error
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// Transition проверяет переход и возвращает целевой статус
// или *TransitionError.
func Transition(from, to Status) (Status, error) {
	if !to.IsValid() {
		return from, &TransitionError{
			Code:    "INVALID_STATUS",
			Message: fmt.Sprintf("недопустимый целевой статус: %q", to),
		}
	}
	if !CanTransition(from, to) {
		return from, &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s -> %s недопустим", from, to),
		}
	}
	return to, nil
}

// Parse преобразует строку в Status.
func Parse(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", fmt.Errorf("недопустимый статус: %q, допустимые: PROCESSING, COMPLETE, ERROR", s)
	}
	return st, nil
}

// TransitionError: ошибка перехода между статусами.
type TransitionError struct {
	Code    string
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
