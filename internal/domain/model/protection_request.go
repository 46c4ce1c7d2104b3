package model

import (
	"fmt"
	"net/mail"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bigkaa/goartstore/protection-module/internal/domain/status"
)

const (
	// MaxStatusReasonLen: максимальная длина причины ошибки (в символах)
	MaxStatusReasonLen = 1024
	// MaxCorrelationIDLen: максимальная длина correlation id
	MaxCorrelationIDLen = 256
	// MaxUserLen, MaxFileNameLen, MaxContentTypeLen: размеры столбцов protection_requests
	MaxUserLen        = 320
	MaxFileNameLen    = 1024
	MaxContentTypeLen = 255
	// DefaultContentType: MIME-тип, если клиент его не указал
	DefaultContentType = "application/octet-stream"
)

// ProtectionRequest: запрос на защиту документа.
// Хранится в таблице protection_requests.
type ProtectionRequest struct {
	// ID: UUID запроса, назначается при создании и не меняется
	ID string
	// User: email пользователя, для которого защищается документ
	User string
	// URL: адрес исходного документа (взаимоисключающий с загрузкой)
	URL string
	// FileName: имя файла, пробелы заменены на "_"
	FileName string
	// ContentType: MIME-тип документа
	ContentType string
	// Size: заявленный или фактический размер в байтах
	Size *int64
	// Rights: набор прав, никогда не пустой
	Rights Rights
	// CorrelationID: идентификатор клиента, передаётся без изменений
	CorrelationID string
	// Status: текущий статус
	Status status.Status
	// StatusReason: причина ошибки (только для ERROR)
	StatusReason string
	// Version: счётчик оптимистичной блокировки
	Version int64
	// CreatedAt: время создания записи
	CreatedAt time.Time
	// UpdatedAt: время последнего обновления
	UpdatedAt time.Time
}

// NewProtectionRequest создаёт запрос в статусе PROCESSING с правами
// по умолчанию.
func NewProtectionRequest(user, fileName string) *ProtectionRequest {
	r := &ProtectionRequest{
		User:   strings.TrimSpace(user),
		Rights: DefaultRights(),
		Status: status.Processing,
	}
	r.SetFileName(fileName)
	return r
}

// SetFileName сохраняет имя файла, заменяя пробелы на "_".
func (r *ProtectionRequest) SetFileName(name string) {
	r.FileName = NormalizeFileName(name)
}

// SetRights заменяет набор прав. Пустой набор игнорируется.
func (r *ProtectionRequest) SetRights(rights Rights) {
	if len(rights) == 0 {
		return
	}
	r.Rights = rights
}

// NormalizeFileName заменяет пробелы на "_".
func NormalizeFileName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// ReconcileSize сверяет фактический размер с заявленным.
// Если размер не задан, он принимается из наблюдения.
// Расхождение возвращает *SizeMismatchError, Size при этом не меняется.
func (r *ProtectionRequest) ReconcileSize(actual int64) error {
	if r.Size == nil {
		size := actual
		r.Size = &size
		return nil
	}
	if *r.Size != actual {
		return &SizeMismatchError{Declared: *r.Size, Actual: actual}
	}
	return nil
}

// Complete переводит запрос в COMPLETE.
func (r *ProtectionRequest) Complete() error {
	next, err := status.Transition(r.Status, status.Complete)
	if err != nil {
		return err
	}
	r.Status = next
	r.StatusReason = ""
	return nil
}

// Fail переводит запрос в ERROR с указанной причиной.
func (r *ProtectionRequest) Fail(reason string) error {
	next, err := status.Transition(r.Status, status.Error)
	if err != nil {
		return err
	}
	r.Status = next
	r.StatusReason = TruncateReason(reason)
	return nil
}

// Validate проверяет поля запроса перед сохранением.
// hasUpload сообщает, что вместе с запросом передано содержимое.
func (r *ProtectionRequest) Validate(hasUpload bool) error {
	if r.User == "" {
		return &ValidationError{Field: "user", Message: "поле обязательно"}
	}
	if err := checkLen("user", r.User, MaxUserLen); err != nil {
		return err
	}
	addr, err := mail.ParseAddress(r.User)
	if err != nil || addr.Address != r.User {
		return &ValidationError{Field: "user", Message: fmt.Sprintf("некорректный email %q", r.User)}
	}

	switch {
	case hasUpload && r.URL != "":
		return &ValidationError{Field: "url", Message: "указан и url, и загружаемый файл"}
	case !hasUpload && r.URL == "":
		return &ValidationError{Field: "url", Message: "не указан ни url, ни загружаемый файл"}
	case r.URL != "":
		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "url", Message: fmt.Sprintf("url %q должен быть http(s) адресом", r.URL)}
		}
	}

	if r.FileName == "" {
		return &ValidationError{Field: "fileName", Message: "поле обязательно"}
	}
	if err := checkLen("fileName", r.FileName, MaxFileNameLen); err != nil {
		return err
	}
	if strings.ContainsAny(r.FileName, `/\`) || r.FileName == "." || r.FileName == ".." {
		return &ValidationError{Field: "fileName", Message: fmt.Sprintf("недопустимое имя файла %q", r.FileName)}
	}
	if err := checkLen("correlationId", r.CorrelationID, MaxCorrelationIDLen); err != nil {
		return err
	}
	if err := checkLen("contentType", r.ContentType, MaxContentTypeLen); err != nil {
		return err
	}
	if r.Size != nil && *r.Size < 0 {
		return &ValidationError{Field: "size", Message: "размер не может быть отрицательным"}
	}
	if len(r.Rights) == 0 {
		return &ValidationError{Field: "rights", Message: "набор прав пуст"}
	}
	return nil
}

func checkLen(field, value string, limit int) error {
	if utf8.RuneCountInString(value) > limit {
		return &ValidationError{Field: field, Message: fmt.Sprintf("длина превышает %d символов", limit)}
	}
	return nil
}

// TruncateReason обрезает причину ошибки до MaxStatusReasonLen символов.
func TruncateReason(reason string) string {
	if utf8.RuneCountInString(reason) <= MaxStatusReasonLen {
		return reason
	}
	runes := []rune(reason)
	return string(runes[:MaxStatusReasonLen])
}

// --- Права ---

// Right: право доступа к защищённому документу.
type Right string

// RightRead: право на чтение.
const RightRead Right = "READ"

var knownRights = map[Right]bool{RightRead: true}

// Rights: упорядоченный набор прав без повторов.
type Rights []Right

// DefaultRights возвращает набор {READ}.
func DefaultRights() Rights {
	return Rights{RightRead}
}

// ParseRights разбирает права, разделённые запятыми.
// Пустая строка даёт набор по умолчанию.
func ParseRights(s string) (Rights, error) {
	seen := make(map[Right]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		right := Right(part)
		if !knownRights[right] {
			return nil, &ValidationError{Field: "rights", Message: fmt.Sprintf("неизвестное право %q", part)}
		}
		seen[right] = true
	}
	if len(seen) == 0 {
		return DefaultRights(), nil
	}
	rights := make(Rights, 0, len(seen))
	for right := range seen {
		rights = append(rights, right)
	}
	slices.Sort(rights)
	return rights, nil
}

// String возвращает права через запятую.
func (r Rights) String() string {
	parts := make([]string, len(r))
	for i, right := range r {
		parts[i] = string(right)
	}
	return strings.Join(parts, ",")
}

// --- Ошибки ---

// ValidationError: ошибка валидации поля запроса.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// SizeMismatchError: заявленный размер не совпал с фактическим.
type SizeMismatchError struct {
	Declared int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("declared file size %d does not match actual file size %d", e.Declared, e.Actual)
}
