package model

import (
	"time"

	"github.com/bigkaa/goartstore/protection-module/internal/domain/status"
)

// Link: ссылка в представлении запроса.
type Link struct {
	Href string `json:"href"`
}

// Links: набор ссылок: self всегда, download только для COMPLETE.
type Links struct {
	Self     Link  `json:"self"`
	Download *Link `json:"download,omitempty"`
}

// ProtectionRequestView: внешнее JSON-представление запроса.
// Используется в ответах API и в событиях о завершении.
type ProtectionRequestView struct {
	ID            string    `json:"id"`
	User          string    `json:"user"`
	URL           string    `json:"url,omitempty"`
	FileName      string    `json:"fileName"`
	ContentType   string    `json:"contentType,omitempty"`
	Size          *int64    `json:"size,omitempty"`
	Rights        string    `json:"rights"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Status        string    `json:"status"`
	StatusReason  string    `json:"statusReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Links         Links     `json:"_links"`
}

// NewView строит представление запроса. downloadHref учитывается
// только для запросов в статусе COMPLETE.
func NewView(r *ProtectionRequest, selfHref, downloadHref string) ProtectionRequestView {
	v := ProtectionRequestView{
		ID:            r.ID,
		User:          r.User,
		URL:           r.URL,
		FileName:      r.FileName,
		ContentType:   r.ContentType,
		Size:          r.Size,
		Rights:        r.Rights.String(),
		CorrelationID: r.CorrelationID,
		Status:        string(r.Status),
		StatusReason:  r.StatusReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Links:         Links{Self: Link{Href: selfHref}},
	}
	if r.Status == status.Complete && downloadHref != "" {
		v.Links.Download = &Link{Href: downloadHref}
	}
	return v
}
