// links.go: ссылки в представлениях запросов.
// Ссылки на скачивание кэшируются в LRU с TTL
// (hashicorp/golang-lru/v2/expirable), ключ: id запроса.
package service

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/protection-module/internal/domain/model"
	"github.com/bigkaa/goartstore/protection-module/internal/domain/status"
)

// Prometheus-метрики кэша ссылок.
var (
	linkCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_link_cache_hits_total",
		Help: "Попадания в кэш ссылок на артефакты.",
	})
	linkCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_link_cache_misses_total",
		Help: "Промахи кэша ссылок на артефакты.",
	})
)

// URIResolver возвращает публичный адрес артефакта.
type URIResolver interface {
	URI(requestID, fileName string) string
}

// LinkCache строит представления запросов со ссылками.
type LinkCache struct {
	resolver   URIResolver
	selfPrefix string
	cache      *expirable.LRU[string, string]
}

// NewLinkCache создаёт кэш. selfPrefix: путь коллекции запросов,
// например "/api/v1/protection".
func NewLinkCache(resolver URIResolver, selfPrefix string, size int, ttl time.Duration) *LinkCache {
	return &LinkCache{
		resolver:   resolver,
		selfPrefix: strings.TrimRight(selfPrefix, "/"),
		cache:      expirable.NewLRU[string, string](size, nil, ttl),
	}
}

// SelfHref возвращает ссылку на запрос.
func (l *LinkCache) SelfHref(id string) string {
	return l.selfPrefix + "/" + id
}

// DownloadHref возвращает адрес артефакта для запроса в статусе COMPLETE
// и пустую строку для остальных.
func (l *LinkCache) DownloadHref(r *model.ProtectionRequest) string {
	if r.Status != status.Complete {
		return ""
	}
	if href, ok := l.cache.Get(r.ID); ok {
		linkCacheHitsTotal.Inc()
		return href
	}
	linkCacheMissesTotal.Inc()

	href := l.resolver.URI(r.ID, r.FileName)
	l.cache.Add(r.ID, href)
	return href
}

// View строит внешнее представление запроса.
func (l *LinkCache) View(r *model.ProtectionRequest) model.ProtectionRequestView {
	return model.NewView(r, l.SelfHref(r.ID), l.DownloadHref(r))
}

// Forget удаляет ссылку из кэша.
func (l *LinkCache) Forget(id string) {
	l.cache.Remove(id)
}
