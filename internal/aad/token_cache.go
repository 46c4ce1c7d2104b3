package aad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin: токен, которому осталось жить меньше, считается истёкшим.
const DefaultRefreshMargin = 10 * time.Second

var tokenRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pm_token_requests_total",
		Help: "Обращения к кэшу токена сервиса защиты по результату.",
	},
	[]string{"result"},
)

// Token: bearer-токен сервиса защиты.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// ExpiresAtMillis возвращает момент истечения в миллисекундах unix-времени.
func (t Token) ExpiresAtMillis() int64 {
	return t.ExpiresAt.UnixMilli()
}

// usable сообщает, что токен проживёт дольше margin.
func (t Token) usable(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Add(margin).Before(t.ExpiresAt)
}

// Exchanger получает новый токен у authority.
type Exchanger interface {
	Exchange(ctx context.Context) (Token, error)
}

// TokenCache хранит не более одного токена и обновляет его по требованию.
// Параллельные обновления схлопываются в один сетевой запрос.
type TokenCache struct {
	exchanger Exchanger
	margin    time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.RWMutex
	token Token

	refresh singleflight.Group
}

// CacheOption настраивает TokenCache.
type CacheOption func(*TokenCache)

// WithRefreshMargin задаёт запас до истечения токена.
func WithRefreshMargin(margin time.Duration) CacheOption {
	return func(c *TokenCache) { c.margin = margin }
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) CacheOption {
	return func(c *TokenCache) { c.now = now }
}

// NewTokenCache создаёт пустой кэш поверх exchanger.
func NewTokenCache(exchanger Exchanger, logger *slog.Logger, opts ...CacheOption) *TokenCache {
	c := &TokenCache{
		exchanger: exchanger,
		margin:    DefaultRefreshMargin,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "token_cache")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetToken возвращает закэшированный токен, если он проживёт дольше
// запаса, иначе получает новый. При ошибке кэш не меняется.
func (c *TokenCache) GetToken(ctx context.Context) (Token, error) {
	if tok, ok := c.cached(); ok {
		tokenRequestsTotal.WithLabelValues("cache_hit").Inc()
		return tok, nil
	}

	ch := c.refresh.DoChan("token", func() (any, error) {
		// Другой вызов мог обновить токен, пока мы ждали
		if tok, ok := c.cached(); ok {
			return tok, nil
		}

		// Обмен не должен обрываться из-за отмены контекста первого вызывающего
		tok, err := c.exchanger.Exchange(context.WithoutCancel(ctx))
		if err != nil {
			return Token{}, err
		}

		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()

		c.logger.Info("Токен сервиса защиты обновлён",
			slog.Time("expires_at", tok.ExpiresAt),
		)
		return tok, nil
	})

	select {
	case <-ctx.Done():
		tokenRequestsTotal.WithLabelValues("error").Inc()
		return Token{}, &AuthError{Op: "wait", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			tokenRequestsTotal.WithLabelValues("error").Inc()
			c.logger.Warn("Не удалось получить токен сервиса защиты",
				slog.String("error", res.Err.Error()),
			)
			var ae *AuthError
			if errors.As(res.Err, &ae) {
				return Token{}, ae
			}
			return Token{}, &AuthError{Op: "exchange", Err: res.Err}
		}
		tokenRequestsTotal.WithLabelValues("refreshed").Inc()
		return res.Val.(Token), nil
	}
}

func (c *TokenCache) cached() (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token.usable(c.now(), c.margin) {
		return c.token, true
	}
	return Token{}, false
}

// AuthError: не удалось получить токен.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication %s failed: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
