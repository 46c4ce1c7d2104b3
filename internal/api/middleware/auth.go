// auth.go: JWT middleware для аутентификации клиентов API.
// RS256 + JWKS (keyfunc/jwkset). Авторизация по ролям и scopes
// не выполняется: достаточно валидного токена с sub.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/protection-module/internal/api/errors"
)

type contextKey string

// ContextKeySubject: ключ sub из JWT в контексте запроса.
const ContextKeySubject contextKey = "jwt_subject"

// Claims: claims JWT клиента. Используется только sub.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTAuth: middleware JWT-аутентификации.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	jwtLeeway time.Duration
	logger    *slog.Logger
}

// JWTAuthConfig: параметры JWT middleware.
type JWTAuthConfig struct {
	JWKSURL         string
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	JWTLeeway       time.Duration
}

// NewJWTAuth создаёт middleware с JWKS, обновляемым в фоне.
// Старт не требует доступности JWKS endpoint.
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: authCfg.ClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           authCfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", authCfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewJWTAuthWithKeyfunc(k, authCfg.JWTLeeway, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт middleware с готовой keyfunc.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, jwtLeeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:      kf,
		jwtLeeway: jwtLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware проверяет Bearer token и помещает sub в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()),
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext возвращает sub из контекста или пустую строку.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	return subject
}

// WithExclusions пропускает запросы к путям с указанными префиксами мимо mw.
func WithExclusions(mw func(http.Handler) http.Handler, excludePrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		protected := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			protected.ServeHTTP(w, r)
		})
	}
}
