// client.go: обмен client credentials на токен сервиса защиты.
// POST {authority}/oauth2/token, grant_type=client_credentials,
// resource = базовый URL сервиса защиты.
package aad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Client выполняет client credentials flow против authority.
type Client struct {
	tokenEndpoint string
	endpointErr   error
	clientID      string
	clientSecret  string
	resource      string
	timeout       time.Duration

	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient создаёт клиент authority.
// authorityURL: базовый хост плюс tenant (https://login.microsoftonline.com/contoso).
// resource: базовый URL сервиса защиты.
// timeout ограничивает один обмен целиком.
func NewClient(authorityURL, clientID, clientSecret, resource string, timeout time.Duration, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	endpoint, err := tokenEndpoint(authorityURL)
	return &Client{
		tokenEndpoint: endpoint,
		endpointErr:   err,
		clientID:      clientID,
		clientSecret:  clientSecret,
		resource:      resource,
		timeout:       timeout,
		httpClient:    httpClient,
		logger:        logger.With(slog.String("component", "aad_client")),
	}
}

// tokenEndpoint проверяет authority и строит адрес token endpoint.
func tokenEndpoint(authorityURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(authorityURL, "/"))
	if err != nil {
		return "", fmt.Errorf("malformed authority URL %q: %w", authorityURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("malformed authority URL %q", authorityURL)
	}
	return u.String() + "/oauth2/token", nil
}

// Exchange запрашивает новый токен. Любая ошибка возвращается как *AuthError.
func (c *Client) Exchange(ctx context.Context) (Token, error) {
	if c.endpointErr != nil {
		return Token{}, &AuthError{Op: "authority", Err: c.endpointErr}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := c.requestToken(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Token{}, &AuthError{Op: "exchange", Err: fmt.Errorf("token request timed out after %s: %w", c.timeout, err)}
		}
		return Token{}, &AuthError{Op: "exchange", Err: err}
	}

	expiresAt, err := resp.expiresAt(started)
	if err != nil {
		return Token{}, &AuthError{Op: "decode", Err: err}
	}

	c.logger.Debug("Токен сервиса защиты получен",
		slog.Time("expires_at", expiresAt),
	)
	return Token{Value: resp.AccessToken, ExpiresAt: expiresAt}, nil
}

func (c *Client) requestToken(ctx context.Context) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"resource":      {c.resource},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("authority returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("authority returned an empty access token")
	}
	return &token, nil
}

// TokenResponse: ответ token endpoint.
// expires_in и expires_on приходят то числом, то строкой.
type TokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
	ExpiresOn   json.Number `json:"expires_on"`
}

// expiresAt вычисляет момент истечения: expires_in от начала запроса,
// затем expires_on (unix-время), затем claim exp самого токена.
func (r *TokenResponse) expiresAt(requestedAt time.Time) (time.Time, error) {
	if r.ExpiresIn != "" {
		secs, err := r.ExpiresIn.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid expires_in %q: %w", r.ExpiresIn, err)
		}
		return requestedAt.Add(time.Duration(secs) * time.Second), nil
	}
	if r.ExpiresOn != "" {
		unix, err := r.ExpiresOn.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid expires_on %q: %w", r.ExpiresOn, err)
		}
		return time.Unix(unix, 0), nil
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(r.AccessToken, &claims); err != nil {
		return time.Time{}, fmt.Errorf("token response has no expiry and token is not a JWT: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token response has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}
