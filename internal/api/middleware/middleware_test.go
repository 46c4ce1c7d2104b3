package middleware

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func generateTestToken(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func buildJWKSetJSON(pub *rsa.PublicKey) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	data, _ := json.Marshal(jwks)
	return data
}

func newTestJWTAuth(t *testing.T) (*JWTAuth, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey))
	if err != nil {
		t.Fatalf("keyfunc из JWKS JSON: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, 0, testLogger()), key
}

func validClaims(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestJWTAuth_ValidToken(t *testing.T) {
	auth, key := newTestJWTAuth(t)

	var gotSub string
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSub = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/protection", nil)
	req.Header.Set("Authorization", "Bearer "+generateTestToken(t, key, validClaims("svc-client")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
	if gotSub != "svc-client" {
		t.Errorf("sub = %q, ожидается svc-client", gotSub)
	}
}

func TestJWTAuth_Rejected(t *testing.T) {
	auth, key := newTestJWTAuth(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	expired := validClaims("svc-client")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noExp := validClaims("svc-client")
	noExp.ExpiresAt = nil

	tests := []struct {
		name   string
		header string
	}{
		{name: "нет заголовка", header: ""},
		{name: "не Bearer", header: "Basic dXNlcjpwYXNz"},
		{name: "пустой токен", header: "Bearer "},
		{name: "мусор", header: "Bearer not-a-jwt"},
		{name: "просрочен", header: "Bearer " + generateTestToken(t, key, expired)},
		{name: "без exp", header: "Bearer " + generateTestToken(t, key, noExp)},
		{name: "без sub", header: "Bearer " + generateTestToken(t, key, validClaims(""))},
		{name: "чужой ключ", header: "Bearer " + generateTestToken(t, otherKey, validClaims("svc-client"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler не должен быть вызван")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/protection", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("ожидался статус 401, получен %d", rec.Code)
			}
			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Error.Code != "UNAUTHORIZED" {
				t.Errorf("тело ответа: %+v, %v", body, err)
			}
		})
	}
}

func TestWithExclusions(t *testing.T) {
	auth, _ := newTestJWTAuth(t)
	mw := WithExclusions(auth.Middleware(), "/health/", "/metrics")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		path string
		want int
	}{
		{"/health/live", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/protection", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s: статус %d, ожидается %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/protection", "/api/v1/protection"},
		{"/api/v1/protection/", "/api/v1/protection/"},
		{"/api/v1/protection/upload", "/api/v1/protection/upload"},
		{"/api/v1/protection/0b7e7a52-6f0b-4d8e-9a57-5b0d1c2e3f40", "/api/v1/protection/{id}"},
		{"/artifacts/artifactrepository/id/a.docx", "/artifacts/*"},
		{"/health/ready", "/health/ready"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, ожидается %q", tt.path, got, tt.want)
		}
	}
}

func TestRequestLogger_LevelByStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/protection/x", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("лог не JSON: %v (%s)", err, buf.String())
	}
	if entry["level"] != "WARN" || entry["status"] != float64(404) || entry["bytes"] != float64(7) {
		t.Errorf("запись лога: %v", entry)
	}
	if !strings.Contains(buf.String(), `"component":"http"`) {
		t.Error("нет component=http")
	}
}
