package controlapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/blockdkit/blockdkit/pkg/plugin/memory"
)

func newTestRouter(t *testing.T, secret string) http.Handler {
	t.Helper()
	top, err := memory.New(map[string]string{"size": "65536"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	return NewRouter(top, Config{JWTSecret: secret}, nil)
}

func signToken(t *testing.T, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func TestHealthz_Unauthenticated(t *testing.T) {
	router := newTestRouter(t, "this-is-a-32-byte-test-secret!!")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthzReady_OpensAndClosesPipeline(t *testing.T) {
	router := newTestRouter(t, "")
	req := httptest.NewRequest(http.MethodGet, "/healthz/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestV1Exports_RequiresBearerToken(t *testing.T) {
	router := newTestRouter(t, "this-is-a-32-byte-test-secret!!")
	req := httptest.NewRequest(http.MethodGet, "/v1/exports", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestV1Exports_AcceptsValidToken(t *testing.T) {
	secret := "this-is-a-32-byte-test-secret!!"
	router := newTestRouter(t, secret)

	req := httptest.NewRequest(http.MethodGet, "/v1/exports", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, secret))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestV1Exports_RejectsTamperedToken(t *testing.T) {
	secret := "this-is-a-32-byte-test-secret!!"
	router := newTestRouter(t, secret)

	req := httptest.NewRequest(http.MethodGet, "/v1/exports", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret-wrong-secret-wrong!"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a token signed with the wrong secret, got %d", rec.Code)
	}
}

func TestV1Backends_NoAuthRequiredWhenSecretEmpty(t *testing.T) {
	router := newTestRouter(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/backends", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetrics_Served(t *testing.T) {
	router := newTestRouter(t, "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
