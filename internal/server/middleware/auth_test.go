package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func authedStatus(t *testing.T, apiKey string, decorate func(*http.Request)) int {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	Auth(apiKey)(next).ServeHTTP(rec, req)
	return rec.Code
}

func TestAuthDisabledWithEmptyKey(t *testing.T) {
	if got := authedStatus(t, "", nil); got != http.StatusOK {
		t.Fatalf("status = %d, want pass-through with no key", got)
	}
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	got := authedStatus(t, "sekret", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sekret")
	})
	if got != http.StatusOK {
		t.Fatalf("status = %d, want 200", got)
	}
}

func TestAuthAcceptsAPIKeyHeader(t *testing.T) {
	got := authedStatus(t, "sekret", func(r *http.Request) {
		r.Header.Set("X-API-Key", "sekret")
	})
	if got != http.StatusOK {
		t.Fatalf("status = %d, want 200", got)
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	if got := authedStatus(t, "sekret", nil); got != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", got)
	}
}

func TestAuthRejectsWrongToken(t *testing.T) {
	got := authedStatus(t, "sekret", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer nope")
	})
	if got != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", got)
	}
}
