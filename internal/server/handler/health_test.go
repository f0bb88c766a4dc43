package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

func runHealth(t *testing.T, probes map[string]Pinger) *httptest.ResponseRecorder {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHealthHandler(probes, logger)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, req)
	return rec
}

func TestHealthAllBackendsUp(t *testing.T) {
	rec := runHealth(t, map[string]Pinger{
		"postgres": stubPinger{},
		"redis":    stubPinger{},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Backends["postgres"] != "ok" || body.Backends["redis"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
}

func TestHealthFailingBackendDegrades(t *testing.T) {
	rec := runHealth(t, map[string]Pinger{
		"postgres": stubPinger{},
		"redis":    stubPinger{err: errors.New("connection refused")},
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var body struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("status field = %s, want degraded", body.Status)
	}
	if body.Backends["postgres"] != "ok" || body.Backends["redis"] != "connection refused" {
		t.Fatalf("backends = %v", body.Backends)
	}
}

func TestHealthNoProbes(t *testing.T) {
	if rec := runHealth(t, nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with no probes", rec.Code)
	}
}
