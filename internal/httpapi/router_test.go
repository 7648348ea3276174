package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/svc"
)

func newTestServer(t *testing.T) (http.Handler, *svc.ServiceContext) {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte(""))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	cfg.DataDir = t.TempDir()
	cfg.BackupDir = t.TempDir()
	cfg.ProposalsDir = t.TempDir()
	cfg.Admin.JWTSecret = "test-secret"

	reg := prometheus.NewRegistry()
	s, err := svc.New(cfg, svc.Options{Registerer: reg})
	if err != nil {
		t.Fatalf("svc.New: %v", err)
	}
	t.Cleanup(s.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h := newWithRegisterer(s, reg)
	return h, s
}

func TestSubmitAndGetTask(t *testing.T) {
	h, _ := newTestServer(t)

	body, _ := json.Marshal(submitTaskRequest{Description: "do the thing", Priority: "normal"})
	req := httptest.NewRequest(http.MethodPost, "/tasks/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit task status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("created task missing id: %v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/tasks/"+id, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get task status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitTaskValidationError(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/tasks/", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an empty description, got %d", rec.Code)
	}
}

func TestGetUnknownTaskNotFound(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdminEndpointRequiresBearerToken(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/tokens/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}
}

func TestAdminEndpointAcceptsValidSession(t *testing.T) {
	h, _ := newTestServer(t)

	token, err := NewAdminSession("test-secret", "operator", time.Minute)
	if err != nil {
		t.Fatalf("NewAdminSession: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/tokens/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid admin session, got %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSchemasAndHealingHistoryEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/schemas", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("schemas status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healing-history", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healing-history status = %d", rec.Code)
	}
}

func TestMetricsEndpointServesText(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}
