package server

import (
	"net/http/httptest"
	"testing"

	"github.com/buildtrace/buildtrace/internal/home"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	hd, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}
	s, err := New(Config{Home: hd})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNewDefaults(t *testing.T) {
	s := newTestServer(t)

	if got := s.Addr(); got != "127.0.0.1:8585" {
		t.Errorf("Addr() = %q, want 127.0.0.1:8585", got)
	}
	if s.IsRunning() {
		t.Error("server should not be running before Start")
	}
	if s.Registry() == nil {
		t.Error("provider registry should be constructed eagerly")
	}
}

func TestNewRequiresHome(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() without a home directory should fail")
	}
}

func TestHealthBeforeStart(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}
}

func TestInitGatedEndpointsReturn503BeforeStart(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/projects", "/api/jobs"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		s.httpServer.Handler.ServeHTTP(rec, req)

		if rec.Code != 503 {
			t.Errorf("GET %s = %d, want 503 before Start", path, rec.Code)
		}
	}
}

func TestReadyDegradedBeforeStart(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != 503 {
		t.Errorf("GET /ready = %d, want 503 before the store opens", rec.Code)
	}
}
