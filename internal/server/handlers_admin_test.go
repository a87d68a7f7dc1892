package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/casarerpa/orchestrator/internal/app"
	"github.com/casarerpa/orchestrator/internal/auth"
	"github.com/casarerpa/orchestrator/internal/config"
)

func newTestAdminServer(t *testing.T) *Server {
	t.Helper()
	hash, err := auth.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("unexpected error hashing password: %v", err)
	}

	cfg := config.NewDefaultConfig()
	cfg.Auth.AdminUser = "root"
	cfg.Auth.AdminPasswordHash = hash
	cfg.Auth.JWTSecret = "test-secret"

	a := &app.App{
		Config:       cfg,
		JWTValidator: auth.NewJWTValidator(cfg.Auth.JWTSecret),
		AdminAuth:    auth.NewAdminAuthenticator(cfg.Auth.AdminUser, cfg.Auth.AdminPasswordHash),
	}
	return &Server{app: a}
}

func TestHandleAdminLogin_CorrectCredentialsIssueToken(t *testing.T) {
	s := newTestAdminServer(t)

	body, _ := json.Marshal(adminLoginRequest{User: "root", Password: "correct-horse"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.handleAdminLogin(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp adminLoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected a non-empty token")
	}

	principal, err := s.app.JWTValidator.Validate(resp.Token)
	if err != nil {
		t.Fatalf("issued token failed to validate: %v", err)
	}
	if !principal.HasRole("admin") {
		t.Fatalf("expected admin role, got %v", principal.Roles)
	}
}

func TestHandleAdminLogin_WrongPasswordRejected(t *testing.T) {
	s := newTestAdminServer(t)

	body, _ := json.Marshal(adminLoginRequest{User: "root", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.handleAdminLogin(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleAdminLogin_RejectsNonPostMethod(t *testing.T) {
	s := newTestAdminServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/login", nil)
	rec := httptest.NewRecorder()

	s.handleAdminLogin(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleAdminLogin_RejectsMalformedBody(t *testing.T) {
	s := newTestAdminServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	s.handleAdminLogin(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
