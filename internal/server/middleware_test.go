package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/casarerpa/orchestrator/internal/auth"
	"github.com/casarerpa/orchestrator/internal/logging"
)

func TestBearerTokenMiddleware_NoHeaderPassesThroughAnonymous(t *testing.T) {
	validator := auth.NewJWTValidator("test-secret")
	var sawPrincipal bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawPrincipal = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	bearerTokenMiddleware(validator)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sawPrincipal {
		t.Fatal("expected no principal on anonymous request")
	}
}

func TestBearerTokenMiddleware_ValidTokenAttachesPrincipal(t *testing.T) {
	validator := auth.NewJWTValidator("test-secret")
	token, err := validator.Issue("submitter-1", []string{"operator"}, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	var resolved auth.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolved, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	bearerTokenMiddleware(validator)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resolved.Subject != "submitter-1" {
		t.Fatalf("expected subject submitter-1, got %q", resolved.Subject)
	}
	if !resolved.HasRole("operator") {
		t.Fatalf("expected operator role, got %v", resolved.Roles)
	}
}

func TestBearerTokenMiddleware_InvalidTokenRejected(t *testing.T) {
	validator := auth.NewJWTValidator("test-secret")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run for an invalid token")
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	bearerTokenMiddleware(validator)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header on rejected token")
	}
}

func TestRequirePrincipal_RejectsWhenMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	rec := httptest.NewRecorder()

	_, ok := requirePrincipal(rec, req)
	if ok {
		t.Fatal("expected requirePrincipal to reject a request with no principal")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequirePrincipal_AcceptsWhenPresent(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	want := auth.Principal{Subject: "submitter-1", Roles: []string{"operator"}}
	req = req.WithContext(withPrincipal(req.Context(), want))
	rec := httptest.NewRecorder()

	got, ok := requirePrincipal(rec, req)
	if !ok {
		t.Fatal("expected requirePrincipal to accept a request with a principal")
	}
	if got.Subject != want.Subject {
		t.Fatalf("expected subject %q, got %q", want.Subject, got.Subject)
	}
}

func TestCorsMiddleware_AllowsAllWhenUnconfigured(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Origin", "https://anything.example")
	rec := httptest.NewRecorder()

	corsMiddleware(nil)(next).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
}

func TestCorsMiddleware_EchoesAllowedOrigin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := httptest.NewRecorder()

	corsMiddleware([]string{"https://allowed.example"})(next).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://allowed.example" {
		t.Fatalf("expected allowed origin echoed, got %q", got)
	}
}

func TestCorsMiddleware_RejectsUnlistedOrigin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()

	corsMiddleware([]string{"https://allowed.example"})(next).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin header for unlisted origin, got %q", got)
	}
}

func TestCorsMiddleware_PreflightShortCircuits(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run for an OPTIONS preflight")
	})
	req := httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	rec := httptest.NewRecorder()

	corsMiddleware(nil)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestRecoveryMiddleware_CatchesPanic(t *testing.T) {
	logger := logging.NewSilentLogger()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	recoveryMiddleware(logger)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestCorrelationIDMiddleware_GeneratesWhenMissing(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()

	correlationIDMiddleware(next).ServeHTTP(rec, req)

	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("expected a generated correlation ID")
	}
}

func TestCorrelationIDMiddleware_PreservesRequestID(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	rec := httptest.NewRecorder()

	correlationIDMiddleware(next).ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "caller-supplied-id" {
		t.Fatalf("expected caller-supplied ID preserved, got %q", got)
	}
}
