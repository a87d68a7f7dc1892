package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireMethod_AllowsMatchingMethod(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	rec := httptest.NewRecorder()

	if !RequireMethod(rec, req, http.MethodPost, http.MethodPut) {
		t.Fatal("expected matching method to be allowed")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected no response written, status defaulted to %d", rec.Code)
	}
}

func TestRequireMethod_RejectsMismatchedMethod(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/jobs", nil)
	rec := httptest.NewRecorder()

	if RequireMethod(rec, req, http.MethodPost, http.MethodPut) {
		t.Fatal("expected mismatched method to be rejected")
	}
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec.Header().Get("Allow") != "POST, PUT" {
		t.Fatalf("expected Allow header to list permitted methods, got %q", rec.Header().Get("Allow"))
	}
}
