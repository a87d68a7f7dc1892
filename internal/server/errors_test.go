package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/casarerpa/orchestrator/internal/errs"
)

func TestWriteStoreError_MapsKindsToStatusCodes(t *testing.T) {
	cases := []struct {
		kind   errs.Kind
		status int
	}{
		{errs.NotFound, http.StatusNotFound},
		{errs.Invalid, http.StatusBadRequest},
		{errs.Duplicate, http.StatusConflict},
		{errs.StaleTransition, http.StatusConflict},
		{errs.Cancelled, http.StatusConflict},
		{errs.Fatal, http.StatusInternalServerError},
	}

	for _, c := range cases {
		rec := httptest.NewRecorder()
		writeStoreError(rec, errs.New(c.kind, "boom"))
		if rec.Code != c.status {
			t.Errorf("kind %s: expected status %d, got %d", c.kind, c.status, rec.Code)
		}

		var resp ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("kind %s: invalid JSON body: %v", c.kind, err)
		}
		if resp.Code != string(c.kind) {
			t.Errorf("kind %s: expected code %q in body, got %q", c.kind, c.kind, resp.Code)
		}
	}
}

func TestWriteStoreError_UnclassifiedErrorIsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeStoreError(rec, errors.New("unwrapped failure"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for an unclassified error, got %d", rec.Code)
	}
}
