package server

import (
	"net/http"

	"github.com/casarerpa/orchestrator/internal/errs"
)

// writeStoreError maps a core *errs.Error to the appropriate HTTP status,
// so handlers never have to repeat this switch themselves.
func writeStoreError(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.NotFound:
		WriteErrorWithCode(w, http.StatusNotFound, err.Error(), string(errs.NotFound))
	case errs.Invalid:
		WriteErrorWithCode(w, http.StatusBadRequest, err.Error(), string(errs.Invalid))
	case errs.Duplicate:
		WriteErrorWithCode(w, http.StatusConflict, err.Error(), string(errs.Duplicate))
	case errs.StaleTransition:
		WriteErrorWithCode(w, http.StatusConflict, err.Error(), string(errs.StaleTransition))
	case errs.Cancelled:
		WriteErrorWithCode(w, http.StatusConflict, err.Error(), string(errs.Cancelled))
	default:
		WriteErrorWithCode(w, http.StatusInternalServerError, err.Error(), string(errs.KindOf(err)))
	}
}
