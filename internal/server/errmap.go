package server

import (
	"errors"
	"net/http"

	"mos/storaged/internal/pools"
	"mos/storaged/pkg/httpx"
)

// writeEngineError maps the engine's closed error-kind enumeration to
// transport status codes. No substring matching anywhere.
func writeEngineError(w http.ResponseWriter, err error) {
	var pe *pools.Error
	if !errors.As(err, &pe) {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch pe.Kind {
	case pools.KindValidation:
		status = http.StatusBadRequest
	case pools.KindNotFound:
		status = http.StatusNotFound
	case pools.KindMount, pools.KindCommand, pools.KindProbe:
		status = http.StatusInternalServerError
	}
	var details any
	if pe.Stderr != "" {
		details = map[string]any{"stderr": pe.Stderr}
	}
	httpx.WriteTypedError(w, status, pe.Kind.String(), pe.Error(), details)
}
