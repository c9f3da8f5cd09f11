package httpx

import (
	"encoding/json"
	"net/http"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteError writes a JSON error response with a consistent shape:
// {"error": {"code":"...","message":"..."}}
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteTypedError(w, statusCode, http.StatusText(statusCode), message, nil)
}

// WriteTypedError writes a JSON error with explicit code and optional
// details.
func WriteTypedError(w http.ResponseWriter, statusCode int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": ErrorPayload{Code: code, Message: message, Details: details}})
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
