// Package response provides shared response helpers for HTTP handlers.
package response

import (
	"encoding/json"
	"net/http"
)

// ExceptionHeader carries a short failure reason on error responses.
const ExceptionHeader = "X-Exception"

// JSON writes a JSON-encoded payload with the given HTTP status code.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// OK writes a 200 JSON response.
func OK(w http.ResponseWriter, payload interface{}) {
	JSON(w, http.StatusOK, payload)
}

// Exception writes an empty response with status and an X-Exception reason.
func Exception(w http.ResponseWriter, status int, reason string) {
	w.Header().Set(ExceptionHeader, reason)
	w.WriteHeader(status)
}

// BadRequest writes a 400 with reason.
func BadRequest(w http.ResponseWriter, reason string) {
	Exception(w, http.StatusBadRequest, reason)
}

// Unauthorized writes the 401 every signature failure gets.
func Unauthorized(w http.ResponseWriter) {
	Exception(w, http.StatusUnauthorized, "Authorization failed")
}

// NotFound writes an empty 404.
func NotFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
}

// InternalError writes a 500 with reason.
func InternalError(w http.ResponseWriter, reason string) {
	Exception(w, http.StatusInternalServerError, reason)
}
