// Package response provides JSON response helpers for the worker's HTTP
// handlers.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/jinnlabs/jinn-worker/internal/pkg/apierror"
)

// ErrorBody is the wire shape of every error response: a human message
// plus a stable machine code.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"Failed to encode response","code":"INTERNAL_ERROR"}`, http.StatusInternalServerError)
	}
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Error writes an error response, mapping unknown errors to 500.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierror.AsAPIError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	json.NewEncoder(w).Encode(ErrorBody{Error: apiErr.Message, Code: apiErr.Code})
}

// Unauthorized writes the 401 error response.
func Unauthorized(w http.ResponseWriter) {
	Error(w, apierror.ErrUnauthorized)
}

// BadRequest writes a 400 error response with a custom message.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, apierror.ErrBadRequest.WithMessage(message))
}

// NotFound writes the 404 error response.
func NotFound(w http.ResponseWriter) {
	Error(w, apierror.ErrNotFound)
}
