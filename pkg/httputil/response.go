// Package httputil writes the JSON responses of the /_cloudemu admin API.
//
// Every error body has the same envelope:
//
//	{"error": {"code": "not_found", "message": "..."}}
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloudemu/cloudemu/pkg/storage"
)

// ErrorDetail is the payload of an error envelope.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// WriteJSON writes v as the body of a status response. A nil v writes no
// body. HTML characters are left unescaped so object keys read as stored.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func WriteOK(w http.ResponseWriter, v any) { WriteJSON(w, http.StatusOK, v) }

func WriteNoContent(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) }

func WriteBadRequest(w http.ResponseWriter, code, message string) {
	WriteError(w, http.StatusBadRequest, code, message)
}

func WriteNotFound(w http.ResponseWriter, code, message string) {
	WriteError(w, http.StatusNotFound, code, message)
}

func WriteServiceUnavailable(w http.ResponseWriter, code, message string) {
	WriteError(w, http.StatusServiceUnavailable, code, message)
}

// WriteStorageError maps a storage failure to its admin response. Unknown
// errors are reported as 500 storage_error.
func WriteStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrInvalidCursor):
		WriteError(w, http.StatusBadRequest, "invalid_cursor", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "storage_error", err.Error())
	}
}
