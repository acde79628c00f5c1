package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/storage"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusAccepted, map[string]string{"id": "a&b<c>"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "{\"id\":\"a&b<c>\"}\n", rec.Body.String())

	rec = httptest.NewRecorder()
	WriteOK(rec, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestWriteErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		write  func(http.ResponseWriter, string, string)
		status int
	}{
		{name: "bad request", write: WriteBadRequest, status: http.StatusBadRequest},
		{name: "not found", write: WriteNotFound, status: http.StatusNotFound},
		{name: "unavailable", write: WriteServiceUnavailable, status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			tt.write(rec, "code", "msg")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, ErrorDetail{Code: "code", Message: "msg"}, decodeError(t, rec))
		})
	}
}

func TestWriteStorageError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("aws/object-storage/x: %w", storage.ErrNotFound), http.StatusNotFound, "not_found"},
		{storage.ErrInvalidCursor, http.StatusBadRequest, "invalid_cursor"},
		{fmt.Errorf("disk full"), http.StatusInternalServerError, "storage_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			WriteStorageError(rec, tt.err)
			assert.Equal(t, tt.status, rec.Code)
			got := decodeError(t, rec)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.err.Error(), got.Message)
		})
	}
}

func TestWriteNoContent(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	WriteNoContent(rec)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}
