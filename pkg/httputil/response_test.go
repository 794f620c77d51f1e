package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "success"}

	err := WriteJSON(w, http.StatusOK, data)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		msg    string
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "bad input") }, http.StatusBadRequest, "bad input"},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "token expired") }, http.StatusUnauthorized, "token expired"},
		{"forbidden", func(w http.ResponseWriter) { WriteForbidden(w, "forbidden") }, http.StatusForbidden, "forbidden"},
		{"not found", func(w http.ResponseWriter) { WriteNotFound(w, "not found") }, http.StatusNotFound, "not found"},
		{"conflict", func(w http.ResponseWriter) { WriteConflict(w, "version conflict") }, http.StatusConflict, "version conflict"},
		{"too many", func(w http.ResponseWriter) { WriteTooManyRequests(w, "slow down") }, http.StatusTooManyRequests, "slow down"},
		{"internal", func(w http.ResponseWriter) { WriteInternalError(w) }, http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			w.Header().Set(RequestIDHeader, "req-1")
			tt.write(w)

			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.msg, resp.Error)
			assert.Equal(t, "req-1", resp.RequestID)
		})
	}
}

func TestWriteUnauthorized_SetsChallenge(t *testing.T) {
	w := httptest.NewRecorder()
	WriteUnauthorized(w, "missing token")
	assert.Equal(t, `Bearer realm="clinicguard"`, w.Header().Get("WWW-Authenticate"))
}

func TestWriteRequestError(t *testing.T) {
	type body struct {
		Name  string `validate:"required"`
		Count int    `validate:"gte=1"`
	}

	t.Run("validation errors become details", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteRequestError(w, Validate(&body{}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decodeError(t, w)
		assert.Equal(t, "invalid request", resp.Error)
		assert.Equal(t, map[string]string{"name": "required", "count": "gte=1"}, resp.Details)
	})

	t.Run("plain errors keep their message", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteRequestError(w, fmt.Errorf("%w: limit must be positive", ErrInvalidRequest))

		resp := decodeError(t, w)
		assert.Equal(t, "invalid request: limit must be positive", resp.Error)
		assert.Empty(t, resp.Details)
	})
}

func TestWriteCreatedAndNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]string{"id": "p1"}))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestFieldErrors_NonValidation(t *testing.T) {
	assert.Nil(t, FieldErrors(errors.New("boom")))
}
