package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(http.StatusBadRequest, "BAD_SIGNATURE", "Webhook signature verification failed")
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)
	assert.Equal(t, "BAD_SIGNATURE", err.ErrorCode)
	assert.Equal(t, "Webhook signature verification failed", err.Error())
	assert.Nil(t, err.Details)
}

func TestNewWithDetails(t *testing.T) {
	err := NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", ValidationError{
		Field:   "licenseKey",
		Message: "must match the key pattern",
	})
	details, ok := err.Details.(ValidationError)
	require.True(t, ok)
	assert.Equal(t, "licenseKey", details.Field)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, BadSignatureError(assert.AnError))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "BAD_SIGNATURE", resp.Error.ErrorCode)
	assert.NotNil(t, resp.Error.Details)
}

func TestPredefinedErrors(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, ErrBadSignature.StatusCode)
	assert.Equal(t, http.StatusNotFound, ErrRegistryNotFound.StatusCode)
	assert.Equal(t, http.StatusInternalServerError, ErrEventProcessing.StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, ErrRateLimitExceeded.StatusCode)
}

func TestErrorResponseRenderSetsStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	resp := NewErrorResponse(ErrRegistryIntegrity)
	require.NoError(t, resp.Render(rec, req))
}
