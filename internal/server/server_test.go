package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmanVatsSharma/vayu-gateway/internal/apperr"
	"github.com/AmanVatsSharma/vayu-gateway/internal/config"
)

func TestWriteError_RendersApperrEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stock/quotes", nil)

	writeError(rec, req, apperr.New(apperr.KindValidation, "invalid_payload", "tokens must be a non-empty array"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "invalid_payload", body["code"])
	assert.Equal(t, "/api/stock/quotes", body["path"])
}

func TestWriteError_DefaultsToInternalForUnclassifiedError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stock/quotes", nil)

	writeError(rec, req, assertError{"boom"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body["code"])
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestWithCORS_RejectsWhenNotAccepting(t *testing.T) {
	s := &Server{cfg: &config.Config{CORSOrigin: "*"}}
	s.accepting.Store(false)

	handler := s.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be reached once shutting down")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "shutting_down", body["code"])
}

func TestWithCORS_PassesThroughWhenAccepting(t *testing.T) {
	s := &Server{cfg: &config.Config{CORSOrigin: "*"}}
	s.accepting.Store(true)

	called := false
	handler := s.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWithCORS_HandlesPreflight(t *testing.T) {
	s := &Server{cfg: &config.Config{CORSOrigin: "*"}}
	s.accepting.Store(true)

	handler := s.withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be reached for OPTIONS")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
