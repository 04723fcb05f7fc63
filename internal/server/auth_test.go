package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(t, &Config{MasterKey: "s3cret"})

	get := func(path, authHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec
	}

	t.Run("missing header", func(t *testing.T) {
		rec := get("/v1/balance?user_id=bob", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		rec := get("/v1/balance?user_id=bob", "s3cret")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		rec := get("/v1/balance?user_id=bob", "Bearer nope")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid key", func(t *testing.T) {
		rec := get("/v1/balance?user_id=bob", "Bearer s3cret")
		// Authenticated; 404 because bob has no balance yet.
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("health skips auth", func(t *testing.T) {
		rec := get("/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics skips auth", func(t *testing.T) {
		rec := get("/metrics", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestNoMasterKeyDisablesAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/balance?user_id=bob", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code, "reachable without credentials")
}
