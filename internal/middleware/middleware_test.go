package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agri_gateway/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestInternalSecret(t *testing.T) {
	handler := InternalSecret("s3cret")(okHandler())

	t.Run("matching secret passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/internal/tokens", nil)
		req.Header.Set(InternalSecretHeader, "s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing or wrong secret is forbidden", func(t *testing.T) {
		for _, presented := range []string{"", "wrong", "s3cret "} {
			req := httptest.NewRequest(http.MethodPost, "/internal/tokens", nil)
			if presented != "" {
				req.Header.Set(InternalSecretHeader, presented)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		}
	})

	t.Run("empty configured secret closes the surface", func(t *testing.T) {
		closed := InternalSecret("")(okHandler())

		req := httptest.NewRequest(http.MethodPost, "/internal/tokens", nil)
		req.Header.Set(InternalSecretHeader, "")
		rec := httptest.NewRecorder()
		closed.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestServiceToken(t *testing.T) {
	secret := []byte("svc-secret")
	handler := ServiceToken(auth.NewServiceTokenVerifier(secret))(okHandler())

	t.Run("valid bearer passes", func(t *testing.T) {
		token, err := auth.IssueServiceToken(secret, "scheduler", time.Minute)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/internal/refresh-tokens", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing bearer is unauthorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/internal/refresh-tokens", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token is forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/internal/refresh-tokens", nil)
		req.Header.Set("Authorization", "Bearer not.a.real.token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
