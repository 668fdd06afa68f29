package middleware

import (
	"net/http"
	"strings"

	"agri_gateway/internal/apierror"
	"agri_gateway/internal/auth"
)

// ServiceToken guards endpoints that accept a service-level credential
// (the scheduled token refresh). Missing bearer is 401; a present but
// invalid token is 403.
func ServiceToken(verifier *auth.ServiceTokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				apierror.Write(w, apierror.Unauthorized())
				return
			}

			if err := verifier.Verify(strings.TrimPrefix(header, "Bearer ")); err != nil {
				apierror.Write(w, apierror.Forbidden())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
