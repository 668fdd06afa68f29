package middleware

import (
	"crypto/subtle"
	"net/http"

	"agri_gateway/internal/apierror"
)

// InternalSecretHeader carries the shared secret for service-to-service
// calls (cache invalidation, token storage).
const InternalSecretHeader = "X-Internal-Secret"

// InternalSecret guards internal endpoints with a shared secret. An
// empty configured secret closes the surface entirely.
func InternalSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(InternalSecretHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				apierror.Write(w, apierror.Forbidden())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
