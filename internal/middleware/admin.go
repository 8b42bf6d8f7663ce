package middleware

import (
	"crypto/subtle"
	"net/http"
)

// AdminSecretHeader carries the shared admin secret.
const AdminSecretHeader = "X-Admin-Secret"

// AdminOnly guards operator endpoints with a shared secret. With an empty
// secret every request is refused.
func AdminOnly(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				respondWithError(w, http.StatusForbidden, "admin operations are disabled")
				return
			}
			given := r.Header.Get(AdminSecretHeader)
			if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
				respondWithError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
