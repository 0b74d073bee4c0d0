// ABOUTME: HTTP middleware that resolves and installs the caller identity.
// ABOUTME: Unknown presented credentials stop here with a 401.

package auth

import (
	"net/http"
)

// Middleware resolves every request's identity and stores it on the request
// context for the rate limiter and handlers downstream. A presented
// credential that matches nothing is refused before rate limiting; auth is
// transport policy, so the response is a bare 401 rather than a taxonomy
// error body.
func Middleware(resolver *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Identify(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unknown credential"}` + "\n"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
