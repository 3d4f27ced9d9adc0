// Package middleware provides HTTP middleware for the intake API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/ashureev/farm-intake/internal/identity"
)

var allowedHeaders = strings.Join([]string{
	"Content-Type",
	identity.SessionHeaderName,
	identity.FarmerHeaderName,
}, ", ")

// AllowedOrigins returns the CORS origins for a frontend URL. Development
// setups and an empty URL allow any origin.
func AllowedOrigins(frontendURL string, isDev bool) []string {
	if isDev || frontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(frontendURL, "/")}
}

// CORS returns middleware that handles CORS headers.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			explicit := false
			for _, o := range allowedOrigins {
				if o == origin {
					allowed, explicit = true, true
					break
				}
				if o == "*" {
					allowed = true
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				w.Header().Add("Vary", "Origin")
				// Never allow credentials for wildcard matches.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
