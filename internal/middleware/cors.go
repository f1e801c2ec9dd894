// internal/middleware/cors.go
package middleware

import (
	"net/http"

	chicors "github.com/go-chi/cors"
)

// CORS allows cross-origin requests from exactly one origin.
func CORS(origin string) func(http.Handler) http.Handler {
	return chicors.Handler(chicors.Options{
		AllowedOrigins:   []string{origin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
