// Package api provides the HTTP admission and status surface: profile
// enqueueing and cooldown health reporting. The heavy lifting lives in
// the queue and cooldown packages; handlers stay thin.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/steamvet/steamvet/internal/cooldown"
	"github.com/steamvet/steamvet/internal/queue"
	"github.com/steamvet/steamvet/internal/registry"
)

// maxBodySize caps admission request bodies (1MB).
const maxBodySize = 1 << 20

// Server holds dependencies for all API handlers.
type Server struct {
	Registry  *registry.Registry
	Cooldowns *cooldown.Store
	Queue     *queue.Store

	// CORSOrigins allowed to call the API. Empty means localhost only.
	CORSOrigins []string
}

// NewRouter creates a configured chi router with all routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	origins := srv.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.HandleHealth)
	r.Get("/health/cooldowns", srv.HandleCooldownHealth)

	r.Route("/profiles", func(r chi.Router) {
		r.Use(limitBody)
		r.Post("/", srv.HandleEnqueue)
		r.Get("/queue", srv.HandleQueueList)
	})

	return r
}

// limitBody caps request body size.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response failed", "error", err)
	}
}

// errorJSON writes a JSON error envelope.
func errorJSON(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
