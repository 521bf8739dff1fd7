package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
//
// Reads are open (bench-local deployment); mutating endpoints require a
// bearer token obtained from POST /auth/token.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/token", s.handleToken)

		// Open reads
		r.Get("/sequences", s.handleListSequences)
		r.Get("/sequences/{id}", s.handleGetSequence)
		r.Get("/sequences/{id}/shots", s.handleListShots)
		r.Get("/control/status", s.handleStatus)
		r.Get("/system/health", s.handleHealth)

		// WebSocket (auth via single-use ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires a valid token so the browser never puts
			// the JWT itself in a URL.
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Post("/sequences", s.handleCreateSequence)
			r.Delete("/sequences/{id}", s.handleDeleteSequence)
			r.Post("/sequences/{id}/start", s.handleStartSequence)

			r.Post("/control/pause", s.handlePause)
			r.Post("/control/resume", s.handleResume)
			r.Post("/control/abort", s.handleAbort)
		})
	})

	return r
}
