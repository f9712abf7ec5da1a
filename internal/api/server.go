package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	apimw "github.com/wavecall/wavecall/internal/api/middleware"
	"github.com/wavecall/wavecall/internal/call"
	"github.com/wavecall/wavecall/internal/config"
	"github.com/wavecall/wavecall/internal/gateway"
	"github.com/wavecall/wavecall/internal/store"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	store     *store.Store
	orch      *call.Orchestrator
	gateway   *gateway.Client
	cfg       *config.Config
	jwtSecret []byte

	apiLimiter  *apimw.IPRateLimiter
	authLimiter *apimw.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(st *store.Store, orch *call.Orchestrator, gw *gateway.Client, cfg *config.Config, jwtSecret []byte) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		store:       st,
		orch:        orch,
		gateway:     gw,
		cfg:         cfg,
		jwtSecret:   jwtSecret,
		apiLimiter:  apimw.NewIPRateLimiter(apimw.DefaultRateLimitConfig()),
		authLimiter: apimw.NewIPRateLimiter(apimw.AuthRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the server's background rate limiter cleanup.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.authLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(apimw.StructuredLogger)
	r.Use(apimw.Recoverer)
	r.Use(apimw.RateLimit(s.apiLimiter))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/call", func(r chi.Router) {
			// Unauthenticated: login, caller-id lookup, and the hooks the
			// callee device drives before it has a session.
			r.With(apimw.RateLimit(s.authLimiter)).Post("/login", s.handleLogin)
			r.Get("/fetch_name", s.handleFetchName)
			r.Post("/hook/{call_id}", s.handleCallHook)
			r.Get("/info/{call_id}", s.handleCallInfo)

			// Device session required.
			r.Group(func(r chi.Router) {
				r.Use(apimw.RequireNumberAuth(s.jwtSecret))

				r.Get("/fetch_me", s.handleFetchMe)
				r.Post("/device", s.handleAddDevice)
				r.Get("/contacts", s.handleContacts)
				r.Get("/recents", s.handleRecents)
				r.Post("/recents/delete_log", s.handleDeleteLog)
				r.Post("/make/{dest}", s.handleMakeCall)
				r.Post("/invite/{room_id}", s.handleInvite)
			})
		})

		// Media gateway event ingest, authenticated by shared hook token.
		r.Post("/hook", s.handleGatewayHook)

		// Room diagnostics.
		r.Group(func(r chi.Router) {
			r.Use(apimw.RequireNumberAuth(s.jwtSecret))

			r.Get("/rooms", s.handleListRooms)
			r.Get("/rooms/{room_id}", s.handleRoomInfo)
		})
	})
}

// handleHealth reports process liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
