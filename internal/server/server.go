// Package server exposes the HTTP API: submitting evaluations, inspecting
// tasks and limiters, and reading system health.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/factorhub/factorhub/internal/admission"
	"github.com/factorhub/factorhub/internal/config"
	"github.com/factorhub/factorhub/internal/evaluation"
	"github.com/factorhub/factorhub/internal/events"
	"github.com/factorhub/factorhub/internal/queue"
	"github.com/factorhub/factorhub/internal/tasks"
)

// Deps holds everything the HTTP layer serves from.
type Deps struct {
	Log     zerolog.Logger
	Cfg     *config.Config
	Tasks   *tasks.Repository
	Results *evaluation.ResultRepository
	Limiter *admission.Limiter
	Pool    *queue.Pool
	Broker  queue.Broker
	Bus     *events.Bus
}

// Server represents the HTTP server
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	cfg     *config.Config
	tasks   *tasks.Repository
	results *evaluation.ResultRepository
	limiter *admission.Limiter
	pool    *queue.Pool
	broker  queue.Broker
	bus     *events.Bus
}

// New creates a new HTTP server
func New(deps Deps) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     deps.Log.With().Str("component", "server").Logger(),
		cfg:     deps.Cfg,
		tasks:   deps.Tasks,
		results: deps.Results,
		limiter: deps.Limiter,
		pool:    deps.Pool,
		broker:  deps.Broker,
		bus:     deps.Bus,
	}

	s.setupMiddleware(deps.Cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/evaluations", func(r chi.Router) {
			r.Post("/", s.handleSubmitEvaluation)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
		})

		r.Route("/limiters", func(r chi.Router) {
			r.Get("/{name}", s.handleGetLimiter)
			r.Post("/{name}/reset", s.handleResetLimiter)
		})

		r.Route("/factors", func(r chi.Router) {
			r.Get("/{id}/metrics", s.handleGetFactorMetrics)
		})

		r.Get("/events", s.handleRecentEvents)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
