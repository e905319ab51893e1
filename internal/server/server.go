// Package server provides the HTTP server and routing for Ballast.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/ballastlab/ballast/internal/config"
	"github.com/ballastlab/ballast/internal/database"
	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/rebalance"
	"github.com/ballastlab/ballast/internal/modules/stress"
	"github.com/ballastlab/ballast/internal/reliability"
)

// Config wires the server to the engine and its surroundings.
type Config struct {
	Log     zerolog.Logger
	Cfg     *config.Config
	DB      *database.DB
	Engine  *rebalance.Service
	Series  *domain.ReturnSeries
	Sectors map[string]string
	Stress  *stress.Engine
	Backups *reliability.Service // nil disables the backup endpoints
	Port    int
	DevMode bool
}

// Server is the HTTP front of the rebalancing engine.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	portfolio *PortfolioHandlers
	system    *SystemHandlers
	stream    *StreamHandler
	runs      *RunCoordinator
}

// New assembles the router, handlers and run plumbing.
func New(cfg Config) *Server {
	broker := NewRunBroker(cfg.Log)

	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		portfolio: NewPortfolioHandlers(cfg.Engine, cfg.Stress, cfg.Series, cfg.Sectors, cfg.Cfg, cfg.Log),
		system:    NewSystemHandlers(cfg.Log, cfg.DB, cfg.Engine, cfg.Backups),
		stream:    NewStreamHandler(broker, cfg.Log),
		runs:      NewRunCoordinator(cfg.Engine, broker, cfg.Log),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// The run stream must sit outside the request timeout so
		// connections can outlive it.
		r.Get("/rebalance/stream", s.stream.HandleRunStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Post("/optimize", s.portfolio.HandleOptimize)
			r.Get("/risk", s.portfolio.HandleRisk)
			r.Get("/frontier", s.portfolio.HandleFrontier)
			r.Post("/stress", s.portfolio.HandleStress)
			r.Get("/diagnostics", s.portfolio.HandleDiagnostics)

			r.Route("/rebalance", func(r chi.Router) {
				r.Post("/run", s.runs.HandleStart)
				r.Get("/status", s.runs.HandleStatus)
				r.Get("/history", s.portfolio.HandleHistory)
				r.Get("/latest", s.portfolio.HandleLatest)
			})

			r.Get("/system/status", s.system.HandleSystemStatus)

			r.Get("/backups", s.system.HandleListBackups)
			r.Post("/backups", s.system.HandleTriggerBackup)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
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
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
