// Package server provides the HTTP server and routing for Metascan.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tzimas/metascan/internal/config"
	"github.com/tzimas/metascan/internal/database"
	"github.com/tzimas/metascan/internal/domain"
	"github.com/tzimas/metascan/internal/modules/execution"
	"github.com/tzimas/metascan/internal/modules/outcomes"
	"github.com/tzimas/metascan/internal/modules/risk"
	"github.com/tzimas/metascan/internal/modules/snapshots"
)

// ScanRunner triggers a scan pipeline run on demand.
type ScanRunner interface {
	RunScan(ctx context.Context, session domain.ScanSession, force bool) (*domain.ScanResult, error)
}

// Config holds server configuration
type Config struct {
	Log          zerolog.Logger
	Cfg          *config.Config
	RecurrenceDB *database.DB
	TradesDB     *database.DB
	CacheDB      *database.DB
	Snapshots    *snapshots.Repository
	Orders       *execution.OrderRepository
	Positions    *risk.PositionRepository
	Outcomes     *outcomes.Recorder
	Scanner      ScanRunner
	Port         int
	DevMode      bool
}

// Server represents the HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            *config.Config
	recurrenceDB   *database.DB
	tradesDB       *database.DB
	cacheDB        *database.DB
	snapshots      *snapshots.Repository
	orders         *execution.OrderRepository
	positions      *risk.PositionRepository
	outcomes       *outcomes.Recorder
	scanner        ScanRunner
	systemHandlers *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		log:          cfg.Log.With().Str("component", "server").Logger(),
		cfg:          cfg.Cfg,
		recurrenceDB: cfg.RecurrenceDB,
		tradesDB:     cfg.TradesDB,
		cacheDB:      cfg.CacheDB,
		snapshots:    cfg.Snapshots,
		orders:       cfg.Orders,
		positions:    cfg.Positions,
		outcomes:     cfg.Outcomes,
		scanner:      cfg.Scanner,
	}

	s.systemHandlers = NewSystemHandlers(cfg.Log, cfg.Cfg.DataDir, cfg.RecurrenceDB, cfg.TradesDB, cfg.CacheDB)

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
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
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
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/picks/latest", s.handleLatestPicks)
		r.Get("/orders/recent", s.handleRecentOrders)
		r.Get("/positions/open", s.handleOpenPositions)
		r.Get("/outcomes/recent", s.handleRecentOutcomes)
		r.Get("/outcomes/summary", s.handleOutcomeSummary)

		r.Post("/scan/{session}", s.handleTriggerScan)

		r.Route("/system", func(r chi.Router) {
			r.Get("/stats", s.systemHandlers.HandleSystemStats)
			r.Get("/database/stats", s.systemHandlers.HandleDatabaseStats)
			r.Get("/disk", s.systemHandlers.HandleDiskUsage)
		})
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
