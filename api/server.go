package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/isdmx/tracebox/analysis"
	"github.com/isdmx/tracebox/config"
)

// maxBodyBytes bounds a decoded request body.
const maxBodyBytes = 10 << 20

// Server is the REST transport for the analysis service.
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	service  analysis.Service
	validate *validator.Validate
	limiter  *ipLimiter
	apiLimit *ipLimiter
	router   chi.Router
	http     *http.Server
}

// New creates a new Server with its routes mounted
func New(cfg *config.Config, logger *zap.Logger, service analysis.Service) *Server {
	s := &Server{
		config:   cfg,
		logger:   logger,
		service:  service,
		validate: validator.New(),
		limiter: newIPLimiter(cfg.API.AnalyzeRatePerHour, time.Hour,
			"Too many analysis requests from this IP, please try again after an hour"),
		apiLimit: newIPLimiter(cfg.API.RequestLimit, cfg.API.RequestWindow,
			"Too many requests from this IP, please try again later"),
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	if s.config.API.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)
		r.Use(s.apiLimit.middleware)

		r.Route("/analyze", func(r chi.Router) {
			r.With(s.limiter.middleware).Post("/", s.handleAnalyze)
			r.Get("/{jobID}", s.handleGetJob)
		})

		r.Get("/tools", s.handleListTools)

		r.Get("/examples", s.handleListExamples)
		r.Get("/examples/{id}", s.handleGetExample)
	})
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting REST server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down REST server")
	return s.http.Shutdown(ctx)
}
