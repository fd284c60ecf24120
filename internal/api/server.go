// Package api provides the HTTP queue inspection API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gravixrdp/yt-automation/internal/circuitbreaker"
	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/quota"
	"github.com/gravixrdp/yt-automation/internal/storage"
	"github.com/gravixrdp/yt-automation/internal/worker"
)

// Dependency interfaces, satisfied by the job, quota, adapter and worker packages

// CleanupRequester queues destination cleanup
type CleanupRequester interface {
	Enqueue(ctx context.Context, dest string, removeDestination bool) (bool, error)
}

// QuotaReporter reports quota pool usage
type QuotaReporter interface {
	Snapshot(ctx context.Context) ([]quota.PoolStatus, error)
}

// BreakerReporter reports uploader circuit breaker state
type BreakerReporter interface {
	Breakers() []*circuitbreaker.Stats
}

// StatusReporter reports scheduler loop status
type StatusReporter interface {
	Status() *worker.SchedulerStatus
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	store      *storage.Store
	cleanup    CleanupRequester
	quota      QuotaReporter
	breakers   BreakerReporter
	scheduler  StatusReporter
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RPS          int // Requests per second per client
}

// Deps are the components the API reads from. Only Store is required.
type Deps struct {
	Store     *storage.Store
	Cleanup   CleanupRequester
	Quota     QuotaReporter
	Breakers  BreakerReporter
	Scheduler StatusReporter
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = &ServerConfig{Host: "127.0.0.1", Port: "8090"}
	}
	s := &Server{
		router:    mux.NewRouter(),
		store:     deps.Store,
		cleanup:   deps.Cleanup,
		quota:     deps.Quota,
		breakers:  deps.Breakers,
		scheduler: deps.Scheduler,
		config:    config,
	}

	s.setupRouter()

	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rps := s.config.RPS
	if rps <= 0 {
		rps = 20
	}
	rateLimiter := NewRateLimiter(rps, 2*rps)

	// Order matters: recovery must see panics from every later layer
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  orDefault(s.config.ReadTimeout, 10*time.Second),
		WriteTimeout: orDefault(s.config.WriteTimeout, 30*time.Second),
		IdleTimeout:  orDefault(s.config.IdleTimeout, 60*time.Second),
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/cleanup-jobs", s.handleListCleanupJobs).Methods("GET")
	api.HandleFunc("/cleanup-jobs/{id}", s.handleGetCleanupJob).Methods("GET")
	api.HandleFunc("/destinations/{id}/cleanup", s.handleRequestCleanup).Methods("POST")
	api.HandleFunc("/quota", s.handleQuota).Methods("GET")
	api.HandleFunc("/breakers", s.handleBreakers).Methods("GET")
}

// Handler exposes the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting inspection API")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down inspection API")
	return s.httpServer.Shutdown(ctx)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
