package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zigroninc/loom/internal/engine"
	"github.com/zigroninc/loom/internal/insights"
	"github.com/zigroninc/loom/internal/ldap"
	"github.com/zigroninc/loom/internal/license"
	"github.com/zigroninc/loom/internal/registry"
	"github.com/zigroninc/loom/internal/runner"
	"github.com/zigroninc/loom/internal/store"
)

const (
	shutdownTimeout    = 10 * time.Second
	readHeaderTimeout  = 10 * time.Second
	writeTimeout       = 30 * time.Second
	defaultHookTimeout = 120 * time.Second
)

// Deps bundles the server's collaborators. Insights may be nil; the stats
// handler then skips rollup lookups.
type Deps struct {
	Store    store.Store
	Active   *registry.Registry
	Engine   *engine.Engine
	Runners  *runner.Registry
	LDAP     *ldap.Manager
	License  *license.Client
	Insights insights.Recorder
	Logger   *slog.Logger

	// HookTimeout bounds how long a webhook call waits for a respond step.
	HookTimeout time.Duration
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router      *chi.Mux
	store       store.Store
	active      *registry.Registry
	engine      *engine.Engine
	runners     *runner.Registry
	ldap        *ldap.Manager
	license     *license.Client
	insights    insights.Recorder
	logger      *slog.Logger
	addr        string
	hookTimeout time.Duration
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, d Deps) *Server {
	if d.Insights == nil {
		d.Insights = insights.NoopRecorder{}
	}
	if d.HookTimeout <= 0 {
		d.HookTimeout = defaultHookTimeout
	}
	srv := &Server{
		router:      chi.NewRouter(),
		store:       d.Store,
		active:      d.Active,
		engine:      d.Engine,
		runners:     d.Runners,
		ldap:        d.LDAP,
		license:     d.License,
		insights:    d.Insights,
		logger:      d.Logger,
		addr:        addr,
		hookTimeout: d.HookTimeout,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Get("/active", s.handleListActiveExecutions)
		r.Get("/{id}", s.handleGetExecution)
		r.Delete("/{id}", s.handleDeleteExecution)
		r.Post("/{id}/stop", s.handleStopExecution)
		r.Post("/{id}/retry", s.handleRetryExecution)
		r.Get("/{id}/events", s.handleStreamEvents)
	})

	s.router.Route("/v1/workflows", func(r chi.Router) {
		r.Post("/", s.handleCreateWorkflow)
		r.Get("/", s.handleListWorkflows)
		r.Get("/{id}", s.handleGetWorkflow)
		r.Put("/{id}", s.handleUpdateWorkflow)
		r.Delete("/{id}", s.handleDeleteWorkflow)
		r.Post("/{id}/run", s.handleRunWorkflow)
	})

	s.router.Route("/v1/projects", func(r chi.Router) {
		r.Post("/", s.handleCreateProject)
		r.Get("/", s.handleListProjects)
		r.Get("/{id}", s.handleGetProject)
		r.Patch("/{id}", s.handleUpdateProject)
		r.Delete("/{id}", s.handleDeleteProject)
	})

	s.router.Route("/v1/hooks", func(r chi.Router) {
		r.Post("/waiting/{executionID}", s.handleResumeWaiting)
		r.Post("/{workflowID}", s.handleWebhook)
	})

	s.router.Get("/v1/forms/{executionID}/completion", s.handleFormCompletion)

	s.router.Route("/v1/ldap", func(r chi.Router) {
		r.Get("/config", s.handleGetLDAPConfig)
		r.Put("/config", s.handleUpdateLDAPConfig)
		r.Post("/test", s.handleTestLDAPConnection)
	})

	s.router.Route("/v1/license", func(r chi.Router) {
		r.Get("/", s.handleGetLicense)
		r.Post("/activate", s.handleActivateLicense)
		r.Post("/renew", s.handleRenewLicense)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
