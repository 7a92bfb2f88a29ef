package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/DanielKusyDev/posthog-session-insights/config"
	"github.com/DanielKusyDev/posthog-session-insights/internal/api/handlers"
	"github.com/DanielKusyDev/posthog-session-insights/internal/services"
	"github.com/DanielKusyDev/posthog-session-insights/internal/tracing"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP server
type Server struct {
	config         config.ServerConfig
	router         *gin.Engine
	httpServer     *http.Server
	ingestService  *services.IngestService
	contextService *services.ContextService
	eventService   *services.EventService
	health         HealthCheck
	tracer         tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.ServerConfig,
	ingestService *services.IngestService,
	contextService *services.ContextService,
	eventService *services.EventService,
	health HealthCheck,
	tracer tracing.Tracer,
) *Server {
	if tracer == nil {
		tracer = tracing.NoopTracer()
	}

	server := &Server{
		config:         cfg,
		ingestService:  ingestService,
		contextService: contextService,
		eventService:   eventService,
		health:         health,
		tracer:         tracer,
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      server.router,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}

	return server
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	if s.config.CorsEnabled {
		router.Use(CORSMiddleware(s.config.CorsOrigins))
	}
	if app := s.tracer.Application(); app != nil {
		router.Use(nrgin.Middleware(app))
	}

	handlers.NewIngestHandler(s.ingestService, s.tracer).RegisterRoutes(router)
	handlers.NewContextHandler(s.contextService, s.tracer).RegisterRoutes(router)
	handlers.NewEventsHandler(s.eventService, s.tracer).RegisterRoutes(router)

	router.GET("/health", s.handleHealth)
	if s.config.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
