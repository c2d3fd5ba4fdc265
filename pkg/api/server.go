package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentum-ai/agentum/pkg/config"
	"github.com/agentum-ai/agentum/pkg/services"
	"github.com/agentum-ai/agentum/pkg/storage"
	"github.com/agentum-ai/agentum/pkg/version"
)

// Server is the HTTP surface.
type Server struct {
	cfg      *config.Config
	auth     *services.AuthService
	sessions *services.SessionService
	store    *storage.Client
	engine   *gin.Engine
	log      *slog.Logger
}

// NewServer builds the gin engine and registers all routes.
func NewServer(cfg *config.Config, auth *services.AuthService, sessions *services.SessionService, store *storage.Client) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), corsMiddleware(cfg.API.CORSOrigins))

	s := &Server{
		cfg:      cfg,
		auth:     auth,
		sessions: sessions,
		store:    store,
		engine:   engine,
		log:      slog.With("component", "api"),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/api/v1")
	v1.POST("/auth/token", s.handleCreateToken)

	authed := v1.Group("", authRequired(s.auth))
	authed.GET("/sessions", s.handleListSessions)
	authed.POST("/sessions/run", s.handleRunSession)
	authed.GET("/sessions/:id", s.handleGetSession)
	authed.POST("/sessions/:id/task", s.handleResumeSession)
	authed.POST("/sessions/:id/cancel", s.handleCancelSession)
	authed.GET("/sessions/:id/result", s.handleGetResult)
	authed.GET("/sessions/:id/events", s.handleStreamEvents)
	authed.GET("/sessions/:id/events/history", s.handleListEvents)
	authed.GET("/sessions/:id/files/*path", s.handleDownloadFile)
}

// handleHealth reports liveness plus database reachability.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.log.Error("Health check failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"service": version.AppName,
		"version": version.GitCommit,
	})
}
