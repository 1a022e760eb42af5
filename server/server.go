// Package server exposes the flow runtime over HTTP.
//
// The surface is small: start a session, read it, interact, patch state,
// end it, and stream its events. Sessions are addressed by their opaque
// token, never by database id, so the token doubles as the capability to
// act on the session. Mutating routes require the CSRF double-submit
// token issued at session start.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convoflow/flowpg"
	"github.com/convoflow/flowpg/engine"
	"github.com/convoflow/flowpg/notifier"
	"github.com/convoflow/flowpg/storage"
)

// Runtime is the subset of the flowpg client the HTTP edge drives.
type Runtime interface {
	IsRunning() bool
	IsLeader() bool
	StartSession(ctx context.Context, flowID string, params flowpg.StartSessionParams) (*storage.Session, error)
	GetFlow(ctx context.Context, flowID string) (*storage.Flow, error)
	GetSessionByToken(ctx context.Context, token string) (*storage.Session, error)
	InteractByToken(ctx context.Context, token string, input *engine.UserInput) (*engine.TurnResponse, error)
	UpdateStateAt(ctx context.Context, sessionID string, updates map[string]any, expectedRevision int64) (*storage.Session, error)
	EndSession(ctx context.Context, sessionID string, status storage.SessionStatus) (*storage.Session, error)
	History(ctx context.Context, sessionID string, limit int) ([]*storage.HistoryEntry, error)
	Store() storage.Store
	Notifier() *notifier.Notifier
}

var _ Runtime = (*flowpg.Client)(nil)

// Config holds configuration for the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// CookieDomain scopes the session and CSRF cookies.
	CookieDomain string

	// CookieSecure marks cookies Secure. Enable behind TLS.
	CookieSecure bool

	// SessionTTL bounds the session cookie lifetime. Default: 24 hours.
	SessionTTL time.Duration

	// DisableCSRF turns off the double-submit check, for trusted
	// server-to-server deployments.
	DisableCSRF bool

	// InternalToken guards the /internal routes. Empty disables them.
	InternalToken string

	Logger *slog.Logger
}

// Server wires the runtime client into a gin router.
type Server struct {
	client Runtime
	config Config
	logger *slog.Logger
	router *gin.Engine
}

// New creates a server over a runtime client.
func New(client Runtime, config Config) *Server {
	if config.SessionTTL == 0 {
		config.SessionTTL = 24 * time.Hour
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		client: client,
		config: config,
		logger: logger,
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the configured gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts serving on the configured address and blocks.
func (s *Server) Run() error {
	return s.router.Run(s.config.Addr)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestMetrics(), requestLogger(s.logger))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	if !s.config.DisableCSRF {
		v1.Use(csrfMiddleware())
	}
	{
		v1.POST("/sessions", s.handleStartSession)
		v1.GET("/sessions/:token", s.handleGetSession)
		v1.POST("/sessions/:token/interact", s.handleInteract)
		v1.PATCH("/sessions/:token/state", s.handleUpdateState)
		v1.POST("/sessions/:token/end", s.handleEndSession)
		v1.GET("/sessions/:token/events", s.handleEvents)
		v1.GET("/sessions/:token/history", s.handleHistory)
	}

	if s.config.InternalToken != "" {
		internal := router.Group("/internal", s.internalAuth())
		internal.POST("/tasks", s.handleEnqueueTask)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	if !s.client.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "leader": s.client.IsLeader()})
}

// internalAuth guards the /internal routes with a static bearer token.
func (s *Server) internalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+s.config.InternalToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
