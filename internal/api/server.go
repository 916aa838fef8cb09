// Package api is the local HTTP surface: project and session management,
// remote answers, the live event stream, and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/broadcast"
	"github.com/headspace/headspace/internal/bridge"
	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/httpmw"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/correlator"
	"github.com/headspace/headspace/internal/events/bus"
	"github.com/headspace/headspace/internal/hooks"
	"github.com/headspace/headspace/internal/lifecycle"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/store"
)

// Registrar is the lifecycle surface session management drives.
type Registrar interface {
	ProcessHook(ctx context.Context, hint correlator.Hint, in lifecycle.Input) (*lifecycle.Result, error)
	Apply(ctx context.Context, in lifecycle.Input) (*lifecycle.Result, error)
}

// Responder delivers a remote answer into a session's pane.
type Responder interface {
	Deliver(ctx context.Context, sess *models.Session, text string) (*lifecycle.Result, error)
}

// WorkerHealth reports per-worker status for the health endpoint.
type WorkerHealth interface {
	Health() map[string]string
}

// Deps bundles the collaborators the HTTP surface serves. Receiver, Caster,
// Avail, Workers and WS may be nil; their routes or health fields are then
// omitted.
type Deps struct {
	Repo     *store.Repository
	Engine   Registrar
	Sender   Responder
	Avail    *bridge.Availability
	Caster   *broadcast.Broadcaster
	Receiver *hooks.Receiver
	Bus      bus.EventBus
	Workers  WorkerHealth
	// WS, when set, is mounted at GET /ws.
	WS gin.HandlerFunc
}

// Server owns the router. The http.Server lifecycle belongs to the caller.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	logger  *logger.Logger
	router  *gin.Engine
	started time.Time
}

// NewServer builds the router with all routes mounted.
func NewServer(cfg config.ServerConfig, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if log == nil {
		log = logger.Default()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  log.WithFields(zap.String("component", "api-server")),
		router:  gin.New(),
		started: time.Now(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(corsHeaders())
	s.router.Use(httpmw.RequestLogger(s.logger, "headspace",
		time.Duration(cfg.SlowRequestMillis)*time.Millisecond))
	s.router.Use(httpmw.OtelTracing("headspace"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler for the caller's http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// Hooks stay token-free: they arrive from local agent processes that
	// only know the service URL.
	if s.deps.Receiver != nil {
		s.deps.Receiver.RegisterRoutes(s.router)
	}

	api := s.router.Group("/api")
	if s.cfg.AuthToken != "" {
		api.Use(BearerAuth(s.cfg.AuthToken))
	}

	api.POST("/projects", s.handleCreateProject)
	api.GET("/projects", s.handleListProjects)
	api.GET("/projects/:id", s.handleGetProject)
	api.PATCH("/projects/:id", s.handleUpdateProject)
	api.DELETE("/projects/:id", s.handleDeleteProject)

	api.POST("/sessions", s.handleRegisterSession)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id", s.handleGetSession)
	api.DELETE("/sessions/:id", s.handleEndSession)

	api.POST("/respond/:session_id", s.handleRespond)

	api.GET("/objective", s.handleGetObjective)
	api.PUT("/objective", s.handleSetObjective)

	if s.deps.Caster != nil {
		api.GET("/events", s.deps.Caster.StreamHandler())
	}

	if s.deps.WS != nil {
		ws := s.router.Group("/ws")
		if s.cfg.AuthToken != "" {
			ws.Use(BearerAuthWithQuery(s.cfg.AuthToken))
		}
		ws.GET("", s.deps.WS)
	}
}
