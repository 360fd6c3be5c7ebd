package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"loatodo/internal/apperr"
	"loatodo/internal/engine"
)

// Server provides HTTP handlers for the task service.
type Server struct {
	engine *gin.Engine
	svc    *engine.Engine
	logger *slog.Logger
	auth   *authenticator
}

// Options configures the HTTP server.
type Options struct {
	// JWTSecret verifies HS256 bearer tokens. When empty the account is read
	// from the X-Account-ID header set by the upstream identity proxy.
	JWTSecret string
	// AccessLog enables gin's request logger for /api.
	AccessLog bool
}

// New constructs the HTTP server with routes and middleware configured.
func New(svc *engine.Engine, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if opts.AccessLog {
		router.Use(gin.LoggerWithWriter(gin.DefaultWriter, "/api/healthz"))
	}

	srv := &Server{
		engine: router,
		svc:    svc,
		logger: logger,
		auth:   &authenticator{secret: []byte(opts.JWTSecret)},
	}

	srv.registerRoutes()
	return srv
}

// Engine exposes the underlying Gin engine.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// registerRoutes wires all API handlers together.
func (s *Server) registerRoutes() {
	s.engine.GET("/api/healthz", s.handleHealth)

	api := s.engine.Group("/api", s.auth.middleware())
	{
		grants := api.Group("/grants")
		{
			grants.GET("", s.handleListGrants)
			grants.GET("/incoming", s.handleListIncomingGrants)
			grants.PUT("/:grantee", s.handleGrant)
			grants.DELETE("/:grantee", s.handleRevoke)
		}

		owner := api.Group("/owners/:owner")
		{
			owner.GET("/characters", s.handleListCharacters)
			owner.POST("/characters", s.handleRegisterCharacter)
			owner.DELETE("/characters/:character", s.handleRemoveCharacter)

			character := owner.Group("/characters/:character")
			s.registerTaskRoutes(character)
			character.GET("/groups/:group", s.handleGroupState)
			character.POST("/groups/:group/check-all", s.handleCheckAll)
			character.GET("/gold", s.handleGoldTotal)
			character.GET("/gold-settings", s.handleGetGoldSettings)
			character.PUT("/gold-settings", s.handleUpdateGoldSettings)

			s.registerTaskRoutes(owner.Group("/servers/:server"))

			owner.GET("/gold", s.handleAccountGold)
			owner.POST("/custom-tasks", s.handleAddCustomTask)
			owner.DELETE("/custom-tasks/:task", s.handleRemoveCustomTask)
			owner.PUT("/raid-order", s.handleReorderRaids)
		}
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})
}

func (s *Server) registerTaskRoutes(g *gin.RouterGroup) {
	g.GET("/tasks", s.handleListTasks)
	g.GET("/tasks/:task", s.handleTaskState)
	g.POST("/tasks/:task/progress", s.handleSubmitProgress)
	g.PUT("/tasks/:task/enabled", s.handleToggle)
}

// handleHealth provides a basic readiness endpoint.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type errorBody struct {
	Error    string            `json:"error"`
	Code     apperr.Code       `json:"code"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// respondError maps err to a status code and returns a JSON payload.
// Unclassified errors are logged and hidden from the caller.
func (s *Server) respondError(c *gin.Context, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		s.logger.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error", Code: apperr.CodeUnknown})
		return
	}
	status := ae.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	} else {
		s.logger.Debug("request rejected", slog.String("path", c.FullPath()), slog.String("code", string(ae.Code)))
	}
	c.JSON(status, errorBody{Error: ae.Message, Code: ae.Code, Metadata: ae.Metadata})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.respondError(c, apperr.Wrap(apperr.CodeInvalidArgument, err.Error(), err))
}

func (s *Server) badRequestMsg(c *gin.Context, msg string) {
	s.respondError(c, apperr.New(apperr.CodeInvalidArgument, msg))
}

// respondSuccess wraps a payload in a JSON envelope for consistency.
func respondSuccess(c *gin.Context, status int, payload any) {
	if payload == nil {
		c.Status(status)
		return
	}
	c.JSON(status, payload)
}
