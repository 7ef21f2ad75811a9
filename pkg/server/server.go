package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"trophysync/pkg/logger"
	"trophysync/pkg/model"
)

// Pinger reports whether the store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Linker manages linked accounts
type Linker interface {
	Link(ctx context.Context, ownerID string, p model.Platform, identifier string) (model.LinkedAccount, error)
	Unlink(ctx context.Context, ownerID string, p model.Platform) error
	Forget(ctx context.Context, ownerID string) error
	Accounts(ctx context.Context, ownerID string) ([]model.LinkedAccount, error)
}

// Syncer starts cycles on demand and reports the last one
type Syncer interface {
	Trigger(source string) error
	Running() bool
	LastSync(ctx context.Context) (model.SyncState, error)
}

// Deps are the services behind the API
type Deps struct {
	Store  Pinger
	Linker Linker
	Syncer Syncer
	// Busy reports whether a Trigger error means a cycle is already running
	Busy func(error) bool
}

// Server serves the account and sync API plus health checks and metrics
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *logger.Logger
}

// New creates a new API server
func New(addr string, deps Deps, l *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{deps: deps, logger: l}

	r := gin.New()
	r.Use(s.recovery())
	r.Use(s.requestLogger())

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		owners := v1.Group("/owners/:owner")
		{
			owners.GET("/accounts", s.listAccounts)
			owners.PUT("/accounts/:platform", s.linkAccount)
			owners.DELETE("/accounts/:platform", s.unlinkAccount)
			owners.DELETE("", s.forgetOwner)
		}

		v1.POST("/sync", s.triggerSync)
		v1.GET("/sync", s.syncStatus)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		c.String(http.StatusServiceUnavailable, "store unavailable")
		return
	}
	c.String(http.StatusOK, "ready")
}

// Start runs the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting api server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Duration("latency", time.Since(start)),
		}
		switch {
		case len(c.Errors) > 0:
			s.logger.Error("http request", c.Errors.Last().Err, fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			s.logger.Warn("http request", fields...)
		default:
			s.logger.Debug("http request", fields...)
		}
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Warn("recovered from panic in handler",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	})
}
