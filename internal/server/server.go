// Package server hosts the control-plane HTTP API and the realtime gateway.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/events"
	"github.com/clipforge/clipforge/internal/gateway"
	"github.com/clipforge/clipforge/internal/worker"
)

// Server is the clipforged HTTP process: REST API plus websocket gateway.
type Server struct {
	cfg     config.ServerConfig
	router  *gin.Engine
	http    *http.Server
	service *worker.Service
	gateway *gateway.Gateway
	bus     events.Bus
	started time.Time
	logger  hclog.Logger
}

// New assembles the router.
func New(cfg config.ServerConfig, service *worker.Service, gw *gateway.Gateway, bus events.Bus, logger hclog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		router:  router,
		service: service,
		gateway: gw,
		bus:     bus,
		started: time.Now(),
		logger:  logger.Named("server"),
	}
	s.registerRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router exposes the underlying engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	// The gateway authenticates its own sessions.
	s.gateway.RegisterRoutes(s.router)

	api := s.router.Group("/api")
	api.Use(s.authMiddleware())
	{
		api.POST("/work-units", s.handleEnqueue)
		api.GET("/work-units", s.handleListByTarget)
		api.GET("/work-units/:id", s.handleGet)
		api.POST("/work-units/:id/cancel", s.handleCancel)
		api.GET("/stages", s.handleStages)
		api.GET("/status", s.handleStatus)
	}
}

// authMiddleware enforces the static bearer token when one is configured.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AuthToken == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token != s.cfg.AuthToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"code":  "UNAUTHORIZED",
			})
			return
		}
		c.Next()
	}
}
