// Package api provides the HTTP API for the scanner service.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/discovery-core/internal/config"
	"github.com/aiforce-discovery-agent/discovery-core/internal/scanner"
)

// Server represents the scanner HTTP API server.
type Server struct {
	config  config.ServerConfig
	scanner *scanner.Scanner
	logger  *zap.SugaredLogger
	router  *gin.Engine
}

// New creates a new API server.
func New(cfg config.ServerConfig, scan *scanner.Scanner, logger *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:  cfg,
		scanner: scan,
		logger:  logger,
		router:  gin.New(),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())

	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readyHandler)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.internalKeyMiddleware())
	{
		v1.POST("/scan/start", s.startScanHandler)
		v1.POST("/scan/stop", s.stopScanHandler)
		v1.GET("/scan/status", s.scanStatusHandler)
		v1.POST("/scan/target", s.scanTargetHandler)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		c.Next()

		s.logger.Debugw("Request completed",
			"path", path,
			"status", c.Writer.Status(),
			"method", c.Request.Method,
		)
	}
}

// internalKeyMiddleware rejects requests missing the shared internal key.
// When no key is configured, the check is disabled (dev mode).
func (s *Server) internalKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.InternalKey != "" && c.GetHeader("X-Internal-API-Key") != s.config.InternalKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing internal API key",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "network-scanner",
	})
}

func (s *Server) readyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ready",
		"service": "network-scanner",
	})
}

// startScanHandler accepts both the orchestrated trigger (with body) and the
// legacy config-driven mode (no body).
func (s *Server) startScanHandler(c *gin.Context) {
	var req StartScanRequest

	if err := c.ShouldBindJSON(&req); err == nil && req.ScanID != "" {
		cfg := scanner.OrchestratedScanConfig{
			ScanID:             req.ScanID,
			Subnets:            req.Subnets,
			PortRanges:         req.PortRanges,
			RateLimitPPS:       req.RateLimitPPS,
			TimeoutMS:          req.TimeoutMS,
			MaxConcurrentHosts: req.MaxConcurrentHosts,
			DeadHostThreshold:  req.DeadHostThreshold,
			ProgressURL:        req.ProgressURL,
			CompleteURL:        req.CompleteURL,
			APIKey:             c.GetHeader("X-Internal-API-Key"),
		}

		if err := s.scanner.StartOrchestrated(cfg); err != nil {
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "started",
			"message": "Orchestrated network scan started",
			"scan_id": req.ScanID,
		})
		return
	}

	if err := s.scanner.Start(); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "started",
		"message": "Network scan started",
	})
}

func (s *Server) stopScanHandler(c *gin.Context) {
	var req StopScanRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.ScanID != "" {
		s.logger.Infow("Stop scan requested", "scan_id", req.ScanID)
	}

	s.scanner.Stop()
	c.JSON(http.StatusOK, gin.H{
		"status":  "stopped",
		"message": "Network scan stopped",
	})
}

func (s *Server) scanStatusHandler(c *gin.Context) {
	running := s.scanner.IsRunning()
	status := "idle"
	if running {
		status = "running"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"running": running,
	})
}

// scanTargetHandler probes a single IP address synchronously.
func (s *Server) scanTargetHandler(c *gin.Context) {
	var req struct {
		Target string `json:"target" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "target IP address required",
		})
		return
	}

	results, err := s.scanner.ScanTarget(req.Target)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"target":  req.Target,
		"results": results,
		"count":   len(results),
	})
}
