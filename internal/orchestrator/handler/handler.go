// Package handler exposes the orchestrator's HTTP API: run lifecycle
// operations for users and the idempotent callback endpoints for collectors.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/model"
	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/service"
)

// Server is the orchestrator HTTP server.
type Server struct {
	svc         *service.Service
	internalKey string
	logger      *zap.SugaredLogger
	router      *gin.Engine
}

// New creates the orchestrator API server.
func New(svc *service.Service, internalKey string, logger *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		svc:         svc,
		internalKey: internalKey,
		logger:      logger,
		router:      gin.New(),
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

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "orchestrator"})
	})

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/scans", s.createRunHandler)
		v1.GET("/scans/:id", s.getRunHandler)
		v1.POST("/scans/:id/start", s.startRunHandler)
		v1.POST("/scans/:id/stop", s.stopRunHandler)
		v1.POST("/scans/:id/inspect", s.inspectHandler)
		v1.POST("/scans/:id/skip-inspection", s.skipInspectionHandler)
	}

	internal := s.router.Group("/internal/v1")
	internal.Use(s.internalKeyMiddleware())
	{
		internal.POST("/callbacks/progress", s.progressCallbackHandler)
		internal.POST("/callbacks/complete", s.completionCallbackHandler)
		internal.POST("/discoveries", s.discoveryHandler)
	}
}

func (s *Server) internalKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.internalKey != "" && c.GetHeader("X-Internal-API-Key") != s.internalKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing internal API key",
			})
			return
		}
		c.Next()
	}
}

// respondError maps service errors onto HTTP statuses: state conflicts are
// 409, missing runs 404, everything else 500.
func (s *Server) respondError(c *gin.Context, err error) {
	var stateErr *service.StateError
	switch {
	case errors.As(err, &stateErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "scan run not found"})
	default:
		s.logger.Errorw("Request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// CreateRunRequest carries the configuration-profile snapshot for a new run.
type CreateRunRequest struct {
	Name               string   `json:"name"`
	Subnets            []string `json:"subnets" binding:"required,min=1"`
	ExcludeSubnets     []string `json:"exclude_subnets"`
	PortRanges         []string `json:"port_ranges"`
	RateLimitPPS       int      `json:"rate_limit_pps"`
	TimeoutMS          int      `json:"timeout_ms"`
	MaxConcurrentHosts int      `json:"max_concurrent_hosts"`
	DeadHostThreshold  int      `json:"dead_host_threshold"`
	Collectors         []string `json:"collectors" binding:"required,min=1"`
}

func (s *Server) createRunHandler(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := s.svc.CreateRun(c.Request.Context(), req.Name, model.ConfigSnapshot{
		Subnets:            req.Subnets,
		ExcludeSubnets:     req.ExcludeSubnets,
		PortRanges:         req.PortRanges,
		RateLimitPPS:       req.RateLimitPPS,
		TimeoutMS:          req.TimeoutMS,
		MaxConcurrentHosts: req.MaxConcurrentHosts,
		DeadHostThreshold:  req.DeadHostThreshold,
		Collectors:         req.Collectors,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, run)
}

func (s *Server) getRunHandler(c *gin.Context) {
	run, records, err := s.svc.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":        run,
		"collectors": records,
	})
}

func (s *Server) startRunHandler(c *gin.Context) {
	run, err := s.svc.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}

func (s *Server) stopRunHandler(c *gin.Context) {
	run, err := s.svc.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}

// InspectRequest carries the user-supplied inspection targets. Credentials
// are forwarded to the inspection collector and never persisted.
type InspectRequest struct {
	Targets []service.InspectionTarget `json:"targets" binding:"required,min=1,dive"`
}

func (s *Server) inspectHandler(c *gin.Context) {
	var req InspectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := s.svc.TriggerInspection(c.Request.Context(), c.Param("id"), req.Targets)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}

func (s *Server) skipInspectionHandler(c *gin.Context) {
	run, err := s.svc.SkipInspection(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}

// ProgressCallback is the body posted by collectors on their progress URL.
type ProgressCallback struct {
	ScanID         string `json:"scan_id" binding:"required"`
	Collector      string `json:"collector" binding:"required"`
	Sequence       int64  `json:"sequence" binding:"required"`
	Phase          string `json:"phase"`
	Progress       int    `json:"progress"`
	DiscoveryCount int    `json:"discovery_count"`
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"`
}

func (s *Server) progressCallbackHandler(c *gin.Context) {
	var cb ProgressCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.svc.HandleProgress(c.Request.Context(), service.ProgressUpdate{
		ScanID:         cb.ScanID,
		Collector:      cb.Collector,
		Sequence:       cb.Sequence,
		Progress:       cb.Progress,
		DiscoveryCount: cb.DiscoveryCount,
		Message:        cb.Message,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	// Stale and duplicate callbacks are no-ops, still acknowledged.
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// CompletionCallback is the body posted by collectors on their completion URL.
type CompletionCallback struct {
	ScanID         string `json:"scan_id" binding:"required"`
	Collector      string `json:"collector" binding:"required"`
	Status         string `json:"status" binding:"required"`
	DiscoveryCount int    `json:"discovery_count"`
	ErrorMessage   string `json:"error_message"`
	Timestamp      string `json:"timestamp"`
}

func (s *Server) completionCallbackHandler(c *gin.Context) {
	var cb CompletionCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.svc.HandleCompletion(c.Request.Context(), service.CompletionUpdate{
		ScanID:         cb.ScanID,
		Collector:      cb.Collector,
		Status:         model.CollectorStatus(cb.Status),
		DiscoveryCount: cb.DiscoveryCount,
		ErrorMessage:   cb.ErrorMessage,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// DiscoveryRequest ingests one discovery record on the independent
// discovery channel.
type DiscoveryRequest struct {
	ScanID              string  `json:"scan_id" binding:"required"`
	Source              string  `json:"source" binding:"required"`
	EventType           string  `json:"event_type" binding:"required"`
	Payload             string  `json:"payload"`
	DatabaseCandidate   bool    `json:"database_candidate"`
	CandidateConfidence float64 `json:"candidate_confidence"`
}

func (s *Server) discoveryHandler(c *gin.Context) {
	var req DiscoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d := &model.Discovery{
		ScanRunID:           req.ScanID,
		Source:              req.Source,
		EventType:           req.EventType,
		Payload:             req.Payload,
		DatabaseCandidate:   req.DatabaseCandidate,
		CandidateConfidence: req.CandidateConfidence,
	}
	if err := s.svc.IngestDiscovery(c.Request.Context(), d); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": d.ID})
}
