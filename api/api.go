package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/config"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/db"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/models"
	"github.com/sorenmh/infrastructure-shared/fleet-orchestrator/registry"
)

const Version = "1.0.0"

// Orchestrator is the deployment engine behind the HTTP surface.
type Orchestrator interface {
	Deploy(ctx context.Context, envID string, opts models.DeployOptions) (*models.DeploymentRecord, error)
	DeployAll(ctx context.Context, opts models.DeployOptions) []models.DeployResult
	Rollback(ctx context.Context, envID, triggeredBy string) (*models.DeploymentRecord, error)
	SyncCode(ctx context.Context, envID, triggeredBy string) (*models.DeploymentRecord, error)
	VerifyEnvironment(ctx context.Context, envID string) (*models.VerificationRecord, error)
	VerifyAll(ctx context.Context) map[string]*models.VerificationRecord
	Status(ctx context.Context, envID string) (*models.EnvironmentStatus, error)
}

type Server struct {
	config       *config.Config
	store        *db.Store
	registry     *registry.Registry
	orchestrator Orchestrator
	router       *gin.Engine
}

func NewServer(cfg *config.Config, store *db.Store, reg *registry.Registry, orch Orchestrator) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:       cfg,
		store:        store,
		registry:     reg,
		orchestrator: orch,
		router:       gin.Default(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check (no auth)
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	api.Use(s.authMiddleware())
	{
		// Environments
		api.GET("/environments", s.handleListEnvironments)
		api.GET("/status", s.handleAllStatuses)
		api.GET("/environments/:env/status", s.handleStatus)
		api.POST("/environments/:env/deploy", s.handleDeploy)
		api.POST("/environments/:env/rollback", s.handleRollback)
		api.POST("/environments/:env/sync", s.handleSync)
		api.POST("/environments/:env/verify", s.handleVerify)
		api.GET("/environments/:env/deployments", s.handleListDeployments)

		// Fleet-wide operations
		api.POST("/deploy", s.handleDeployAll)
		api.POST("/verify", s.handleVerifyAll)

		// Deployment history
		api.GET("/deployments", s.handleQueryDeployments)
		api.GET("/deployments/:id", s.handleGetDeployment)

		// Config snapshots
		api.POST("/snapshots", s.handleCreateSnapshot)
		api.GET("/snapshots", s.handleListSnapshots)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			c.Abort()
			return
		}

		if !s.config.ValidateAPIKey(parts[1]) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// abortWithError maps domain errors to HTTP status codes.
func abortWithError(c *gin.Context, err error) {
	var verr *models.CommandValidationError
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("Internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	dbOK := s.store.Ping() == nil

	status := "healthy"
	if !dbOK {
		status = "degraded"
	}

	c.JSON(http.StatusOK, models.HealthResponse{
		Status:             status,
		Version:            Version,
		DatabaseAccessible: dbOK,
		Environments:       len(s.registry.All()),
	})
}

func (s *Server) handleListEnvironments(c *gin.Context) {
	statuses, err := s.store.AllEnvironmentStatuses()
	if err != nil {
		log.Printf("Error loading environment statuses: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load environment statuses"})
		return
	}

	byEnv := make(map[string]*models.EnvironmentStatus, len(statuses))
	for i := range statuses {
		byEnv[statuses[i].Environment] = &statuses[i]
	}

	type envEntry struct {
		*models.Environment
		Status *models.EnvironmentStatus `json:"status,omitempty"`
	}

	entries := make([]envEntry, 0)
	for _, target := range s.registry.All() {
		entries = append(entries, envEntry{
			Environment: target.Environment,
			Status:      byEnv[target.ID],
		})
	}

	c.JSON(http.StatusOK, gin.H{"environments": entries})
}

func (s *Server) handleAllStatuses(c *gin.Context) {
	statuses, err := s.store.AllEnvironmentStatuses()
	if err != nil {
		log.Printf("Error loading environment statuses: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load environment statuses"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.orchestrator.Status(c.Request.Context(), c.Param("env"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no status recorded"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleDeploy(c *gin.Context) {
	// Empty bodies deploy with defaults.
	var req models.DeployRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	rec, err := s.orchestrator.Deploy(c.Request.Context(), c.Param("env"), models.DeployOptions{
		SkipBuild:   req.SkipBuild,
		SkipVerify:  req.SkipVerify,
		Force:       req.Force,
		Services:    req.Services,
		Branch:      req.Branch,
		TriggeredBy: req.TriggeredBy,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeployAll(c *gin.Context) {
	var req models.DeployRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	results := s.orchestrator.DeployAll(c.Request.Context(), models.DeployOptions{
		SkipBuild:   req.SkipBuild,
		SkipVerify:  req.SkipVerify,
		Force:       req.Force,
		Services:    req.Services,
		Branch:      req.Branch,
		TriggeredBy: req.TriggeredBy,
	})

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
	})
}

func (s *Server) handleRollback(c *gin.Context) {
	var req models.RollbackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	rec, err := s.orchestrator.Rollback(c.Request.Context(), c.Param("env"), req.TriggeredBy)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleSync(c *gin.Context) {
	var req models.SyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	rec, err := s.orchestrator.SyncCode(c.Request.Context(), c.Param("env"), req.TriggeredBy)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleVerify(c *gin.Context) {
	record, err := s.orchestrator.VerifyEnvironment(c.Request.Context(), c.Param("env"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleVerifyAll(c *gin.Context) {
	records := s.orchestrator.VerifyAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"results": records})
}

func (s *Server) handleListDeployments(c *gin.Context) {
	envID := c.Param("env")
	if _, err := s.registry.Resolve(envID); err != nil {
		abortWithError(c, err)
		return
	}
	s.queryDeployments(c, envID)
}

func (s *Server) handleQueryDeployments(c *gin.Context) {
	s.queryDeployments(c, c.Query("environment"))
}

func (s *Server) queryDeployments(c *gin.Context, envID string) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := c.Query("status")

	deployments, total, err := s.store.QueryDeployments(envID, status, limit, offset)
	if err != nil {
		log.Printf("Error querying deployments: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get deployments"})
		return
	}

	c.JSON(http.StatusOK, models.DeploymentListResponse{
		Deployments: deployments,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

func (s *Server) handleGetDeployment(c *gin.Context) {
	rec, err := s.store.GetDeployment(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCreateSnapshot(c *gin.Context) {
	var req models.SnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch models.ConfigType(req.ConfigType) {
	case models.SnapshotTopology, models.SnapshotServices, models.SnapshotPipelines:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown config type %q", req.ConfigType)})
		return
	}

	snap := &models.ConfigSnapshot{
		ID:         uuid.New().String(),
		ConfigType: models.ConfigType(req.ConfigType),
		Content:    []byte(req.Content),
		CreatedAt:  time.Now(),
	}
	if err := s.store.SaveSnapshot(snap); err != nil {
		log.Printf("Error saving snapshot: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save snapshot"})
		return
	}

	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	snapshots, err := s.store.ListSnapshots(c.Query("config_type"), limit)
	if err != nil {
		log.Printf("Error listing snapshots: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list snapshots"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	log.Printf("Starting server on %s", addr)
	return s.router.Run(addr)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
