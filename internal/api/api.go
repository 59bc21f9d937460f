package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marlinbuild/builder/internal/config"
	"github.com/marlinbuild/builder/internal/db"
	"github.com/marlinbuild/builder/internal/metrics"
	"github.com/marlinbuild/builder/internal/models"
	"github.com/marlinbuild/builder/internal/queue"
	"github.com/marlinbuild/builder/internal/store"
)

// Server holds the API server components
type Server struct {
	db         *db.DB
	config     *config.Config
	store      *store.Store
	loadMatrix queue.MatrixLoader
	registry   *prometheus.Registry
	onEnqueue  func()
	router     *gin.Engine
	httpServer *http.Server
}

// Options carries the optional collaborators of the server
type Options struct {
	Registry  *prometheus.Registry
	OnEnqueue func()
}

// NewServer creates a new API server
func NewServer(database *db.DB, cfg *config.Config, st *store.Store, loadMatrix queue.MatrixLoader, opts Options) *Server {
	s := &Server{
		db:         database,
		config:     cfg,
		store:      st,
		loadMatrix: loadMatrix,
		registry:   opts.Registry,
		onEnqueue:  opts.OnEnqueue,
	}

	// Setup router
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/manufacturers", s.handleManufacturers)
		v1.GET("/builds/:manufacturer/:printer", s.handleTargetBuilds)
		v1.POST("/runs", s.handleCreateRun)
		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleRunStatus)
		v1.GET("/stats", s.handleStats)
		v1.GET("/builds-per-day", s.handleBuildsPerDay)
		v1.GET("/builds-by-version", s.handleBuildsByVersion)
		v1.GET("/target-stats", s.handleTargetStats)
	}

	// Published site and artifacts
	s.router.Static("/firmware", s.store.Root())
	s.router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/firmware/")
	})

	if s.registry != nil {
		s.router.GET("/metrics", gin.WrapH(metrics.HTTPHandler(s.registry)))
	}

	// Health check
	s.router.GET("/health", s.handleHealth)
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it is shut down
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleManufacturers handles GET /api/v1/manufacturers
func (s *Server) handleManufacturers(c *gin.Context) {
	m, err := s.loadMatrix()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load build matrix: %v", err)})
		return
	}

	c.JSON(http.StatusOK, m)
}

// handleTargetBuilds handles GET /api/v1/builds/:manufacturer/:printer
func (s *Server) handleTargetBuilds(c *gin.Context) {
	m, err := s.loadMatrix()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to load build matrix: %v", err)})
		return
	}

	var target *models.Target
	for _, t := range m.Targets() {
		if strings.EqualFold(t.Manufacturer, c.Param("manufacturer")) && strings.EqualFold(t.Printer, c.Param("printer")) {
			target = &t
			break
		}
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Target not found"})
		return
	}

	records, err := s.store.ListAll(s.store.TargetDir(*target))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to read build history: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"manufacturer": target.Manufacturer,
		"printer":      target.Printer,
		"channels":     store.History(records),
	})
}

// handleCreateRun handles POST /api/v1/runs
func (s *Server) handleCreateRun(c *gin.Context) {
	var req models.RunRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, created, err := queue.Enqueue(s.db, req, s.config.MaxPendingRuns)
	if errors.Is(err, queue.ErrQueueFull) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Queue is full, please try again later"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to enqueue run: %v", err)})
		return
	}

	if created {
		if s.onEnqueue != nil {
			s.onEnqueue()
		}
	} else if run.Status == models.RunStatusPending {
		run.QueuePosition, _ = s.db.GetQueuePosition(run.ID)
	}

	c.JSON(http.StatusAccepted, run)
}

// handleListRuns handles GET /api/v1/runs
func (s *Server) handleListRuns(c *gin.Context) {
	limit := 50 // default
	if l := c.Query("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}

	runs, err := s.db.ListRuns(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}

	c.JSON(http.StatusOK, runs)
}

// handleRunStatus handles GET /api/v1/runs/:id
func (s *Server) handleRunStatus(c *gin.Context) {
	run, err := s.db.GetRun(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get run status"})
		return
	}

	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}

	if run.Status == models.RunStatusPending {
		run.QueuePosition, _ = s.db.GetQueuePosition(run.ID)
	}

	// Return appropriate status code
	switch run.Status {
	case models.RunStatusPending, models.RunStatusBuilding:
		c.JSON(http.StatusAccepted, run)
	case models.RunStatusFailed:
		c.JSON(http.StatusInternalServerError, run)
	default:
		c.JSON(http.StatusOK, run)
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
		"output": filepath.Clean(s.store.Root()),
	})
}
