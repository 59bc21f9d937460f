package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(c *gin.Context) {
	queueLen, err := s.db.GetQueueLength()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get queue length"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queue_length": queueLen,
		"max_pending":  s.config.MaxPendingRuns,
	})
}

// handleBuildsPerDay handles GET /api/v1/builds-per-day
func (s *Server) handleBuildsPerDay(c *gin.Context) {
	days := 30 // default
	if d := c.Query("days"); d != "" {
		fmt.Sscanf(d, "%d", &days)
	}

	stats, err := s.db.GetBuildStatsPerDay(days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get statistics"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// handleBuildsByVersion handles GET /api/v1/builds-by-version
func (s *Server) handleBuildsByVersion(c *gin.Context) {
	weeks := 26 // default
	if w := c.Query("weeks"); w != "" {
		fmt.Sscanf(w, "%d", &weeks)
	}

	stats, err := s.db.GetBuildStatsByVersion(weeks)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get statistics"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// handleTargetStats handles GET /api/v1/target-stats
func (s *Server) handleTargetStats(c *gin.Context) {
	days := 30 // default
	if d := c.Query("days"); d != "" {
		fmt.Sscanf(d, "%d", &days)
	}

	stats, err := s.db.GetTargetStats(days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get target statistics"})
		return
	}

	c.JSON(http.StatusOK, stats)
}
