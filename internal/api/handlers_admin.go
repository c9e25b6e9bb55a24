package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pool-capital-engine/internal/auth"
	"pool-capital-engine/internal/cache"
)

// handleEmergencyStop pauses every active pool at once. This is on the
// sensitive action list: super admin with MFA only, regardless of the
// admin-level route guard.
func (s *Server) handleEmergencyStop(c *gin.Context) {
	if ok := s.requireSensitiveAction(c, "emergency_stop"); !ok {
		return
	}

	paused, err := s.monitor.EmergencyStopAll(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "emergency stop failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"paused_pools": paused})
}

// handleRunAllocation triggers one allocation pass outside the nightly
// schedule.
func (s *Server) handleRunAllocation(c *gin.Context) {
	stats := s.allocator.Run(c.Request.Context())

	if s.cacheSvc != nil {
		_ = s.cacheSvc.SetJSON(c.Request.Context(), cache.ReinvestStatsKey(), stats, cache.DefaultStatsTTL)
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
