package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"pool-capital-engine/internal/auth"
	"pool-capital-engine/internal/circuit"
	"pool-capital-engine/internal/database"
	"pool-capital-engine/internal/lifecycle"
)

func (s *Server) actor(c *gin.Context) lifecycle.Actor {
	return lifecycle.Actor{
		UserID: auth.GetUserID(c),
		Role:   auth.GetUserRole(c),
	}
}

type poolRequest struct {
	Name                  string             `json:"name" binding:"required"`
	Description           string             `json:"description"`
	ModelType             database.ModelType `json:"model_type" binding:"required"`
	RiskLevel             database.RiskLevel `json:"risk_level" binding:"required"`
	PoolHardCap           decimal.Decimal    `json:"pool_hard_cap" binding:"required"`
	MinInvestment         decimal.Decimal    `json:"min_investment"`
	MaxInvestmentPerUser  decimal.Decimal    `json:"max_investment_per_user"`
	MaxInvestmentPerAdmin decimal.Decimal    `json:"max_investment_per_admin"`
	MaxDailyDrawdown      decimal.Decimal    `json:"max_daily_drawdown"`
	StartDate             *time.Time         `json:"start_date"`
	EndDate               *time.Time         `json:"end_date"`
	SettlementDate        *time.Time         `json:"settlement_date"`
}

func (s *Server) handleCreatePool(c *gin.Context) {
	var req poolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	pool := &database.Pool{
		Name:                  req.Name,
		Description:           req.Description,
		ModelType:             req.ModelType,
		RiskLevel:             req.RiskLevel,
		ManagerID:             auth.GetUserID(c),
		PoolHardCap:           req.PoolHardCap,
		MinInvestment:         req.MinInvestment,
		MaxInvestmentPerUser:  req.MaxInvestmentPerUser,
		MaxInvestmentPerAdmin: req.MaxInvestmentPerAdmin,
		MaxDailyDrawdown:      req.MaxDailyDrawdown,
		StartDate:             req.StartDate,
		EndDate:               req.EndDate,
		SettlementDate:        req.SettlementDate,
	}

	if err := s.repo.CreatePool(c.Request.Context(), pool); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create pool"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"pool": pool})
}

func (s *Server) handleListPools(c *gin.Context) {
	filter := database.PoolFilter{Search: c.Query("search")}
	if statuses := c.Query("status"); statuses != "" {
		for _, st := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, database.PoolStatus(st))
		}
	}
	if levels := c.Query("risk_level"); levels != "" {
		for _, l := range strings.Split(levels, ",") {
			filter.RiskLevels = append(filter.RiskLevels, database.RiskLevel(l))
		}
	}

	pools, err := s.repo.ListPools(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pools"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pools": pools, "count": len(pools)})
}

func (s *Server) handleGetPool(c *gin.Context) {
	pool, err := s.repo.GetPool(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get pool"})
		return
	}
	if pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pool": pool})
}

// handlePoolHealth serves the latest cached health sample, falling back to a
// synchronous evaluation when the cache is cold or disabled.
func (s *Server) handlePoolHealth(c *gin.Context) {
	poolID := c.Param("id")

	if s.cacheSvc != nil {
		if sample, err := s.cacheSvc.GetHealthSample(c.Request.Context(), poolID); err == nil && sample != nil {
			c.JSON(http.StatusOK, gin.H{"health": sample, "source": "cache"})
			return
		}
	}

	sample, err := s.monitor.CheckPool(c.Request.Context(), poolID)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "health check failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"health": sample, "source": "live"})
}

func (s *Server) handleUpdatePool(c *gin.Context) {
	poolID := c.Param("id")

	pool, err := s.repo.GetPool(c.Request.Context(), poolID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get pool"})
		return
	}
	if pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
		return
	}

	actor := s.actor(c)
	if !actor.IsAdmin() && pool.ManagerID != actor.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the pool manager or an admin may update a pool"})
		return
	}

	var req poolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	// Capital limits and schedule changes are high-impact and gated
	// separately from plain metadata edits.
	if !req.PoolHardCap.Equal(pool.PoolHardCap) ||
		!req.MinInvestment.Equal(pool.MinInvestment) ||
		!req.MaxInvestmentPerUser.Equal(pool.MaxInvestmentPerUser) ||
		!req.MaxInvestmentPerAdmin.Equal(pool.MaxInvestmentPerAdmin) {
		if ok := s.requireSensitiveAction(c, "modify_pool_limits"); !ok {
			return
		}
	}
	if !timesEqual(req.StartDate, pool.StartDate) || !timesEqual(req.EndDate, pool.EndDate) {
		if ok := s.requireSensitiveAction(c, "modify_duration"); !ok {
			return
		}
	}

	pool.Name = req.Name
	pool.Description = req.Description
	pool.ModelType = req.ModelType
	pool.RiskLevel = req.RiskLevel
	pool.PoolHardCap = req.PoolHardCap
	pool.MinInvestment = req.MinInvestment
	pool.MaxInvestmentPerUser = req.MaxInvestmentPerUser
	pool.MaxInvestmentPerAdmin = req.MaxInvestmentPerAdmin
	pool.MaxDailyDrawdown = req.MaxDailyDrawdown
	pool.StartDate = req.StartDate
	pool.EndDate = req.EndDate
	pool.SettlementDate = req.SettlementDate

	err = s.repo.UpdatePoolConfig(c.Request.Context(), pool)
	if errors.Is(err, database.ErrStateConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "only draft or pending pools can be updated"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update pool"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pool": pool})
}

func (s *Server) handleDeletePool(c *gin.Context) {
	err := s.repo.DeleteDraftPool(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrStateConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "only empty draft pools can be deleted"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete pool"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handlePublishPool(c *gin.Context) {
	pool, err := s.machine.Publish(c.Request.Context(), c.Param("id"), s.actor(c))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
		return
	}
	if errors.Is(err, database.ErrStateConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish pool"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pool": pool})
}

func (s *Server) handleResumePool(c *gin.Context) {
	sample, err := s.monitor.Resume(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	switch {
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
	case errors.Is(err, circuit.ErrStillUnhealthy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "health": sample})
	case errors.Is(err, database.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume pool"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "resumed", "health": sample})
	}
}

type haltRequest struct {
	Target database.PoolStatus `json:"target" binding:"required"`
}

func (s *Server) handleHaltPool(c *gin.Context) {
	var req haltRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := s.machine.EmergencyHalt(c.Request.Context(), c.Param("id"), req.Target, s.actor(c))
	if errors.Is(err, database.ErrStateConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(req.Target)})
}

func (s *Server) handleArchivePool(c *gin.Context) {
	err := s.machine.Archive(c.Request.Context(), c.Param("id"), s.actor(c))
	if errors.Is(err, database.ErrStateConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "only closed pools can be archived"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to archive pool"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "archived"})
}

type poolPnLRequest struct {
	TotalPnL decimal.Decimal `json:"total_pnl"`
	DailyPnL decimal.Decimal `json:"daily_pnl"`
}

// handleUpdatePoolPnL records the PnL figures reported by the trading
// adapter. The risk monitor reads these on its next pass.
func (s *Server) handleUpdatePoolPnL(c *gin.Context) {
	poolID := c.Param("id")

	pool, err := s.repo.GetPool(c.Request.Context(), poolID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get pool"})
		return
	}
	if pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
		return
	}

	actor := s.actor(c)
	if !actor.IsAdmin() && pool.ManagerID != actor.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the pool manager or an admin may report PnL"})
		return
	}

	var req poolPnLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := s.repo.UpdatePoolPnL(c.Request.Context(), poolID, req.TotalPnL, req.DailyPnL); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update pool pnl"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// requireSensitiveAction runs the super-admin/MFA gate and writes the
// rejection response itself. Returns false when the request must stop.
func (s *Server) requireSensitiveAction(c *gin.Context, action string) bool {
	result, err := s.gate.ValidateSensitiveAction(c.Request.Context(), auth.GetUserID(c), action)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate action"})
		return false
	}
	if !result.Valid {
		c.JSON(http.StatusForbidden, gin.H{"error": result.Reason})
		return false
	}
	return true
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
