package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"pool-capital-engine/internal/auth"
	"pool-capital-engine/internal/cache"
	"pool-capital-engine/internal/database"
)

type investmentRequest struct {
	PoolID string          `json:"pool_id" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) handleValidateInvestment(c *gin.Context) {
	var req investmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := s.gate.Validate(c.Request.Context(), auth.GetUserID(c), req.PoolID, req.Amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "validation failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleCreateInvestment(c *gin.Context) {
	var req investmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	inv, result, err := s.gate.Deposit(c.Request.Context(), auth.GetUserID(c), req.PoolID, req.Amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deposit failed"})
		return
	}
	if !result.Valid {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"investment": inv})
}

func (s *Server) handleListInvestments(c *gin.Context) {
	investments, err := s.repo.ListUserInvestments(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list investments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"investments": investments, "count": len(investments)})
}

func (s *Server) handleInvestmentStats(c *gin.Context) {
	userID := auth.GetUserID(c)
	ctx := c.Request.Context()

	if s.cacheSvc != nil {
		var stats database.UserInvestmentStats
		if err := s.cacheSvc.GetJSON(ctx, cache.UserStatsKey(userID), &stats); err == nil {
			c.JSON(http.StatusOK, gin.H{"stats": stats, "source": "cache"})
			return
		}
	}

	stats, err := s.repo.GetUserInvestmentStats(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}

	if s.cacheSvc != nil {
		_ = s.cacheSvc.SetJSON(ctx, cache.UserStatsKey(userID), stats, cache.DefaultStatsTTL)
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats, "source": "live"})
}

type autoReinvestRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleAutoReinvestPreference(c *gin.Context) {
	var req autoReinvestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := s.repo.UpdateAutoReinvestPreference(c.Request.Context(), auth.GetUserID(c), *req.Enabled)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update preference"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"auto_reinvest": *req.Enabled})
}

type withdrawalRequest struct {
	InvestmentID string `json:"investment_id" binding:"required"`
}

func (s *Server) handleCreateWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	userID := auth.GetUserID(c)

	inv, err := s.repo.GetInvestment(c.Request.Context(), req.InvestmentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load investment"})
		return
	}
	if inv == nil || inv.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "investment not found"})
		return
	}

	w := &database.Withdrawal{
		InvestmentID: inv.ID,
		UserID:       userID,
		Amount:       inv.CurrentValue,
		RequestedAt:  time.Now().UTC(),
	}

	err = s.repo.CreateWithdrawalRequest(c.Request.Context(), w)
	if errors.Is(err, database.ErrStateConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "investment is not withdrawable"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to request withdrawal"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

func (s *Server) handleListWithdrawals(c *gin.Context) {
	withdrawals, err := s.repo.ListUserWithdrawals(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list withdrawals"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"withdrawals": withdrawals, "count": len(withdrawals)})
}

func (s *Server) handleProcessWithdrawal(c *gin.Context) {
	err := s.repo.ProcessWithdrawal(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if errors.Is(err, database.ErrStateConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "withdrawal is not in a processable state"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process withdrawal"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}
