package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pool-capital-engine/internal/auth"
)

func (s *Server) handleRegister(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	user, err := s.authService.Register(c.Request.Context(), req)
	if err != nil {
		if authErr, ok := err.(auth.AuthError); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": authErr.Code, "message": authErr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": user})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	user, tokens, err := s.authService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if authErr, ok := err.(auth.AuthError); ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": authErr.Code, "message": authErr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user, "tokens": tokens})
}
