package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pool-capital-engine/internal/database"
)

const (
	// Context keys for user data
	ContextKeyUserID = "user_id"
	ContextKeyEmail  = "user_email"
	ContextKeyRole   = "user_role"
	ContextKeyClaims = "user_claims"
)

// Middleware creates a JWT authentication middleware
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Extract token from Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "missing authorization header",
			})
			return
		}

		// Check Bearer prefix
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "invalid authorization header format",
			})
			return
		}

		tokenString := parts[1]

		// Validate token
		claims, err := jwtManager.ValidateAccessToken(tokenString)
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}

			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   authErr.Code,
				"message": authErr.Message,
			})
			return
		}

		// Set user context
		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyEmail, claims.Email)
		c.Set(ContextKeyRole, claims.Role)
		c.Set(ContextKeyClaims, claims)

		c.Next()
	}
}

// roleRank orders roles by privilege for minimum-role checks.
var roleRank = map[database.UserRole]int{
	database.RoleInvestor:   0,
	database.RoleManager:    1,
	database.RoleAdmin:      2,
	database.RoleSuperAdmin: 3,
}

// RequireRole middleware ensures the user holds at least the given role.
func RequireRole(minRole database.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetUserRole(c)
		if roleRank[role] < roleRank[minRole] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   ErrForbidden.Code,
				"message": string(minRole) + " role required",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin middleware ensures the user is an admin or super admin.
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(database.RoleAdmin)
}

// GetUserID extracts the user ID from the Gin context
func GetUserID(c *gin.Context) string {
	if userID, exists := c.Get(ContextKeyUserID); exists {
		return userID.(string)
	}
	return ""
}

// GetUserRole extracts the user role from the Gin context
func GetUserRole(c *gin.Context) database.UserRole {
	if role, exists := c.Get(ContextKeyRole); exists {
		return role.(database.UserRole)
	}
	return database.RoleInvestor
}

// GetUserClaims extracts the full user claims from the Gin context
func GetUserClaims(c *gin.Context) *UserClaims {
	if claims, exists := c.Get(ContextKeyClaims); exists {
		return claims.(*UserClaims)
	}
	return nil
}
