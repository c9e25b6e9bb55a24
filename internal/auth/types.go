package auth

import "pool-capital-engine/internal/database"

// UserClaims are the engine-specific claims carried inside the access token.
type UserClaims struct {
	UserID string            `json:"user_id"`
	Email  string            `json:"email"`
	Role   database.UserRole `json:"role"`
}

// TokenPair bundles an access token with its refresh token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// AuthError is a coded authentication error safe to return to clients.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

var (
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or malformed token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "authentication required"}
	ErrForbidden          = AuthError{Code: "FORBIDDEN", Message: "insufficient permissions"}
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid email or password"}
	ErrUserNotFound       = AuthError{Code: "USER_NOT_FOUND", Message: "user not found"}
	ErrEmailTaken         = AuthError{Code: "EMAIL_TAKEN", Message: "email already registered"}
)
