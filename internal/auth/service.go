package auth

import (
	"context"
	"fmt"
	"strings"

	"pool-capital-engine/internal/database"
)

// UserStore is the slice of the ledger store the auth service needs.
type UserStore interface {
	CreateUser(ctx context.Context, user *database.User) (err error)
	GetUserByID(ctx context.Context, userID string) (*database.User, error)
	GetUserByEmail(ctx context.Context, email string) (*database.User, error)
}

// Service handles registration and login.
type Service struct {
	store     UserStore
	jwt       *JWTManager
	passwords *PasswordManager
}

// NewService creates an auth service.
func NewService(store UserStore, jwt *JWTManager, passwords *PasswordManager) *Service {
	return &Service{
		store:     store,
		jwt:       jwt,
		passwords: passwords,
	}
}

// RegisterRequest is the payload for creating an account.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
}

// Register creates a new investor account. New accounts start without KYC, a
// subscription, or MFA; those flags are managed by the platform backoffice.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*database.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if err := s.passwords.ValidatePasswordStrength(req.Password); err != nil {
		return nil, AuthError{Code: "WEAK_PASSWORD", Message: err.Error()}
	}

	existing, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	hash, err := s.passwords.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &database.User{
		Email:        email,
		PasswordHash: hash,
		Name:         req.Name,
		Role:         database.RoleInvestor,
		KycStatus:    database.KycPending,
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// Login verifies credentials and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (*database.User, *TokenPair, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, nil, ErrInvalidCredentials
	}

	if !s.passwords.VerifyPassword(password, user.PasswordHash) {
		return nil, nil, ErrInvalidCredentials
	}

	if user.IsBlocked {
		return nil, nil, AuthError{Code: "ACCOUNT_BLOCKED", Message: "account is blocked"}
	}

	pair, err := s.jwt.GenerateTokenPair(UserClaims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate tokens: %w", err)
	}

	return user, pair, nil
}
