package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// USER OPERATIONS
// =====================================================

const userColumns = `
	id, email, password_hash, COALESCE(name, ''), role, kyc_status,
	is_blocked, has_active_subscription, mfa_enabled, mfa_required,
	auto_reinvest, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Name,
		&user.Role, &user.KycStatus,
		&user.IsBlocked, &user.HasActiveSubscription,
		&user.MfaEnabled, &user.MfaRequired, &user.AutoReinvest,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser creates a new user
func (r *Repository) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (
			email, password_hash, name, role, kyc_status,
			is_blocked, has_active_subscription, mfa_enabled, mfa_required, auto_reinvest
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		user.Email, user.PasswordHash, user.Name, user.Role, user.KycStatus,
		user.IsBlocked, user.HasActiveSubscription,
		user.MfaEnabled, user.MfaRequired, user.AutoReinvest,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUserByID retrieves a user by ID. Returns (nil, nil) when not found.
func (r *Repository) GetUserByID(ctx context.Context, userID string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.Pool.QueryRow(ctx, query, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// GetUserByEmail retrieves a user by email. Returns (nil, nil) when not found.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := scanUser(r.db.Pool.QueryRow(ctx, query, email))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return user, nil
}

// UpdateAutoReinvestPreference flips a user's auto-reinvest flag.
func (r *Repository) UpdateAutoReinvestPreference(ctx context.Context, userID string, autoReinvest bool) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET auto_reinvest = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		userID, autoReinvest,
	)
	if err != nil {
		return fmt.Errorf("failed to update auto-reinvest preference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
