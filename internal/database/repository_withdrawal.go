package database

import (
	"context"
	"fmt"
	"time"
)

// =====================================================
// WITHDRAWAL OPERATIONS
// =====================================================

// CreateWithdrawalRequest moves a withdrawable investment to
// WITHDRAWAL_PENDING and records the payout request in one transaction.
func (r *Repository) CreateWithdrawalRequest(ctx context.Context, w *Withdrawal) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin withdrawal transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE investments SET status = $2, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND status = 'withdrawable'`,
		w.InvestmentID, InvestmentWithdrawalPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark investment withdrawal pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO withdrawals (investment_id, user_id, amount, status, requested_at)
		 VALUES ($1, $2, $3, 'requested', $4)
		 RETURNING id, created_at`,
		w.InvestmentID, w.UserID, w.Amount, w.RequestedAt,
	).Scan(&w.ID, &w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit withdrawal request: %w", err)
	}

	w.Status = "requested"
	return nil
}

// ProcessWithdrawal finalizes a requested withdrawal and marks the
// investment WITHDRAWN.
func (r *Repository) ProcessWithdrawal(ctx context.Context, withdrawalID string, processedAt time.Time) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin withdrawal processing: %w", err)
	}
	defer tx.Rollback(ctx)

	// An unknown id or an already-processed withdrawal is a state conflict,
	// not an infrastructure failure.
	var investmentID string
	err = tx.QueryRow(ctx,
		`UPDATE withdrawals SET status = 'processed', processed_at = $2
		 WHERE id = $1 AND status = 'requested'
		 RETURNING investment_id`,
		withdrawalID, processedAt,
	).Scan(&investmentID)
	if err != nil {
		return casScanError(err, "failed to process withdrawal")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE investments SET status = $2, withdrawn_at = $3, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND status = 'withdrawal_pending'`,
		investmentID, InvestmentWithdrawn, processedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark investment withdrawn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}

	return tx.Commit(ctx)
}

// ListUserWithdrawals retrieves a user's withdrawals, newest first.
func (r *Repository) ListUserWithdrawals(ctx context.Context, userID string) ([]*Withdrawal, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, investment_id, user_id, amount, status, requested_at, processed_at, created_at
		 FROM withdrawals WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	defer rows.Close()

	var withdrawals []*Withdrawal
	for rows.Next() {
		w := &Withdrawal{}
		err := rows.Scan(&w.ID, &w.InvestmentID, &w.UserID, &w.Amount,
			&w.Status, &w.RequestedAt, &w.ProcessedAt, &w.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		withdrawals = append(withdrawals, w)
	}

	return withdrawals, rows.Err()
}
