package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// =====================================================
// INVESTMENT OPERATIONS
// =====================================================

const investmentColumns = `
	id, pool_id, user_id, initial_amount, current_value, pnl, pnl_percentage,
	status, invested_at, confirmed_at, rejected_at, locked_until, withdrawn_at,
	COALESCE(rejection_reason, ''), reinvested_into, created_at, updated_at`

func scanInvestment(row pgx.Row) (*Investment, error) {
	inv := &Investment{}
	err := row.Scan(
		&inv.ID, &inv.PoolID, &inv.UserID,
		&inv.InitialAmount, &inv.CurrentValue, &inv.PnL, &inv.PnLPercentage,
		&inv.Status, &inv.InvestedAt, &inv.ConfirmedAt, &inv.RejectedAt,
		&inv.LockedUntil, &inv.WithdrawnAt, &inv.RejectionReason,
		&inv.ReinvestedInto, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInvestment retrieves an investment by ID. Returns (nil, nil) when it
// does not exist.
func (r *Repository) GetInvestment(ctx context.Context, investmentID string) (*Investment, error) {
	query := `SELECT ` + investmentColumns + ` FROM investments WHERE id = $1`

	inv, err := scanInvestment(r.db.Pool.QueryRow(ctx, query, investmentID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get investment: %w", err)
	}

	return inv, nil
}

// ListInvestmentsByStatus retrieves all investments in the given status.
func (r *Repository) ListInvestmentsByStatus(ctx context.Context, status InvestmentStatus) ([]*Investment, error) {
	query := `SELECT ` + investmentColumns + ` FROM investments WHERE status = $1 ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list investments: %w", err)
	}
	defer rows.Close()

	var investments []*Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan investment: %w", err)
		}
		investments = append(investments, inv)
	}

	return investments, rows.Err()
}

// ListUserInvestments retrieves a user's investments, newest first.
func (r *Repository) ListUserInvestments(ctx context.Context, userID string) ([]*Investment, error) {
	query := `SELECT ` + investmentColumns + ` FROM investments WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user investments: %w", err)
	}
	defer rows.Close()

	var investments []*Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan investment: %w", err)
		}
		investments = append(investments, inv)
	}

	return investments, rows.Err()
}

// SumUserExposure returns the sum of a user's non-terminal (confirmed,
// active, locked) investment amounts in a pool.
func (r *Repository) SumUserExposure(ctx context.Context, userID, poolID string) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(initial_amount), 0)
		FROM investments
		WHERE user_id = $1 AND pool_id = $2 AND status IN ('confirmed', 'active', 'locked')
	`

	var total decimal.Decimal
	if err := r.db.Pool.QueryRow(ctx, query, userID, poolID).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum user exposure: %w", err)
	}

	return total, nil
}

// GetUserInvestmentStats aggregates a user's investment history.
func (r *Repository) GetUserInvestmentStats(ctx context.Context, userID string) (*UserInvestmentStats, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status IN ('confirmed', 'active', 'locked') THEN initial_amount ELSE 0 END), 0),
			COUNT(CASE WHEN status IN ('confirmed', 'active', 'locked') THEN 1 END),
			COUNT(CASE WHEN status IN ('completed', 'withdrawn') THEN 1 END),
			COALESCE(SUM(pnl), 0)
		FROM investments
		WHERE user_id = $1
	`

	stats := &UserInvestmentStats{}
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&stats.TotalInvested, &stats.ActiveInvestments,
		&stats.CompletedInvestments, &stats.TotalPnL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get investment stats: %w", err)
	}

	return stats, nil
}

// TransitionInvestmentStatus performs a compare-and-set investment status
// transition.
func (r *Repository) TransitionInvestmentStatus(ctx context.Context, investmentID string, from, to InvestmentStatus) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE investments SET status = $3, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND status = $2`,
		investmentID, from, to,
	)
	if err != nil {
		return fmt.Errorf("failed to transition investment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}

	return nil
}

// ApplyDeposit atomically inserts a confirmed investment and increments the
// pool's current_amount/total_invested in one transaction. The pool update is
// capacity-guarded, so two concurrent deposits can never push the pool past
// its hard cap: the second one fails with ErrHardCapExceeded and nothing is
// persisted for it.
func (r *Repository) ApplyDeposit(ctx context.Context, inv *Investment) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin deposit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE pools SET
			current_amount = current_amount + $2,
			total_invested = total_invested + $2,
			updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1
		   AND status IN ('pending', 'active')
		   AND current_amount + $2 <= pool_hard_cap`,
		inv.PoolID, inv.InitialAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to apply pool increment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a full pool from a closed one for the caller's reason.
		var status PoolStatus
		err := tx.QueryRow(ctx, `SELECT status FROM pools WHERE id = $1`, inv.PoolID).Scan(&status)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to inspect pool after rejected deposit: %w", err)
		}
		if status == PoolPending || status == PoolActive {
			return ErrHardCapExceeded
		}
		return ErrStateConflict
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO investments (
			pool_id, user_id, initial_amount, current_value, pnl, pnl_percentage,
			status, invested_at, confirmed_at
		) VALUES ($1, $2, $3, $3, 0, 0, $4, $5, $5)
		RETURNING id, created_at, updated_at`,
		inv.PoolID, inv.UserID, inv.InitialAmount, InvestmentConfirmed, inv.InvestedAt,
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert investment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit deposit: %w", err)
	}

	inv.CurrentValue = inv.InitialAmount
	inv.Status = InvestmentConfirmed
	confirmedAt := inv.InvestedAt
	inv.ConfirmedAt = &confirmedAt
	return nil
}

// ApplyReinvestment atomically executes a capital transfer: it inserts the
// successor investment in the destination pool, increments the destination
// pool's amounts under the same capacity guard as a deposit, and moves the
// source investment to the terminal REINVESTED state with a forward reference
// to its successor. A source that is no longer COMPLETED (processed by a
// concurrent run) aborts the whole transaction with ErrStateConflict.
func (r *Repository) ApplyReinvestment(ctx context.Context, source *Investment, successor *Investment) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reinvestment transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE pools SET
			current_amount = current_amount + $2,
			total_invested = total_invested + $2,
			updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1
		   AND status = 'pending'
		   AND current_amount + $2 <= pool_hard_cap`,
		successor.PoolID, successor.InitialAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to apply destination pool increment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pools WHERE id = $1)`, successor.PoolID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to inspect destination pool: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrHardCapExceeded
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO investments (
			pool_id, user_id, initial_amount, current_value, pnl, pnl_percentage,
			status, invested_at, confirmed_at
		) VALUES ($1, $2, $3, $3, 0, 0, $4, $5, $5)
		RETURNING id, created_at, updated_at`,
		successor.PoolID, successor.UserID, successor.InitialAmount,
		InvestmentConfirmed, successor.InvestedAt,
	).Scan(&successor.ID, &successor.CreatedAt, &successor.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert successor investment: %w", err)
	}

	tag, err = tx.Exec(ctx,
		`UPDATE investments SET
			status = $2,
			reinvested_into = $3,
			updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND status = 'completed'`,
		source.ID, InvestmentReinvested, successor.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to close source investment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reinvestment: %w", err)
	}

	successor.CurrentValue = successor.InitialAmount
	successor.Status = InvestmentConfirmed
	source.Status = InvestmentReinvested
	source.ReinvestedInto = &successor.ID
	return nil
}
