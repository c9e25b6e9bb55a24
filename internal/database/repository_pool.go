package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// =====================================================
// POOL CRUD OPERATIONS
// =====================================================

const poolColumns = `
	id, name, COALESCE(description, ''), model_type, risk_level, status, manager_id,
	current_amount, total_invested, total_pnl, daily_pnl,
	pool_hard_cap, min_investment, max_investment_per_user, max_investment_per_admin,
	max_daily_drawdown, start_date, end_date, settlement_date, created_at, updated_at`

func scanPool(row pgx.Row) (*Pool, error) {
	pool := &Pool{}
	err := row.Scan(
		&pool.ID, &pool.Name, &pool.Description, &pool.ModelType, &pool.RiskLevel,
		&pool.Status, &pool.ManagerID,
		&pool.CurrentAmount, &pool.TotalInvested, &pool.TotalPnL, &pool.DailyPnL,
		&pool.PoolHardCap, &pool.MinInvestment, &pool.MaxInvestmentPerUser,
		&pool.MaxInvestmentPerAdmin, &pool.MaxDailyDrawdown,
		&pool.StartDate, &pool.EndDate, &pool.SettlementDate,
		&pool.CreatedAt, &pool.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// CreatePool inserts a new pool in DRAFT status.
func (r *Repository) CreatePool(ctx context.Context, pool *Pool) error {
	query := `
		INSERT INTO pools (
			name, description, model_type, risk_level, status, manager_id,
			pool_hard_cap, min_investment, max_investment_per_user,
			max_investment_per_admin, max_daily_drawdown,
			start_date, end_date, settlement_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, current_amount, total_invested, total_pnl, daily_pnl, created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		pool.Name, pool.Description, pool.ModelType, pool.RiskLevel, PoolDraft,
		pool.ManagerID, pool.PoolHardCap, pool.MinInvestment,
		pool.MaxInvestmentPerUser, pool.MaxInvestmentPerAdmin, pool.MaxDailyDrawdown,
		pool.StartDate, pool.EndDate, pool.SettlementDate,
	).Scan(&pool.ID, &pool.CurrentAmount, &pool.TotalInvested, &pool.TotalPnL,
		&pool.DailyPnL, &pool.CreatedAt, &pool.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}

	pool.Status = PoolDraft
	return nil
}

// GetPool retrieves a pool by ID. Returns (nil, nil) when it does not exist.
func (r *Repository) GetPool(ctx context.Context, poolID string) (*Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE id = $1`

	pool, err := scanPool(r.db.Pool.QueryRow(ctx, query, poolID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}

	return pool, nil
}

// ListPools retrieves pools matching the filter, newest first.
func (r *Repository) ListPools(ctx context.Context, filter PoolFilter) ([]*Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argPos)
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		argPos++
	}
	if len(filter.RiskLevels) > 0 {
		query += fmt.Sprintf(" AND risk_level = ANY($%d)", argPos)
		levels := make([]string, len(filter.RiskLevels))
		for i, l := range filter.RiskLevels {
			levels[i] = string(l)
		}
		args = append(args, levels)
		argPos++
	}
	if filter.Search != "" {
		query += fmt.Sprintf(" AND name ILIKE $%d", argPos)
		args = append(args, "%"+filter.Search+"%")
		argPos++
	}

	query += " ORDER BY created_at DESC"

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	defer rows.Close()

	var pools []*Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pool: %w", err)
		}
		pools = append(pools, pool)
	}

	return pools, rows.Err()
}

// ListPoolsByStatus retrieves all pools in the given status.
func (r *Repository) ListPoolsByStatus(ctx context.Context, status PoolStatus) ([]*Pool, error) {
	return r.ListPools(ctx, PoolFilter{Statuses: []PoolStatus{status}})
}

// ListPoolsDue retrieves pools in the given status whose deadline column has
// passed. The deadline column is one of start_date, end_date or
// settlement_date; anything else is rejected to keep the query injection-safe.
func (r *Repository) ListPoolsDue(ctx context.Context, status PoolStatus, deadlineColumn string, now time.Time) ([]*Pool, error) {
	switch deadlineColumn {
	case "start_date", "end_date", "settlement_date":
	default:
		return nil, fmt.Errorf("invalid deadline column: %s", deadlineColumn)
	}

	query := `SELECT ` + poolColumns + ` FROM pools WHERE status = $1 AND ` +
		deadlineColumn + ` IS NOT NULL AND ` + deadlineColumn + ` < $2`

	rows, err := r.db.Pool.Query(ctx, query, status, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due pools: %w", err)
	}
	defer rows.Close()

	var pools []*Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pool: %w", err)
		}
		pools = append(pools, pool)
	}

	return pools, rows.Err()
}

// ListPoolsDueForSettlement retrieves CLOSED pools whose settlement date has
// passed. Pools without an explicit settlement date fall back to the end date
// plus the configured lag.
func (r *Repository) ListPoolsDueForSettlement(ctx context.Context, now time.Time, lag time.Duration) ([]*Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools
		WHERE status = 'closed'
		  AND (
			(settlement_date IS NOT NULL AND settlement_date < $1)
			OR (settlement_date IS NULL AND end_date IS NOT NULL AND end_date < $2)
		  )`

	rows, err := r.db.Pool.Query(ctx, query, now, now.Add(-lag))
	if err != nil {
		return nil, fmt.Errorf("failed to list pools due for settlement: %w", err)
	}
	defer rows.Close()

	var pools []*Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pool: %w", err)
		}
		pools = append(pools, pool)
	}

	return pools, rows.Err()
}

// UpdatePoolConfig updates the mutable configuration of a DRAFT or PENDING
// pool. Active pools are immutable through this path.
func (r *Repository) UpdatePoolConfig(ctx context.Context, pool *Pool) error {
	query := `
		UPDATE pools SET
			name = $2,
			description = $3,
			model_type = $4,
			risk_level = $5,
			pool_hard_cap = $6,
			min_investment = $7,
			max_investment_per_user = $8,
			max_investment_per_admin = $9,
			max_daily_drawdown = $10,
			start_date = $11,
			end_date = $12,
			settlement_date = $13,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('draft', 'pending')
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		pool.ID, pool.Name, pool.Description, pool.ModelType, pool.RiskLevel,
		pool.PoolHardCap, pool.MinInvestment, pool.MaxInvestmentPerUser,
		pool.MaxInvestmentPerAdmin, pool.MaxDailyDrawdown,
		pool.StartDate, pool.EndDate, pool.SettlementDate,
	)
	if err != nil {
		return fmt.Errorf("failed to update pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}

	return nil
}

// DeleteDraftPool removes a pool that never left DRAFT. Pools that have
// received capital are never hard-deleted.
func (r *Repository) DeleteDraftPool(ctx context.Context, poolID string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM pools WHERE id = $1 AND status = 'draft' AND total_invested = 0`,
		poolID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}

	return nil
}

// TransitionPoolStatus performs a compare-and-set status transition. It only
// succeeds when the pool is currently in one of the expected statuses, which
// makes concurrent transitions race-safe: the loser of a race sees
// ErrStateConflict instead of clobbering the winner's write.
func (r *Repository) TransitionPoolStatus(ctx context.Context, poolID string, from []PoolStatus, to PoolStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("no expected statuses given")
	}

	expected := make([]string, len(from))
	for i, s := range from {
		expected[i] = string(s)
	}

	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE pools SET status = $2, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND status = ANY($3)`,
		poolID, to, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to transition pool status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}

	return nil
}

// UpdatePoolPnL records the trading adapter's P&L figures for a pool.
func (r *Repository) UpdatePoolPnL(ctx context.Context, poolID string, totalPnL, dailyPnL decimal.Decimal) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE pools SET total_pnl = $2, daily_pnl = $3, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		poolID, totalPnL, dailyPnL,
	)
	if err != nil {
		return fmt.Errorf("failed to update pool pnl: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
