// Package eligibility implements the deposit gate: the ordered rule chain a
// deposit must clear before any capital moves, and the role/MFA checks for
// sensitive administrative actions. Validation is read-only; the capacity
// guard is re-checked atomically when the deposit executes, so a validation
// pass is advisory and never reserves room in the pool.
package eligibility

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pool-capital-engine/config"
	"pool-capital-engine/internal/clock"
	"pool-capital-engine/internal/database"
	"pool-capital-engine/internal/events"
)

// Result is the outcome of a validation. Rejections are results, not errors:
// an error means the gate could not decide.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func rejected(format string, args ...interface{}) *Result {
	return &Result{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Store is the slice of the ledger store the gate needs.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (*database.User, error)
	GetPool(ctx context.Context, poolID string) (*database.Pool, error)
	SumUserExposure(ctx context.Context, userID, poolID string) (decimal.Decimal, error)
	ApplyDeposit(ctx context.Context, inv *database.Investment) error
}

// Gate validates and executes deposits.
type Gate struct {
	store  Store
	clk    clock.Clock
	bus    *events.Bus
	logger zerolog.Logger
	config *config.EligibilityConfig
}

// NewGate creates a deposit gate.
func NewGate(store Store, clk clock.Clock, bus *events.Bus, logger zerolog.Logger, cfg *config.EligibilityConfig) *Gate {
	return &Gate{
		store:  store,
		clk:    clk,
		bus:    bus,
		logger: logger.With().Str("component", "eligibility").Logger(),
		config: cfg,
	}
}

// Validate runs the full rule chain for a prospective deposit. Rules are
// evaluated in a fixed order and the first failure wins, so the reported
// reason is deterministic for a given state.
func (g *Gate) Validate(ctx context.Context, userID, poolID string, amount decimal.Decimal) (*Result, error) {
	user, err := g.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return rejected("User not found"), nil
	}

	pool, err := g.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool: %w", err)
	}
	if pool == nil {
		return rejected("Pool not found"), nil
	}

	// Identity rules first, in fixed order.
	if amount.GreaterThan(decimal.NewFromFloat(g.config.KycFreeLimit)) && user.KycStatus != database.KycApproved {
		return rejected("KYC verification required for investments over %.0f USDT", g.config.KycFreeLimit), nil
	}

	if !user.HasActiveSubscription {
		return rejected("Active subscription required (%s)", g.config.SubscriptionFeeLabel), nil
	}

	if user.IsBlocked {
		return rejected("Account is blocked"), nil
	}

	// Role-dependent cumulative exposure limit.
	limit, res, err := g.roleLimit(ctx, user, pool)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}

	exposure, err := g.store.SumUserExposure(ctx, userID, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum exposure: %w", err)
	}
	if exposure.Add(amount).GreaterThan(limit) {
		return rejected("Investment limit exceeded: %s + %s > %s",
			exposure.StringFixed(2), amount.StringFixed(2), limit.StringFixed(2)), nil
	}

	// Pool-side rules.
	if !pool.AcceptsDeposits() {
		return rejected("Pool is not accepting investments (status: %s)", pool.Status), nil
	}

	if amount.GreaterThan(pool.RemainingCapacity()) {
		return rejected("Pool capacity exceeded: only %s USDT remaining",
			pool.RemainingCapacity().StringFixed(2)), nil
	}

	if amount.LessThan(pool.MinInvestment) {
		return rejected("Minimum investment is %s USDT", pool.MinInvestment.StringFixed(2)), nil
	}

	// Deposits close a fixed window after the pool starts trading, even when
	// the pool itself is still accepting status-wise.
	if pool.StartDate != nil {
		cutoff := pool.StartDate.Add(g.config.ValidationWindow)
		if g.clk.Now().After(cutoff) {
			return rejected("Investment window closed %s after pool start", g.config.ValidationWindow), nil
		}
	}

	return &Result{Valid: true}, nil
}

// roleLimit resolves the per-user cumulative exposure ceiling from the
// actor's role. Super admins answer to the pool hard cap itself, but only
// with MFA satisfied.
func (g *Gate) roleLimit(ctx context.Context, user *database.User, pool *database.Pool) (decimal.Decimal, *Result, error) {
	switch user.Role {
	case database.RoleInvestor:
		return pool.MaxInvestmentPerUser, nil, nil
	case database.RoleManager, database.RoleAdmin:
		return pool.MaxInvestmentPerAdmin, nil, nil
	case database.RoleSuperAdmin:
		if user.MfaRequired && !user.MfaEnabled {
			return decimal.Zero, rejected("MFA required for super admin investments"), nil
		}
		return pool.PoolHardCap, nil, nil
	default:
		return decimal.Zero, rejected("Unknown role: %s", user.Role), nil
	}
}

// Deposit validates and, on a pass, executes the deposit atomically. A
// concurrent deposit that fills the pool between validation and execution
// surfaces as a capacity rejection, not an error.
func (g *Gate) Deposit(ctx context.Context, userID, poolID string, amount decimal.Decimal) (*database.Investment, *Result, error) {
	result, err := g.Validate(ctx, userID, poolID, amount)
	if err != nil {
		return nil, nil, err
	}
	if !result.Valid {
		g.logger.Info().
			Str("user_id", userID).
			Str("pool_id", poolID).
			Str("amount", amount.String()).
			Str("reason", result.Reason).
			Msg("deposit rejected")
		return nil, result, nil
	}

	inv := &database.Investment{
		PoolID:        poolID,
		UserID:        userID,
		InitialAmount: amount,
		InvestedAt:    g.clk.Now(),
	}

	err = g.store.ApplyDeposit(ctx, inv)
	switch {
	case errors.Is(err, database.ErrHardCapExceeded):
		return nil, rejected("Pool capacity exceeded"), nil
	case errors.Is(err, database.ErrStateConflict):
		return nil, rejected("Pool is not accepting investments"), nil
	case errors.Is(err, database.ErrNotFound):
		return nil, rejected("Pool not found"), nil
	case err != nil:
		return nil, nil, fmt.Errorf("failed to apply deposit: %w", err)
	}

	g.logger.Info().
		Str("user_id", userID).
		Str("pool_id", poolID).
		Str("investment_id", inv.ID).
		Str("amount", amount.String()).
		Msg("deposit confirmed")

	g.bus.Publish(events.Event{
		Type:     events.EventInvestmentMade,
		Severity: events.SeverityInfo,
		Data: map[string]interface{}{
			"investment_id": inv.ID,
			"pool_id":       poolID,
			"user_id":       userID,
			"amount":        amount.String(),
		},
	})
	events.NotifyUser(userID, events.Event{
		Type: events.EventInvestmentMade,
		Data: map[string]interface{}{
			"investment_id": inv.ID,
			"pool_id":       poolID,
			"amount":        amount.String(),
		},
	})

	return inv, result, nil
}

// ValidateSensitiveAction gates high-impact administrative actions. Actions
// on the sensitive list demand the SUPER_ADMIN role with the same MFA
// condition deposits apply (enabled whenever the account requires it); other
// actions pass through unchanged.
func (g *Gate) ValidateSensitiveAction(ctx context.Context, userID, action string) (*Result, error) {
	sensitive := false
	for _, a := range g.config.SensitiveActions {
		if a == action {
			sensitive = true
			break
		}
	}
	if !sensitive {
		return &Result{Valid: true}, nil
	}

	user, err := g.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return rejected("User not found"), nil
	}

	if user.Role != database.RoleSuperAdmin {
		return rejected("Action %q requires super admin role", action), nil
	}
	if user.MfaRequired && !user.MfaEnabled {
		return rejected("Action %q requires MFA to be enabled", action), nil
	}

	return &Result{Valid: true}, nil
}
