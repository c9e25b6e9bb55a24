// Package reinvest implements the capital allocation engine. A daily run
// sweeps COMPLETED investments: positions whose owner opted out of
// auto-reinvest become withdrawable, the rest are routed into an open pool
// chosen by model continuity first, the fusion model second, and a
// risk-adjusted expected-return score last.
package reinvest

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

// Store is the slice of the ledger store the engine needs.
type Store interface {
	ListInvestmentsByStatus(ctx context.Context, status database.InvestmentStatus) ([]*database.Investment, error)
	GetUserByID(ctx context.Context, userID string) (*database.User, error)
	GetPool(ctx context.Context, poolID string) (*database.Pool, error)
	ListPoolsByStatus(ctx context.Context, status database.PoolStatus) ([]*database.Pool, error)
	SumUserExposure(ctx context.Context, userID, poolID string) (decimal.Decimal, error)
	TransitionInvestmentStatus(ctx context.Context, investmentID string, from, to database.InvestmentStatus) error
	ApplyReinvestment(ctx context.Context, source, successor *database.Investment) error
}

// RunStats summarizes one allocation run.
type RunStats struct {
	Processed          int `json:"processed"`
	Reinvested         int `json:"reinvested"`
	MarkedWithdrawable int `json:"marked_withdrawable"`
	Failures           int `json:"failures"`
}

// Engine routes matured capital.
type Engine struct {
	store  Store
	clk    clock.Clock
	bus    *events.Bus
	logger zerolog.Logger
	config *config.ReinvestmentConfig
}

// NewEngine creates an allocation engine.
func NewEngine(store Store, clk clock.Clock, bus *events.Bus, logger zerolog.Logger, cfg *config.ReinvestmentConfig) *Engine {
	return &Engine{
		store:  store,
		clk:    clk,
		bus:    bus,
		logger: logger.With().Str("component", "reinvest").Logger(),
		config: cfg,
	}
}

// Run executes one allocation pass over every COMPLETED investment. Each
// position is processed in isolation: a failure on one leaves it COMPLETED
// for the next run and never blocks the rest of the batch.
func (e *Engine) Run(ctx context.Context) RunStats {
	var stats RunStats

	completed, err := e.store.ListInvestmentsByStatus(ctx, database.InvestmentCompleted)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list completed investments")
		stats.Failures++
		return stats
	}

	for _, inv := range completed {
		stats.Processed++
		if err := e.processOne(ctx, inv, &stats); err != nil {
			e.logger.Error().Err(err).Str("investment_id", inv.ID).Msg("reinvestment failed")
			stats.Failures++
		}
	}

	if stats.Processed > 0 {
		e.logger.Info().
			Int("processed", stats.Processed).
			Int("reinvested", stats.Reinvested).
			Int("withdrawable", stats.MarkedWithdrawable).
			Int("failures", stats.Failures).
			Msg("allocation run complete")
	}

	return stats
}

func (e *Engine) processOne(ctx context.Context, inv *database.Investment, stats *RunStats) error {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("investment_id", inv.ID).Interface("panic", r).Msg("panic recovered during reinvestment")
			stats.Failures++
		}
	}()

	user, err := e.store.GetUserByID(ctx, inv.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return fmt.Errorf("owner %s of investment %s not found", inv.UserID, inv.ID)
	}

	if !user.AutoReinvest {
		return e.markWithdrawable(ctx, inv, stats, events.EventFundsWithdrawable,
			"Funds from your matured investment are ready for withdrawal")
	}

	amount := inv.CurrentValue
	candidates, err := e.candidates(ctx, user, amount)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return e.markWithdrawable(ctx, inv, stats, events.EventNoReinvestOptions,
			"No suitable pools available; funds are ready for withdrawal")
	}

	sourcePool, err := e.store.GetPool(ctx, inv.PoolID)
	if err != nil {
		return fmt.Errorf("failed to load source pool: %w", err)
	}

	// The chosen pool may fill up or close between selection and execution;
	// fall through the ranked candidates until one sticks.
	for len(candidates) > 0 {
		chosen := e.selectPool(sourcePool, candidates)

		successor := &database.Investment{
			PoolID:        chosen.ID,
			UserID:        inv.UserID,
			InitialAmount: amount,
			InvestedAt:    e.clk.Now(),
		}

		err := e.store.ApplyReinvestment(ctx, inv, successor)
		switch {
		case err == nil:
			stats.Reinvested++
			e.logger.Info().
				Str("investment_id", inv.ID).
				Str("successor_id", successor.ID).
				Str("pool_id", chosen.ID).
				Str("amount", amount.String()).
				Msg("capital reinvested")
			e.bus.Publish(events.Event{
				Type:     events.EventReinvestmentDone,
				Severity: events.SeverityInfo,
				Data: map[string]interface{}{
					"investment_id": inv.ID,
					"successor_id":  successor.ID,
					"pool_id":       chosen.ID,
					"pool_name":     chosen.Name,
					"amount":        amount.String(),
				},
			})
			events.NotifyUser(inv.UserID, events.Event{
				Type: events.EventReinvestmentDone,
				Data: map[string]interface{}{
					"pool_name": chosen.Name,
					"amount":    amount.String(),
					"message":   fmt.Sprintf("Reinvested %s USDT into %s", amount.StringFixed(2), chosen.Name),
				},
			})
			return nil

		case errors.Is(err, database.ErrHardCapExceeded), errors.Is(err, database.ErrNotFound):
			candidates = without(candidates, chosen.ID)
			continue

		case errors.Is(err, database.ErrStateConflict):
			// Source already processed by a concurrent run; nothing to do.
			e.logger.Debug().Str("investment_id", inv.ID).Msg("investment already reinvested elsewhere")
			return nil

		default:
			return fmt.Errorf("failed to apply reinvestment: %w", err)
		}
	}

	return e.markWithdrawable(ctx, inv, stats, events.EventNoReinvestOptions,
		"No suitable pools available; funds are ready for withdrawal")
}

func (e *Engine) markWithdrawable(ctx context.Context, inv *database.Investment, stats *RunStats, eventType events.EventType, message string) error {
	err := e.store.TransitionInvestmentStatus(ctx, inv.ID,
		database.InvestmentCompleted, database.InvestmentWithdrawable)
	if errors.Is(err, database.ErrStateConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark withdrawable: %w", err)
	}

	stats.MarkedWithdrawable++
	events.NotifyUser(inv.UserID, events.Event{
		Type: eventType,
		Data: map[string]interface{}{
			"investment_id": inv.ID,
			"amount":        inv.CurrentValue.String(),
			"message":       message,
		},
	})
	return nil
}

// candidates returns the PENDING pools that can absorb the full amount for
// this user: within remaining capacity, within the user's role limit net of
// existing exposure, and at or above the pool minimum. Partial allocation is
// deliberately not attempted; capital that fits nowhere whole becomes
// withdrawable instead of being split.
func (e *Engine) candidates(ctx context.Context, user *database.User, amount decimal.Decimal) ([]*database.Pool, error) {
	pending, err := e.store.ListPoolsByStatus(ctx, database.PoolPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending pools: %w", err)
	}

	var out []*database.Pool
	for _, pool := range pending {
		if amount.LessThan(pool.MinInvestment) {
			continue
		}
		if amount.GreaterThan(pool.RemainingCapacity()) {
			continue
		}

		limit := e.userRoleLimit(user, pool)
		exposure, err := e.store.SumUserExposure(ctx, user.ID, pool.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to sum exposure: %w", err)
		}
		if exposure.Add(amount).GreaterThan(limit) {
			continue
		}

		out = append(out, pool)
	}

	return out, nil
}

func (e *Engine) userRoleLimit(user *database.User, pool *database.Pool) decimal.Decimal {
	switch user.Role {
	case database.RoleManager, database.RoleAdmin:
		return pool.MaxInvestmentPerAdmin
	case database.RoleSuperAdmin:
		return pool.PoolHardCap
	default:
		return pool.MaxInvestmentPerUser
	}
}

// selectPool picks the destination: a pool running the same model as the
// source first, then the fusion model, then the highest risk-adjusted
// expected return across the board.
func (e *Engine) selectPool(sourcePool *database.Pool, candidates []*database.Pool) *database.Pool {
	if sourcePool != nil {
		if best := e.bestOfModel(candidates, sourcePool.ModelType); best != nil {
			return best
		}
	}

	if best := e.bestOfModel(candidates, database.ModelType(e.config.FusionModel)); best != nil {
		return best
	}

	return e.bestByScore(candidates)
}

func (e *Engine) bestOfModel(candidates []*database.Pool, model database.ModelType) *database.Pool {
	var subset []*database.Pool
	for _, pool := range candidates {
		if pool.ModelType == model {
			subset = append(subset, pool)
		}
	}
	if len(subset) == 0 {
		return nil
	}
	return e.bestByScore(subset)
}

func (e *Engine) bestByScore(candidates []*database.Pool) *database.Pool {
	var best *database.Pool
	bestScore := -1.0
	for _, pool := range candidates {
		score := e.Score(pool)
		if score > bestScore {
			best = pool
			bestScore = score
		}
	}
	return best
}

// Score is the risk-adjusted expected return of a pool: the model's expected
// return scaled by the risk level's multiplier. Both tables are
// configuration, with defaults for unknown entries.
func (e *Engine) Score(pool *database.Pool) float64 {
	expected, ok := e.config.ExpectedReturns[string(pool.ModelType)]
	if !ok {
		expected = e.config.DefaultExpectedReturn
	}

	multiplier, ok := e.config.RiskMultipliers[string(pool.RiskLevel)]
	if !ok {
		multiplier = e.config.DefaultRiskMultiplier
	}

	return expected * multiplier
}

func without(pools []*database.Pool, id string) []*database.Pool {
	out := pools[:0]
	for _, pool := range pools {
		if pool.ID != id {
			out = append(out, pool)
		}
	}
	return out
}
