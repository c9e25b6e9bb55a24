// Package lifecycle owns the pool status field and the legal transitions
// between lifecycle states. Time-based transitions are applied by the
// Scheduler; manual transitions (publish, emergency halt, archive) come in
// through the Machine's methods.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pool-capital-engine/internal/clock"
	"pool-capital-engine/internal/database"
	"pool-capital-engine/internal/events"
)

// Actor identifies who requested a manual transition.
type Actor struct {
	UserID string
	Role   database.UserRole
}

// IsAdmin reports whether the actor carries an administrative role.
func (a Actor) IsAdmin() bool {
	return a.Role == database.RoleAdmin || a.Role == database.RoleSuperAdmin
}

// PoolStore is the slice of the ledger store the state machine needs.
type PoolStore interface {
	GetPool(ctx context.Context, poolID string) (*database.Pool, error)
	ListPoolsDue(ctx context.Context, status database.PoolStatus, deadlineColumn string, now time.Time) ([]*database.Pool, error)
	ListPoolsDueForSettlement(ctx context.Context, now time.Time, lag time.Duration) ([]*database.Pool, error)
	TransitionPoolStatus(ctx context.Context, poolID string, from []database.PoolStatus, to database.PoolStatus) error
}

// Machine drives pool lifecycle transitions. All status writes go through
// compare-and-set updates on the store, so a transition that loses a race
// (e.g. against an emergency stop) fails with ErrStateConflict instead of
// overwriting the winner.
type Machine struct {
	store  PoolStore
	clk    clock.Clock
	bus    *events.Bus
	logger zerolog.Logger

	settlementLag time.Duration
}

// NewMachine creates a lifecycle machine.
func NewMachine(store PoolStore, clk clock.Clock, bus *events.Bus, logger zerolog.Logger, settlementLag time.Duration) *Machine {
	if settlementLag <= 0 {
		settlementLag = 24 * time.Hour
	}
	return &Machine{
		store:         store,
		clk:           clk,
		bus:           bus,
		logger:        logger.With().Str("component", "lifecycle").Logger(),
		settlementLag: settlementLag,
	}
}

// Publish moves a DRAFT pool to PENDING, opening it to deposits. Only the
// pool's manager or an admin may publish.
func (m *Machine) Publish(ctx context.Context, poolID string, actor Actor) (*database.Pool, error) {
	pool, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, database.ErrNotFound
	}

	if !actor.IsAdmin() && pool.ManagerID != actor.UserID {
		return nil, fmt.Errorf("actor %s may not publish pool %s: %w", actor.UserID, poolID, database.ErrStateConflict)
	}

	if err := m.store.TransitionPoolStatus(ctx, poolID, []database.PoolStatus{database.PoolDraft}, database.PoolPending); err != nil {
		if errors.Is(err, database.ErrStateConflict) {
			return nil, fmt.Errorf("only draft pools can be published: %w", err)
		}
		return nil, err
	}

	pool.Status = database.PoolPending
	m.logger.Info().Str("pool_id", poolID).Str("actor", actor.UserID).Msg("pool published")
	m.bus.Publish(events.Event{
		Type:     events.EventPoolPublished,
		Severity: events.SeverityInfo,
		Data:     map[string]interface{}{"pool_id": poolID, "pool_name": pool.Name},
	})

	return pool, nil
}

// EmergencyHalt force-moves any non-terminal pool to CANCELLED or CLOSED.
// Admin-only and unconditional: no guard is evaluated beyond the terminal
// check.
func (m *Machine) EmergencyHalt(ctx context.Context, poolID string, to database.PoolStatus, actor Actor) error {
	if to != database.PoolCancelled && to != database.PoolClosed {
		return fmt.Errorf("emergency halt target must be cancelled or closed, got %s", to)
	}
	if !actor.IsAdmin() {
		return fmt.Errorf("emergency halt is admin-only: %w", database.ErrStateConflict)
	}

	nonTerminal := []database.PoolStatus{
		database.PoolDraft, database.PoolPending, database.PoolActive,
		database.PoolPaused, database.PoolSettlement, database.PoolClosed,
	}
	if to == database.PoolClosed {
		// Closing an already-closed pool is a no-op conflict, not a halt.
		nonTerminal = []database.PoolStatus{
			database.PoolDraft, database.PoolPending, database.PoolActive,
			database.PoolPaused, database.PoolSettlement,
		}
	}

	if err := m.store.TransitionPoolStatus(ctx, poolID, nonTerminal, to); err != nil {
		return err
	}

	m.logger.Warn().Str("pool_id", poolID).Str("actor", actor.UserID).Str("target", string(to)).Msg("pool emergency halted")
	m.bus.Publish(events.Event{
		Type:     events.EventPoolCancelled,
		Severity: events.SeverityCritical,
		Data:     map[string]interface{}{"pool_id": poolID, "target": string(to), "actor_id": actor.UserID},
	})

	return nil
}

// Archive moves a CLOSED pool to the terminal ARCHIVED housekeeping state.
func (m *Machine) Archive(ctx context.Context, poolID string, actor Actor) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("archive is admin-only: %w", database.ErrStateConflict)
	}

	if err := m.store.TransitionPoolStatus(ctx, poolID, []database.PoolStatus{database.PoolClosed}, database.PoolArchived); err != nil {
		return err
	}

	m.logger.Info().Str("pool_id", poolID).Str("actor", actor.UserID).Msg("pool archived")
	m.bus.Publish(events.Event{
		Type: events.EventPoolArchived,
		Data: map[string]interface{}{"pool_id": poolID},
	})

	return nil
}

// TickResult summarizes one scheduler pass.
type TickResult struct {
	Activated int
	Closed    int
	Settled   int
	Failures  int
}

// Tick scans for pools whose time-based guards have fired and batch-applies
// the transitions. A failure on one pool never blocks the others, and the
// compare-and-set writes make a double tick idempotent: a pool that already
// moved simply falls out of the due-scan.
func (m *Machine) Tick(ctx context.Context) TickResult {
	now := m.clk.Now()
	var result TickResult

	// PENDING -> ACTIVE once the start date has passed.
	result.Activated = m.applyDue(ctx,
		func() ([]*database.Pool, error) {
			return m.store.ListPoolsDue(ctx, database.PoolPending, "start_date", now)
		},
		database.PoolPending, database.PoolActive, events.EventPoolActivated, &result.Failures)

	// ACTIVE -> CLOSED once the end date has passed.
	result.Closed = m.applyDue(ctx,
		func() ([]*database.Pool, error) {
			return m.store.ListPoolsDue(ctx, database.PoolActive, "end_date", now)
		},
		database.PoolActive, database.PoolClosed, events.EventPoolClosed, &result.Failures)

	// CLOSED -> SETTLEMENT once the settlement date (or end date + lag) has
	// passed. Settlement of open positions is delegated to the trading
	// adapter; here only the status moves.
	result.Settled = m.applyDue(ctx,
		func() ([]*database.Pool, error) {
			return m.store.ListPoolsDueForSettlement(ctx, now, m.settlementLag)
		},
		database.PoolClosed, database.PoolSettlement, events.EventPoolSettlement, &result.Failures)

	return result
}

func (m *Machine) applyDue(ctx context.Context, list func() ([]*database.Pool, error), from, to database.PoolStatus, eventType events.EventType, failures *int) int {
	pools, err := list()
	if err != nil {
		m.logger.Error().Err(err).Str("from", string(from)).Str("to", string(to)).Msg("due-pool scan failed")
		*failures++
		return 0
	}

	applied := 0
	for _, pool := range pools {
		err := m.store.TransitionPoolStatus(ctx, pool.ID, []database.PoolStatus{from}, to)
		if errors.Is(err, database.ErrStateConflict) {
			// Another tick or an emergency stop got there first.
			continue
		}
		if err != nil {
			m.logger.Error().Err(err).Str("pool_id", pool.ID).Msg("transition failed")
			*failures++
			continue
		}

		applied++
		m.logger.Info().
			Str("pool_id", pool.ID).
			Str("pool_name", pool.Name).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("pool transitioned")
		m.bus.Publish(events.Event{
			Type: eventType,
			Data: map[string]interface{}{
				"pool_id":   pool.ID,
				"pool_name": pool.Name,
				"status":    string(to),
			},
		})
	}

	return applied
}
