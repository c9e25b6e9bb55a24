// Package circuit implements the pool risk monitor. It periodically samples
// every active pool's health and force-pauses trading when risk thresholds
// are breached. Resuming a paused pool re-runs the same health evaluation
// synchronously, so a still-unhealthy pool cannot be brought back.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pool-capital-engine/internal/clock"
	"pool-capital-engine/internal/database"
	"pool-capital-engine/internal/events"
)

// HealthSample is the ephemeral result of one pool health evaluation. It is
// consumed immediately and never persisted to the ledger; the latest sample
// per pool is kept in the cache for dashboards.
type HealthSample struct {
	PoolID             string          `json:"pool_id"`
	PoolName           string          `json:"pool_name"`
	CurrentPnL         decimal.Decimal `json:"current_pnl"`
	DailyPnL           decimal.Decimal `json:"daily_pnl"`
	DrawdownPercentage decimal.Decimal `json:"drawdown_percentage"`
	IsHealthy          bool            `json:"is_healthy"`
	Alerts             []string        `json:"alerts"`
	SampledAt          time.Time       `json:"sampled_at"`
}

// ErrStillUnhealthy is returned by Resume when the fresh health check fails.
var ErrStillUnhealthy = errors.New("pool still unhealthy")

// PoolStore is the slice of the ledger store the monitor needs.
type PoolStore interface {
	GetPool(ctx context.Context, poolID string) (*database.Pool, error)
	ListPoolsByStatus(ctx context.Context, status database.PoolStatus) ([]*database.Pool, error)
	TransitionPoolStatus(ctx context.Context, poolID string, from []database.PoolStatus, to database.PoolStatus) error
}

// SampleCache stores the latest health sample per pool for dashboards.
// Implementations must degrade gracefully; a cache failure never affects the
// health decision.
type SampleCache interface {
	StoreHealthSample(ctx context.Context, sample *HealthSample) error
}

// Alerter delivers operator-facing alerts. Satisfied by notification.Manager.
type Alerter interface {
	SendCircuitBreakerAlert(poolID, poolName string, reasons []string) error
	SendEmergencyStop(pausedCount int, actorID string) error
	SendPoolResumed(poolID, poolName, actorID string) error
}

// Config tunes the health evaluation thresholds.
type Config struct {
	// ReturnCushion is the projected peak return over the current return
	// used by the drawdown proxy.
	ReturnCushion float64

	// DailyLossFraction is the daily loss threshold as a fraction of the
	// pool's current amount.
	DailyLossFraction float64

	// CheckTimeout bounds a single pool's health check during a batch run.
	CheckTimeout time.Duration

	// MaxConcurrent bounds parallel pool checks during a batch run.
	MaxConcurrent int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() *Config {
	return &Config{
		ReturnCushion:     0.05,
		DailyLossFraction: 0.05,
		CheckTimeout:      30 * time.Second,
		MaxConcurrent:     5,
	}
}

// Monitor samples pool health and trips the circuit breaker.
type Monitor struct {
	store   PoolStore
	cache   SampleCache
	alerter Alerter
	bus     *events.Bus
	clk     clock.Clock
	logger  zerolog.Logger
	config  *Config
}

// NewMonitor creates a risk monitor. cache and alerter may be nil.
func NewMonitor(store PoolStore, cache SampleCache, alerter Alerter, bus *events.Bus, clk clock.Clock, logger zerolog.Logger, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 5
	}
	return &Monitor{
		store:   store,
		cache:   cache,
		alerter: alerter,
		bus:     bus,
		clk:     clk,
		logger:  logger.With().Str("component", "circuit").Logger(),
		config:  config,
	}
}

// Evaluate computes a health sample for a pool. Pure with respect to the
// store: it reads only the pool snapshot it is given.
//
// The drawdown figure is a peak-to-trough proxy, not a true running
// high-water mark: the peak return is projected as the current return plus a
// fixed cushion. It keeps the breaker deterministic without a P&L
// time-series.
func (m *Monitor) Evaluate(pool *database.Pool) *HealthSample {
	sample := &HealthSample{
		PoolID:     pool.ID,
		PoolName:   pool.Name,
		CurrentPnL: pool.TotalPnL,
		DailyPnL:   pool.DailyPnL,
		IsHealthy:  true,
		SampledAt:  m.clk.Now(),
	}

	sample.DrawdownPercentage = m.drawdownPercentage(pool)

	if sample.DrawdownPercentage.GreaterThan(pool.MaxDailyDrawdown) {
		sample.Alerts = append(sample.Alerts, fmt.Sprintf(
			"Drawdown critical: %s%% > %s%%",
			sample.DrawdownPercentage.StringFixed(2), pool.MaxDailyDrawdown.StringFixed(2)))
		sample.IsHealthy = false
	}

	lossThreshold := pool.CurrentAmount.Mul(decimal.NewFromFloat(m.config.DailyLossFraction)).Neg()
	if pool.DailyPnL.LessThan(lossThreshold) {
		sample.Alerts = append(sample.Alerts, fmt.Sprintf(
			"Daily loss: %s USDT", pool.DailyPnL.StringFixed(2)))
		sample.IsHealthy = false
	}

	return sample
}

func (m *Monitor) drawdownPercentage(pool *database.Pool) decimal.Decimal {
	if pool.CurrentAmount.IsZero() {
		return decimal.Zero
	}

	totalReturn := pool.TotalPnL.Div(pool.CurrentAmount)
	maxReturn := totalReturn.Add(decimal.NewFromFloat(m.config.ReturnCushion))

	denominator := decimal.NewFromInt(1).Add(maxReturn)
	if denominator.IsZero() {
		return decimal.Zero
	}

	drawdown := maxReturn.Sub(totalReturn).Div(denominator).Mul(decimal.NewFromInt(100))
	if drawdown.IsNegative() {
		return decimal.Zero
	}
	return drawdown
}

// CheckPool evaluates a single pool's health by ID.
func (m *Monitor) CheckPool(ctx context.Context, poolID string) (*HealthSample, error) {
	pool, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, database.ErrNotFound
	}

	return m.Evaluate(pool), nil
}

// CheckAll samples every ACTIVE pool, trips the breaker on unhealthy ones,
// and publishes every sample for dashboards. Pool checks run concurrently
// with a bounded degree of parallelism; one pool's failure or slowness never
// starves the others.
func (m *Monitor) CheckAll(ctx context.Context) {
	pools, err := m.store.ListPoolsByStatus(ctx, database.PoolActive)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list active pools")
		return
	}

	semaphore := make(chan struct{}, m.config.MaxConcurrent)
	var wg sync.WaitGroup

	for _, pool := range pools {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(p *database.Pool) {
			defer wg.Done()
			defer func() { <-semaphore }()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Str("pool_id", p.ID).Interface("panic", r).Msg("panic recovered during health check")
				}
			}()

			checkCtx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
			defer cancel()

			m.checkOne(checkCtx, p)
		}(pool)
	}

	wg.Wait()
}

func (m *Monitor) checkOne(ctx context.Context, pool *database.Pool) {
	sample := m.Evaluate(pool)

	if !sample.IsHealthy {
		m.trip(ctx, pool, sample)
	}

	// The sample always goes out, healthy or not.
	m.publishSample(ctx, sample)
}

// trip forces ACTIVE -> PAUSED. The compare-and-set transition means a
// concurrent emergency stop always wins: once the pool is PAUSED by any
// path, this health-based write becomes a stale no-op.
func (m *Monitor) trip(ctx context.Context, pool *database.Pool, sample *HealthSample) {
	err := m.store.TransitionPoolStatus(ctx, pool.ID,
		[]database.PoolStatus{database.PoolActive}, database.PoolPaused)
	if errors.Is(err, database.ErrStateConflict) {
		m.logger.Debug().Str("pool_id", pool.ID).Msg("stale circuit-breaker transition discarded")
		return
	}
	if err != nil {
		m.logger.Error().Err(err).Str("pool_id", pool.ID).Msg("failed to pause pool")
		return
	}

	m.logger.Warn().
		Str("pool_id", pool.ID).
		Str("pool_name", pool.Name).
		Strs("alerts", sample.Alerts).
		Msg("circuit breaker triggered")

	if m.alerter != nil {
		if err := m.alerter.SendCircuitBreakerAlert(pool.ID, pool.Name, sample.Alerts); err != nil {
			m.logger.Error().Err(err).Str("pool_id", pool.ID).Msg("failed to send circuit breaker alert")
		}
	}

	m.bus.Publish(events.Event{
		Type:     events.EventCircuitBreaker,
		Severity: events.SeverityCritical,
		Data: map[string]interface{}{
			"pool_id":   pool.ID,
			"pool_name": pool.Name,
			"message":   fmt.Sprintf("Circuit breaker activated: %s", strings.Join(sample.Alerts, ", ")),
			"drawdown":  sample.DrawdownPercentage.String(),
		},
	})
}

func (m *Monitor) publishSample(ctx context.Context, sample *HealthSample) {
	if m.cache != nil {
		if err := m.cache.StoreHealthSample(ctx, sample); err != nil {
			m.logger.Debug().Err(err).Str("pool_id", sample.PoolID).Msg("health sample cache write failed")
		}
	}

	events.Broadcast(events.Event{
		Type: events.EventPoolHealth,
		Data: map[string]interface{}{
			"pool_id":             sample.PoolID,
			"current_pnl":         sample.CurrentPnL.String(),
			"daily_pnl":           sample.DailyPnL.String(),
			"drawdown_percentage": sample.DrawdownPercentage.String(),
			"is_healthy":          sample.IsHealthy,
			"alerts":              sample.Alerts,
		},
	})
}

// Resume manually moves a PAUSED pool back to ACTIVE. The health evaluation
// re-runs synchronously first; a still-unhealthy pool fails with
// ErrStillUnhealthy carrying the same reasons the breaker would report.
func (m *Monitor) Resume(ctx context.Context, poolID, actorID string) (*HealthSample, error) {
	pool, err := m.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, database.ErrNotFound
	}
	if pool.Status != database.PoolPaused {
		return nil, fmt.Errorf("pool is not paused: %w", database.ErrStateConflict)
	}

	sample := m.Evaluate(pool)
	if !sample.IsHealthy {
		return sample, fmt.Errorf("%w: %s", ErrStillUnhealthy, strings.Join(sample.Alerts, ", "))
	}

	if err := m.store.TransitionPoolStatus(ctx, poolID,
		[]database.PoolStatus{database.PoolPaused}, database.PoolActive); err != nil {
		return sample, err
	}

	m.logger.Info().Str("pool_id", poolID).Str("actor", actorID).Msg("pool resumed")

	if m.alerter != nil {
		if err := m.alerter.SendPoolResumed(pool.ID, pool.Name, actorID); err != nil {
			m.logger.Error().Err(err).Str("pool_id", poolID).Msg("failed to send resume notification")
		}
	}

	m.bus.Publish(events.Event{
		Type:     events.EventPoolResumed,
		Severity: events.SeverityInfo,
		Data: map[string]interface{}{
			"pool_id":   pool.ID,
			"pool_name": pool.Name,
			"message":   "Pool manually resumed",
		},
	})

	return sample, nil
}

// EmergencyStopAll force-pauses every ACTIVE pool, bypassing health
// evaluation entirely, and emits one aggregate CRITICAL alert.
func (m *Monitor) EmergencyStopAll(ctx context.Context, actorID string) (int, error) {
	m.logger.Error().Str("actor", actorID).Msg("EMERGENCY STOP triggered")

	pools, err := m.store.ListPoolsByStatus(ctx, database.PoolActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active pools: %w", err)
	}

	paused := 0
	for _, pool := range pools {
		err := m.store.TransitionPoolStatus(ctx, pool.ID,
			[]database.PoolStatus{database.PoolActive}, database.PoolPaused)
		if errors.Is(err, database.ErrStateConflict) {
			// Already paused by a racing health check; the outcome stands.
			continue
		}
		if err != nil {
			m.logger.Error().Err(err).Str("pool_id", pool.ID).Msg("failed to pause pool during emergency stop")
			continue
		}
		paused++
	}

	if m.alerter != nil {
		if err := m.alerter.SendEmergencyStop(paused, actorID); err != nil {
			m.logger.Error().Err(err).Msg("failed to send emergency stop alert")
		}
	}

	m.bus.Publish(events.Event{
		Type:     events.EventEmergencyStop,
		Severity: events.SeverityCritical,
		Data: map[string]interface{}{
			"message":  fmt.Sprintf("Emergency stop - %d pools paused", paused),
			"actor_id": actorID,
		},
	})

	return paused, nil
}
