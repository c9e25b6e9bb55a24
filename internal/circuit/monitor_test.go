package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pool-capital-engine/internal/clock"
	"pool-capital-engine/internal/database"
	"pool-capital-engine/internal/events"
)

// =====================================================
// TEST FIXTURES
// =====================================================

type fakePoolStore struct {
	mu    sync.Mutex
	pools map[string]*database.Pool
}

func newFakePoolStore(pools ...*database.Pool) *fakePoolStore {
	s := &fakePoolStore{pools: make(map[string]*database.Pool)}
	for _, p := range pools {
		s.pools[p.ID] = p
	}
	return s
}

func (s *fakePoolStore) GetPool(_ context.Context, poolID string) (*database.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[poolID]
	if !ok {
		return nil, nil
	}
	copied := *pool
	return &copied, nil
}

func (s *fakePoolStore) ListPoolsByStatus(_ context.Context, status database.PoolStatus) ([]*database.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Pool
	for _, p := range s.pools {
		if p.Status == status {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakePoolStore) TransitionPoolStatus(_ context.Context, poolID string, from []database.PoolStatus, to database.PoolStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[poolID]
	if !ok {
		return database.ErrStateConflict
	}
	for _, f := range from {
		if pool.Status == f {
			pool.Status = to
			return nil
		}
	}
	return database.ErrStateConflict
}

func (s *fakePoolStore) status(poolID string) database.PoolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools[poolID].Status
}

type fakeAlerter struct {
	mu       sync.Mutex
	breaker  int
	stops    int
	resumes  int
	lastArgs []string
}

func (a *fakeAlerter) SendCircuitBreakerAlert(poolID, poolName string, reasons []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.breaker++
	a.lastArgs = reasons
	return nil
}

func (a *fakeAlerter) SendEmergencyStop(pausedCount int, actorID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
	return nil
}

func (a *fakeAlerter) SendPoolResumed(poolID, poolName, actorID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumes++
	return nil
}

func (a *fakeAlerter) breakerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.breaker
}

func testMonitor(store PoolStore, alerter Alerter) *Monitor {
	return NewMonitor(store, nil, alerter, events.NewBus(),
		clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		zerolog.Nop(), nil)
}

func activePool(id string, current, totalPnL, dailyPnL, maxDrawdown int64) *database.Pool {
	return &database.Pool{
		ID:               id,
		Name:             "Pool " + id,
		Status:           database.PoolActive,
		CurrentAmount:    decimal.NewFromInt(current),
		TotalPnL:         decimal.NewFromInt(totalPnL),
		DailyPnL:         decimal.NewFromInt(dailyPnL),
		MaxDailyDrawdown: decimal.NewFromInt(maxDrawdown),
	}
}

// =====================================================
// HEALTH EVALUATION
// =====================================================

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name        string
		pool        *database.Pool
		wantHealthy bool
		wantAlerts  int
	}{
		{
			// cushion 0.05 with zero pnl gives ~4.76% drawdown
			name:        "healthy pool under both thresholds",
			pool:        activePool("p1", 10000, 0, -100, 10),
			wantHealthy: true,
		},
		{
			name:        "drawdown over pool limit",
			pool:        activePool("p2", 10000, 0, 0, 4),
			wantHealthy: false,
			wantAlerts:  1,
		},
		{
			name:        "daily loss over five percent of pool",
			pool:        activePool("p3", 10000, 0, -600, 10),
			wantHealthy: false,
			wantAlerts:  1,
		},
		{
			name:        "both thresholds breached",
			pool:        activePool("p4", 10000, -2000, -600, 4),
			wantHealthy: false,
			wantAlerts:  2,
		},
		{
			name:        "empty pool is trivially healthy",
			pool:        activePool("p5", 0, 0, 0, 10),
			wantHealthy: true,
		},
		{
			name:        "daily loss at exactly the threshold passes",
			pool:        activePool("p6", 10000, 0, -500, 10),
			wantHealthy: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMonitor(newFakePoolStore(tt.pool), nil)
			sample := m.Evaluate(tt.pool)

			if sample.IsHealthy != tt.wantHealthy {
				t.Errorf("IsHealthy = %v, want %v (alerts: %v)", sample.IsHealthy, tt.wantHealthy, sample.Alerts)
			}
			if len(sample.Alerts) != tt.wantAlerts {
				t.Errorf("got %d alerts, want %d: %v", len(sample.Alerts), tt.wantAlerts, sample.Alerts)
			}
			if sample.DrawdownPercentage.IsNegative() {
				t.Errorf("drawdown must be floored at zero, got %s", sample.DrawdownPercentage)
			}
		})
	}
}

func TestEvaluateDrawdownValue(t *testing.T) {
	pool := activePool("p1", 10000, 0, 0, 10)
	m := testMonitor(newFakePoolStore(pool), nil)

	sample := m.Evaluate(pool)

	// totalReturn 0, maxReturn 0.05: 0.05/1.05*100
	want := decimal.NewFromFloat(0.05).
		Div(decimal.NewFromFloat(1.05)).
		Mul(decimal.NewFromInt(100))
	if !sample.DrawdownPercentage.Sub(want).Abs().LessThan(decimal.NewFromFloat(0.0001)) {
		t.Errorf("drawdown = %s, want ~%s", sample.DrawdownPercentage, want)
	}
}

// =====================================================
// CIRCUIT BREAKER
// =====================================================

func TestCheckAllTripsUnhealthyPools(t *testing.T) {
	healthy := activePool("healthy", 10000, 0, 0, 10)
	unhealthy := activePool("unhealthy", 10000, 0, -600, 10)
	store := newFakePoolStore(healthy, unhealthy)
	alerter := &fakeAlerter{}
	m := testMonitor(store, alerter)

	m.CheckAll(context.Background())

	if got := store.status("healthy"); got != database.PoolActive {
		t.Errorf("healthy pool status = %s, want active", got)
	}
	if got := store.status("unhealthy"); got != database.PoolPaused {
		t.Errorf("unhealthy pool status = %s, want paused", got)
	}
	if alerter.breakerCount() != 1 {
		t.Errorf("breaker alerts = %d, want 1", alerter.breakerCount())
	}
}

func TestTripDiscardsStaleTransition(t *testing.T) {
	// The pool was paused between listing and the health write, as happens
	// when an emergency stop races the monitor. The stale write must not
	// alert or error.
	pool := activePool("p1", 10000, 0, -600, 10)
	store := newFakePoolStore(pool)
	alerter := &fakeAlerter{}
	m := testMonitor(store, alerter)

	store.TransitionPoolStatus(context.Background(), "p1",
		[]database.PoolStatus{database.PoolActive}, database.PoolPaused)

	m.trip(context.Background(), pool, m.Evaluate(pool))

	if got := store.status("p1"); got != database.PoolPaused {
		t.Errorf("pool status = %s, want paused", got)
	}
	if alerter.breakerCount() != 0 {
		t.Errorf("stale transition must not alert, got %d alerts", alerter.breakerCount())
	}
}

// =====================================================
// RESUME
// =====================================================

func TestResume(t *testing.T) {
	t.Run("healthy paused pool resumes", func(t *testing.T) {
		pool := activePool("p1", 10000, 0, 0, 10)
		pool.Status = database.PoolPaused
		store := newFakePoolStore(pool)
		m := testMonitor(store, &fakeAlerter{})

		sample, err := m.Resume(context.Background(), "p1", "admin-1")
		if err != nil {
			t.Fatalf("Resume failed: %v", err)
		}
		if !sample.IsHealthy {
			t.Error("expected healthy sample")
		}
		if got := store.status("p1"); got != database.PoolActive {
			t.Errorf("pool status = %s, want active", got)
		}
	})

	t.Run("still unhealthy pool stays paused", func(t *testing.T) {
		pool := activePool("p1", 10000, 0, -600, 10)
		pool.Status = database.PoolPaused
		store := newFakePoolStore(pool)
		m := testMonitor(store, &fakeAlerter{})

		sample, err := m.Resume(context.Background(), "p1", "admin-1")
		if !errors.Is(err, ErrStillUnhealthy) {
			t.Fatalf("err = %v, want ErrStillUnhealthy", err)
		}
		if sample == nil || sample.IsHealthy {
			t.Error("expected unhealthy sample alongside the error")
		}
		if got := store.status("p1"); got != database.PoolPaused {
			t.Errorf("pool status = %s, want paused", got)
		}
	})

	t.Run("non-paused pool conflicts", func(t *testing.T) {
		pool := activePool("p1", 10000, 0, 0, 10)
		store := newFakePoolStore(pool)
		m := testMonitor(store, &fakeAlerter{})

		_, err := m.Resume(context.Background(), "p1", "admin-1")
		if !errors.Is(err, database.ErrStateConflict) {
			t.Fatalf("err = %v, want ErrStateConflict", err)
		}
	})

	t.Run("unknown pool", func(t *testing.T) {
		m := testMonitor(newFakePoolStore(), &fakeAlerter{})

		_, err := m.Resume(context.Background(), "missing", "admin-1")
		if !errors.Is(err, database.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

// =====================================================
// EMERGENCY STOP
// =====================================================

func TestEmergencyStopAll(t *testing.T) {
	// Healthy pools are paused too: the emergency stop bypasses evaluation.
	store := newFakePoolStore(
		activePool("p1", 10000, 500, 100, 10),
		activePool("p2", 20000, 0, 0, 10),
	)
	draft := activePool("p3", 0, 0, 0, 10)
	draft.Status = database.PoolDraft
	store.pools["p3"] = draft

	alerter := &fakeAlerter{}
	m := testMonitor(store, alerter)

	paused, err := m.EmergencyStopAll(context.Background(), "super-1")
	if err != nil {
		t.Fatalf("EmergencyStopAll failed: %v", err)
	}
	if paused != 2 {
		t.Errorf("paused = %d, want 2", paused)
	}
	if got := store.status("p1"); got != database.PoolPaused {
		t.Errorf("p1 status = %s, want paused", got)
	}
	if got := store.status("p2"); got != database.PoolPaused {
		t.Errorf("p2 status = %s, want paused", got)
	}
	if got := store.status("p3"); got != database.PoolDraft {
		t.Errorf("p3 status = %s, want draft untouched", got)
	}
	if alerter.stops != 1 {
		t.Errorf("emergency alerts = %d, want exactly one aggregate alert", alerter.stops)
	}
}
