package lifecycle

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

func (s *fakePoolStore) ListPoolsDue(_ context.Context, status database.PoolStatus, deadlineColumn string, now time.Time) ([]*database.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Pool
	for _, p := range s.pools {
		if p.Status != status {
			continue
		}
		var deadline *time.Time
		switch deadlineColumn {
		case "start_date":
			deadline = p.StartDate
		case "end_date":
			deadline = p.EndDate
		}
		if deadline != nil && !deadline.After(now) {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakePoolStore) ListPoolsDueForSettlement(_ context.Context, now time.Time, lag time.Duration) ([]*database.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Pool
	for _, p := range s.pools {
		if p.Status != database.PoolClosed {
			continue
		}
		deadline := p.SettlementDate
		if deadline == nil && p.EndDate != nil {
			d := p.EndDate.Add(lag)
			deadline = &d
		}
		if deadline != nil && !deadline.After(now) {
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

var tickNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testMachine(store PoolStore, clk clock.Clock) *Machine {
	return NewMachine(store, clk, events.NewBus(), zerolog.Nop(), 24*time.Hour)
}

func poolWithDates(id string, status database.PoolStatus, start, end, settlement *time.Time) *database.Pool {
	return &database.Pool{
		ID:             id,
		Name:           "Pool " + id,
		Status:         status,
		ManagerID:      "mgr-1",
		PoolHardCap:    decimal.NewFromInt(10000),
		StartDate:      start,
		EndDate:        end,
		SettlementDate: settlement,
	}
}

func ts(t time.Time) *time.Time { return &t }

// =====================================================
// SCHEDULED TRANSITIONS
// =====================================================

func TestTick(t *testing.T) {
	past := ts(tickNow.Add(-time.Hour))
	future := ts(tickNow.Add(time.Hour))

	t.Run("pending pool activates at start date", func(t *testing.T) {
		store := newFakePoolStore(
			poolWithDates("due", database.PoolPending, past, future, nil),
			poolWithDates("early", database.PoolPending, future, nil, nil),
		)
		m := testMachine(store, clock.NewFake(tickNow))

		result := m.Tick(context.Background())

		if result.Activated != 1 {
			t.Errorf("activated = %d, want 1", result.Activated)
		}
		if got := store.status("due"); got != database.PoolActive {
			t.Errorf("due pool status = %s, want active", got)
		}
		if got := store.status("early"); got != database.PoolPending {
			t.Errorf("early pool status = %s, must stay pending", got)
		}
	})

	t.Run("active pool closes at end date", func(t *testing.T) {
		store := newFakePoolStore(
			poolWithDates("ending", database.PoolActive, past, past, nil),
		)
		m := testMachine(store, clock.NewFake(tickNow))

		result := m.Tick(context.Background())

		if result.Closed != 1 {
			t.Errorf("closed = %d, want 1", result.Closed)
		}
		if got := store.status("ending"); got != database.PoolClosed {
			t.Errorf("pool status = %s, want closed", got)
		}
	})

	t.Run("closed pool enters settlement at settlement date", func(t *testing.T) {
		store := newFakePoolStore(
			poolWithDates("settling", database.PoolClosed, past, past, past),
		)
		m := testMachine(store, clock.NewFake(tickNow))

		result := m.Tick(context.Background())

		if result.Settled != 1 {
			t.Errorf("settled = %d, want 1", result.Settled)
		}
		if got := store.status("settling"); got != database.PoolSettlement {
			t.Errorf("pool status = %s, want settlement", got)
		}
	})

	t.Run("settlement falls back to end date plus lag", func(t *testing.T) {
		endedYesterday := ts(tickNow.Add(-25 * time.Hour))
		endedRecently := ts(tickNow.Add(-time.Hour))
		store := newFakePoolStore(
			poolWithDates("ready", database.PoolClosed, nil, endedYesterday, nil),
			poolWithDates("waiting", database.PoolClosed, nil, endedRecently, nil),
		)
		m := testMachine(store, clock.NewFake(tickNow))

		result := m.Tick(context.Background())

		if result.Settled != 1 {
			t.Errorf("settled = %d, want 1", result.Settled)
		}
		if got := store.status("ready"); got != database.PoolSettlement {
			t.Errorf("ready pool status = %s, want settlement", got)
		}
		if got := store.status("waiting"); got != database.PoolClosed {
			t.Errorf("waiting pool status = %s, must stay closed for the lag", got)
		}
	})

	t.Run("double tick is idempotent", func(t *testing.T) {
		store := newFakePoolStore(
			poolWithDates("due", database.PoolPending, past, future, nil),
		)
		m := testMachine(store, clock.NewFake(tickNow))

		first := m.Tick(context.Background())
		second := m.Tick(context.Background())

		if first.Activated != 1 {
			t.Errorf("first tick activated = %d, want 1", first.Activated)
		}
		if second.Activated != 0 || second.Failures != 0 {
			t.Errorf("second tick = %+v, want a clean no-op", second)
		}
	})

	t.Run("paused pool is never moved by the clock", func(t *testing.T) {
		// Tripped circuit breaker keeps a pool out of the due scans entirely.
		store := newFakePoolStore(
			poolWithDates("paused", database.PoolPaused, past, past, past),
		)
		m := testMachine(store, clock.NewFake(tickNow))

		result := m.Tick(context.Background())

		if result.Activated+result.Closed+result.Settled != 0 {
			t.Errorf("tick = %+v, paused pool must not transition", result)
		}
		if got := store.status("paused"); got != database.PoolPaused {
			t.Errorf("pool status = %s, want paused", got)
		}
	})

	t.Run("pool can walk the full chain across ticks", func(t *testing.T) {
		store := newFakePoolStore(
			poolWithDates("p1", database.PoolPending,
				ts(tickNow), ts(tickNow.Add(24*time.Hour)), ts(tickNow.Add(48*time.Hour))),
		)
		clk := clock.NewFake(tickNow)
		m := testMachine(store, clk)

		m.Tick(context.Background())
		if got := store.status("p1"); got != database.PoolActive {
			t.Fatalf("after day 0: status = %s, want active", got)
		}

		clk.Advance(24 * time.Hour)
		m.Tick(context.Background())
		if got := store.status("p1"); got != database.PoolClosed {
			t.Fatalf("after day 1: status = %s, want closed", got)
		}

		clk.Advance(24 * time.Hour)
		m.Tick(context.Background())
		if got := store.status("p1"); got != database.PoolSettlement {
			t.Fatalf("after day 2: status = %s, want settlement", got)
		}
	})
}

// =====================================================
// MANUAL TRANSITIONS
// =====================================================

func TestPublish(t *testing.T) {
	manager := Actor{UserID: "mgr-1", Role: database.RoleManager}
	admin := Actor{UserID: "adm-1", Role: database.RoleAdmin}
	stranger := Actor{UserID: "mgr-2", Role: database.RoleManager}

	t.Run("manager publishes own draft", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolDraft, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		pool, err := m.Publish(context.Background(), "p1", manager)
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if pool.Status != database.PoolPending {
			t.Errorf("returned status = %s, want pending", pool.Status)
		}
		if got := store.status("p1"); got != database.PoolPending {
			t.Errorf("stored status = %s, want pending", got)
		}
	})

	t.Run("admin publishes anyone's draft", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolDraft, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		if _, err := m.Publish(context.Background(), "p1", admin); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	})

	t.Run("foreign manager is refused", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolDraft, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		_, err := m.Publish(context.Background(), "p1", stranger)
		if !errors.Is(err, database.ErrStateConflict) {
			t.Fatalf("err = %v, want ErrStateConflict", err)
		}
		if got := store.status("p1"); got != database.PoolDraft {
			t.Errorf("stored status = %s, must stay draft", got)
		}
	})

	t.Run("only drafts can be published", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolActive, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		_, err := m.Publish(context.Background(), "p1", manager)
		if !errors.Is(err, database.ErrStateConflict) {
			t.Fatalf("err = %v, want ErrStateConflict", err)
		}
	})

	t.Run("unknown pool", func(t *testing.T) {
		m := testMachine(newFakePoolStore(), clock.NewFake(tickNow))

		_, err := m.Publish(context.Background(), "missing", admin)
		if !errors.Is(err, database.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestEmergencyHalt(t *testing.T) {
	admin := Actor{UserID: "adm-1", Role: database.RoleAdmin}

	t.Run("active pool is cancelled", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolActive, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		if err := m.EmergencyHalt(context.Background(), "p1", database.PoolCancelled, admin); err != nil {
			t.Fatalf("EmergencyHalt failed: %v", err)
		}
		if got := store.status("p1"); got != database.PoolCancelled {
			t.Errorf("pool status = %s, want cancelled", got)
		}
	})

	t.Run("closed pool can still be cancelled", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolClosed, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		if err := m.EmergencyHalt(context.Background(), "p1", database.PoolCancelled, admin); err != nil {
			t.Fatalf("EmergencyHalt failed: %v", err)
		}
	})

	t.Run("closing an already closed pool conflicts", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolClosed, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		err := m.EmergencyHalt(context.Background(), "p1", database.PoolClosed, admin)
		if !errors.Is(err, database.ErrStateConflict) {
			t.Fatalf("err = %v, want ErrStateConflict", err)
		}
	})

	t.Run("terminal pool cannot be halted", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolArchived, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		err := m.EmergencyHalt(context.Background(), "p1", database.PoolCancelled, admin)
		if !errors.Is(err, database.ErrStateConflict) {
			t.Fatalf("err = %v, want ErrStateConflict", err)
		}
	})

	t.Run("only cancelled or closed are legal targets", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolActive, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		if err := m.EmergencyHalt(context.Background(), "p1", database.PoolActive, admin); err == nil {
			t.Fatal("expected an error for an illegal halt target")
		}
	})

	t.Run("non-admin is refused", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolActive, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		manager := Actor{UserID: "mgr-1", Role: database.RoleManager}
		err := m.EmergencyHalt(context.Background(), "p1", database.PoolCancelled, manager)
		if !errors.Is(err, database.ErrStateConflict) {
			t.Fatalf("err = %v, want ErrStateConflict", err)
		}
		if got := store.status("p1"); got != database.PoolActive {
			t.Errorf("pool status = %s, must stay active", got)
		}
	})
}

func TestArchive(t *testing.T) {
	admin := Actor{UserID: "adm-1", Role: database.RoleAdmin}

	t.Run("closed pool archives", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolClosed, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		if err := m.Archive(context.Background(), "p1", admin); err != nil {
			t.Fatalf("Archive failed: %v", err)
		}
		if got := store.status("p1"); got != database.PoolArchived {
			t.Errorf("pool status = %s, want archived", got)
		}
	})

	t.Run("non-closed pool conflicts", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolActive, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		err := m.Archive(context.Background(), "p1", admin)
		if !errors.Is(err, database.ErrStateConflict) {
			t.Fatalf("err = %v, want ErrStateConflict", err)
		}
	})

	t.Run("manager is refused", func(t *testing.T) {
		store := newFakePoolStore(poolWithDates("p1", database.PoolClosed, nil, nil, nil))
		m := testMachine(store, clock.NewFake(tickNow))

		manager := Actor{UserID: "mgr-1", Role: database.RoleManager}
		err := m.Archive(context.Background(), "p1", manager)
		if !errors.Is(err, database.ErrStateConflict) {
			t.Fatalf("err = %v, want ErrStateConflict", err)
		}
	})
}
