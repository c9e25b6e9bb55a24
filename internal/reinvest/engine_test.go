package reinvest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pool-capital-engine/config"
	"pool-capital-engine/internal/clock"
	"pool-capital-engine/internal/database"
	"pool-capital-engine/internal/events"
)

// =====================================================
// TEST FIXTURES
// =====================================================

type fakeStore struct {
	mu          sync.Mutex
	investments map[string]*database.Investment
	pools       map[string]*database.Pool
	users       map[string]*database.User
	exposure    map[string]decimal.Decimal // userID|poolID

	// applyErrs returns an error the first time ApplyReinvestment targets
	// the given pool, simulating a racing fill.
	applyErrs  map[string]error
	successors []*database.Investment
}

func newStore() *fakeStore {
	return &fakeStore{
		investments: make(map[string]*database.Investment),
		pools:       make(map[string]*database.Pool),
		users:       make(map[string]*database.User),
		exposure:    make(map[string]decimal.Decimal),
		applyErrs:   make(map[string]error),
	}
}

func (s *fakeStore) ListInvestmentsByStatus(_ context.Context, status database.InvestmentStatus) ([]*database.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Investment
	for _, inv := range s.investments {
		if inv.Status == status {
			copied := *inv
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) GetUserByID(_ context.Context, userID string) (*database.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID], nil
}

func (s *fakeStore) GetPool(_ context.Context, poolID string) (*database.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[poolID]
	if !ok {
		return nil, nil
	}
	copied := *pool
	return &copied, nil
}

func (s *fakeStore) ListPoolsByStatus(_ context.Context, status database.PoolStatus) ([]*database.Pool, error) {
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

func (s *fakeStore) SumUserExposure(_ context.Context, userID, poolID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.exposure[userID+"|"+poolID]; ok {
		return v, nil
	}
	return decimal.Zero, nil
}

func (s *fakeStore) TransitionInvestmentStatus(_ context.Context, investmentID string, from, to database.InvestmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.investments[investmentID]
	if !ok || inv.Status != from {
		return database.ErrStateConflict
	}
	inv.Status = to
	return nil
}

func (s *fakeStore) ApplyReinvestment(_ context.Context, source, successor *database.Investment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.applyErrs[successor.PoolID]; ok {
		delete(s.applyErrs, successor.PoolID)
		return err
	}

	src, ok := s.investments[source.ID]
	if !ok || src.Status != database.InvestmentCompleted {
		return database.ErrStateConflict
	}

	successor.ID = "succ-" + source.ID
	successor.Status = database.InvestmentConfirmed
	src.Status = database.InvestmentReinvested
	src.ReinvestedInto = &successor.ID
	s.successors = append(s.successors, successor)

	pool := s.pools[successor.PoolID]
	pool.CurrentAmount = pool.CurrentAmount.Add(successor.InitialAmount)
	return nil
}

func (s *fakeStore) investmentStatus(id string) database.InvestmentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.investments[id].Status
}

func testEngine(store Store) *Engine {
	cfg := &config.ReinvestmentConfig{
		CronSpec:    "0 2 * * *",
		FusionModel: string(database.ModelAdanFusion),
		ExpectedReturns: map[string]float64{
			string(database.ModelWorkerAlpha): 0.12,
			string(database.ModelWorkerBeta):  0.08,
			string(database.ModelAdanFusion):  0.15,
		},
		DefaultExpectedReturn: 0.10,
		RiskMultipliers: map[string]float64{
			string(database.RiskLow):    1.0,
			string(database.RiskMedium): 0.8,
			string(database.RiskHigh):   0.5,
		},
		DefaultRiskMultiplier: 0.5,
	}
	return NewEngine(store, clock.NewFake(time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)),
		events.NewBus(), zerolog.Nop(), cfg)
}

func pendingPool(id string, model database.ModelType, risk database.RiskLevel, hardCap int64) *database.Pool {
	return &database.Pool{
		ID:                    id,
		Name:                  "Pool " + id,
		Status:                database.PoolPending,
		ModelType:             model,
		RiskLevel:             risk,
		CurrentAmount:         decimal.Zero,
		PoolHardCap:           decimal.NewFromInt(hardCap),
		MinInvestment:         decimal.NewFromInt(100),
		MaxInvestmentPerUser:  decimal.NewFromInt(5000),
		MaxInvestmentPerAdmin: decimal.NewFromInt(20000),
	}
}

func completedInvestment(id, userID, poolID string, currentValue int64) *database.Investment {
	return &database.Investment{
		ID:            id,
		PoolID:        poolID,
		UserID:        userID,
		InitialAmount: decimal.NewFromInt(currentValue),
		CurrentValue:  decimal.NewFromInt(currentValue),
		Status:        database.InvestmentCompleted,
	}
}

func reinvestor(id string) *database.User {
	return &database.User{ID: id, Role: database.RoleInvestor, AutoReinvest: true}
}

// =====================================================
// OPT-OUT AND NO-OPTION PATHS
// =====================================================

func TestRunOptOutMarksWithdrawable(t *testing.T) {
	store := newStore()
	user := reinvestor("u1")
	user.AutoReinvest = false
	store.users["u1"] = user
	store.investments["inv1"] = completedInvestment("inv1", "u1", "old", 1000)
	store.pools["p1"] = pendingPool("p1", database.ModelWorkerAlpha, database.RiskLow, 10000)

	stats := testEngine(store).Run(context.Background())

	if stats.MarkedWithdrawable != 1 || stats.Reinvested != 0 {
		t.Errorf("stats = %+v, want 1 withdrawable, 0 reinvested", stats)
	}
	if got := store.investmentStatus("inv1"); got != database.InvestmentWithdrawable {
		t.Errorf("investment status = %s, want withdrawable", got)
	}
}

func TestRunNoCandidatesMarksWithdrawable(t *testing.T) {
	store := newStore()
	store.users["u1"] = reinvestor("u1")
	store.investments["inv1"] = completedInvestment("inv1", "u1", "old", 1000)
	// Only a pool too small for the full amount exists.
	small := pendingPool("p1", database.ModelWorkerAlpha, database.RiskLow, 500)
	store.pools["p1"] = small

	stats := testEngine(store).Run(context.Background())

	if stats.MarkedWithdrawable != 1 {
		t.Errorf("stats = %+v, want 1 withdrawable", stats)
	}
	if got := store.investmentStatus("inv1"); got != database.InvestmentWithdrawable {
		t.Errorf("investment status = %s, want withdrawable", got)
	}
}

// =====================================================
// CANDIDATE FILTERING
// =====================================================

func TestCandidatesFullAmountOnly(t *testing.T) {
	store := newStore()
	user := reinvestor("u1")
	store.users["u1"] = user

	fits := pendingPool("fits", database.ModelWorkerAlpha, database.RiskLow, 10000)
	tooSmall := pendingPool("too-small", database.ModelWorkerAlpha, database.RiskLow, 900)
	highMinimum := pendingPool("high-min", database.ModelWorkerAlpha, database.RiskLow, 10000)
	highMinimum.MinInvestment = decimal.NewFromInt(2000)
	overLimit := pendingPool("over-limit", database.ModelWorkerAlpha, database.RiskLow, 10000)
	store.exposure["u1|over-limit"] = decimal.NewFromInt(4500)
	store.pools["fits"] = fits
	store.pools["too-small"] = tooSmall
	store.pools["high-min"] = highMinimum
	store.pools["over-limit"] = overLimit

	engine := testEngine(store)
	candidates, err := engine.candidates(context.Background(), user, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("candidates failed: %v", err)
	}

	if len(candidates) != 1 || candidates[0].ID != "fits" {
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		t.Errorf("candidates = %v, want [fits]", ids)
	}
}

// =====================================================
// POOL SELECTION
// =====================================================

func TestSelectPoolPrefersSameModel(t *testing.T) {
	store := newStore()
	engine := testEngine(store)

	source := pendingPool("src", database.ModelWorkerBeta, database.RiskLow, 10000)
	sameModel := pendingPool("same", database.ModelWorkerBeta, database.RiskHigh, 10000)
	fusion := pendingPool("fusion", database.ModelAdanFusion, database.RiskLow, 10000)
	topScore := pendingPool("top", database.ModelWorkerAlpha, database.RiskLow, 10000)

	// Same model wins even when its score is the lowest on the board.
	chosen := engine.selectPool(source, []*database.Pool{topScore, fusion, sameModel})
	if chosen.ID != "same" {
		t.Errorf("chosen = %s, want same-model pool", chosen.ID)
	}

	// Without a same-model candidate the fusion pool is next.
	chosen = engine.selectPool(source, []*database.Pool{topScore, fusion})
	if chosen.ID != "fusion" {
		t.Errorf("chosen = %s, want fusion pool", chosen.ID)
	}

	// Otherwise the best risk-adjusted score wins.
	alphaHigh := pendingPool("alpha-high", database.ModelWorkerAlpha, database.RiskHigh, 10000)
	chosen = engine.selectPool(source, []*database.Pool{alphaHigh, topScore})
	if chosen.ID != "top" {
		t.Errorf("chosen = %s, want highest-scoring pool", chosen.ID)
	}
}

func TestScore(t *testing.T) {
	engine := testEngine(newStore())

	tests := []struct {
		name  string
		model database.ModelType
		risk  database.RiskLevel
		want  float64
	}{
		{"known model and risk", database.ModelWorkerAlpha, database.RiskLow, 0.12},
		{"risk multiplier applied", database.ModelWorkerAlpha, database.RiskMedium, 0.12 * 0.8},
		{"unknown model uses default return", database.ModelType("exotic"), database.RiskLow, 0.10},
		{"unknown risk uses default multiplier", database.ModelWorkerBeta, database.RiskLevel("unrated"), 0.08 * 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := pendingPool("p", tt.model, tt.risk, 10000)
			if got := engine.Score(pool); got != tt.want {
				t.Errorf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}

// =====================================================
// ALLOCATION RUNS
// =====================================================

func TestRunReinvestsFullCurrentValue(t *testing.T) {
	store := newStore()
	store.users["u1"] = reinvestor("u1")
	source := completedInvestment("inv1", "u1", "old", 1000)
	source.CurrentValue = decimal.NewFromInt(1250) // grew since deposit
	store.investments["inv1"] = source
	store.pools["old"] = &database.Pool{ID: "old", Status: database.PoolSettlement, ModelType: database.ModelWorkerAlpha}
	store.pools["next"] = pendingPool("next", database.ModelWorkerAlpha, database.RiskLow, 10000)

	stats := testEngine(store).Run(context.Background())

	if stats.Reinvested != 1 {
		t.Fatalf("stats = %+v, want 1 reinvested", stats)
	}
	if got := store.investmentStatus("inv1"); got != database.InvestmentReinvested {
		t.Errorf("source status = %s, want reinvested", got)
	}
	if len(store.successors) != 1 {
		t.Fatalf("got %d successors, want 1", len(store.successors))
	}
	succ := store.successors[0]
	if !succ.InitialAmount.Equal(decimal.NewFromInt(1250)) {
		t.Errorf("successor amount = %s, want the source's full current value 1250", succ.InitialAmount)
	}
	if succ.PoolID != "next" {
		t.Errorf("successor pool = %s, want next", succ.PoolID)
	}
}

func TestRunRetriesNextCandidateOnRacingFill(t *testing.T) {
	store := newStore()
	store.users["u1"] = reinvestor("u1")
	store.investments["inv1"] = completedInvestment("inv1", "u1", "old", 1000)
	store.pools["old"] = &database.Pool{ID: "old", Status: database.PoolSettlement, ModelType: database.ModelWorkerGamma}

	// Fusion ranks first for a source model with no same-model candidate.
	fusion := pendingPool("fusion", database.ModelAdanFusion, database.RiskLow, 10000)
	fallback := pendingPool("fallback", database.ModelWorkerAlpha, database.RiskLow, 10000)
	store.pools["fusion"] = fusion
	store.pools["fallback"] = fallback
	store.applyErrs["fusion"] = database.ErrHardCapExceeded

	stats := testEngine(store).Run(context.Background())

	if stats.Reinvested != 1 || stats.Failures != 0 {
		t.Fatalf("stats = %+v, want a clean reinvestment after retry", stats)
	}
	if store.successors[0].PoolID != "fallback" {
		t.Errorf("successor pool = %s, want fallback after the fusion pool filled", store.successors[0].PoolID)
	}
}

func TestRunConcurrentProcessingIsSilent(t *testing.T) {
	// A second runner already moved the source; the conflict is not a failure.
	store := newStore()
	store.users["u1"] = reinvestor("u1")
	store.investments["inv1"] = completedInvestment("inv1", "u1", "old", 1000)
	store.pools["old"] = &database.Pool{ID: "old", Status: database.PoolSettlement}
	store.pools["next"] = pendingPool("next", database.ModelWorkerAlpha, database.RiskLow, 10000)
	store.applyErrs["next"] = database.ErrStateConflict

	stats := testEngine(store).Run(context.Background())

	if stats.Failures != 0 {
		t.Errorf("stats = %+v, state conflicts must not count as failures", stats)
	}
	if stats.Reinvested != 0 {
		t.Errorf("stats = %+v, nothing should be reinvested here", stats)
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	store := newStore()
	store.users["u1"] = reinvestor("u1")
	// inv-bad has no owner on record and must fail alone.
	store.investments["inv-bad"] = completedInvestment("inv-bad", "ghost", "old", 500)
	store.investments["inv-good"] = completedInvestment("inv-good", "u1", "old", 1000)
	store.pools["old"] = &database.Pool{ID: "old", Status: database.PoolSettlement, ModelType: database.ModelWorkerAlpha}
	store.pools["next"] = pendingPool("next", database.ModelWorkerAlpha, database.RiskLow, 10000)

	stats := testEngine(store).Run(context.Background())

	if stats.Processed != 2 {
		t.Errorf("processed = %d, want 2", stats.Processed)
	}
	if stats.Failures != 1 {
		t.Errorf("failures = %d, want 1", stats.Failures)
	}
	if stats.Reinvested != 1 {
		t.Errorf("reinvested = %d, want 1", stats.Reinvested)
	}
	if got := store.investmentStatus("inv-bad"); got != database.InvestmentCompleted {
		t.Errorf("failed investment status = %s, must stay completed for the next run", got)
	}
}
