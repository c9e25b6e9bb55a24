package eligibility

import (
	"context"
	"strings"
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
	users     map[string]*database.User
	pools     map[string]*database.Pool
	exposure  map[string]decimal.Decimal // userID|poolID
	depositFn func(inv *database.Investment) error
	deposits  []*database.Investment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*database.User),
		pools:    make(map[string]*database.Pool),
		exposure: make(map[string]decimal.Decimal),
	}
}

func (s *fakeStore) GetUserByID(_ context.Context, userID string) (*database.User, error) {
	return s.users[userID], nil
}

func (s *fakeStore) GetPool(_ context.Context, poolID string) (*database.Pool, error) {
	return s.pools[poolID], nil
}

func (s *fakeStore) SumUserExposure(_ context.Context, userID, poolID string) (decimal.Decimal, error) {
	if v, ok := s.exposure[userID+"|"+poolID]; ok {
		return v, nil
	}
	return decimal.Zero, nil
}

func (s *fakeStore) ApplyDeposit(_ context.Context, inv *database.Investment) error {
	if s.depositFn != nil {
		return s.depositFn(inv)
	}
	inv.ID = "inv-1"
	inv.Status = database.InvestmentConfirmed
	s.deposits = append(s.deposits, inv)
	return nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testGate(store Store) *Gate {
	cfg := &config.EligibilityConfig{
		KycFreeLimit:         1000,
		ValidationWindow:     48 * time.Hour,
		SubscriptionFeeLabel: "2 USDT/month",
		SensitiveActions:     []string{"modify_pool_limits", "emergency_stop"},
	}
	return NewGate(store, clock.NewFake(testNow), events.NewBus(), zerolog.Nop(), cfg)
}

func investor(id string) *database.User {
	return &database.User{
		ID:                    id,
		Role:                  database.RoleInvestor,
		KycStatus:             database.KycApproved,
		HasActiveSubscription: true,
	}
}

func openPool(id string) *database.Pool {
	start := testNow.Add(-time.Hour)
	return &database.Pool{
		ID:                    id,
		Name:                  "Pool " + id,
		Status:                database.PoolActive,
		CurrentAmount:         decimal.NewFromInt(5000),
		PoolHardCap:           decimal.NewFromInt(10000),
		MinInvestment:         decimal.NewFromInt(100),
		MaxInvestmentPerUser:  decimal.NewFromInt(2000),
		MaxInvestmentPerAdmin: decimal.NewFromInt(5000),
		StartDate:             &start,
	}
}

// =====================================================
// VALIDATION RULE CHAIN
// =====================================================

func TestValidateRuleChain(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*fakeStore)
		amount     int64
		wantValid  bool
		wantReason string // substring match
	}{
		{
			name:      "clean deposit passes",
			setup:     func(s *fakeStore) {},
			amount:    500,
			wantValid: true,
		},
		{
			name: "unknown user",
			setup: func(s *fakeStore) {
				delete(s.users, "u1")
			},
			amount:     500,
			wantValid:  false,
			wantReason: "User not found",
		},
		{
			name: "unknown pool",
			setup: func(s *fakeStore) {
				delete(s.pools, "pool1")
			},
			amount:     500,
			wantValid:  false,
			wantReason: "Pool not found",
		},
		{
			name: "large deposit without approved KYC",
			setup: func(s *fakeStore) {
				s.users["u1"].KycStatus = database.KycPending
				s.users["u1"].Role = database.RoleManager // higher limit than 2000
			},
			amount:     1500,
			wantValid:  false,
			wantReason: "KYC verification required",
		},
		{
			name: "small deposit without KYC passes",
			setup: func(s *fakeStore) {
				s.users["u1"].KycStatus = database.KycPending
			},
			amount:    500,
			wantValid: true,
		},
		{
			name: "no active subscription",
			setup: func(s *fakeStore) {
				s.users["u1"].HasActiveSubscription = false
			},
			amount:     500,
			wantValid:  false,
			wantReason: "Active subscription required",
		},
		{
			name: "blocked account",
			setup: func(s *fakeStore) {
				s.users["u1"].IsBlocked = true
			},
			amount:     500,
			wantValid:  false,
			wantReason: "Account is blocked",
		},
		{
			name: "investor cumulative limit",
			setup: func(s *fakeStore) {
				s.exposure["u1|pool1"] = decimal.NewFromInt(1800)
			},
			amount:     500,
			wantValid:  false,
			wantReason: "Investment limit exceeded",
		},
		{
			name: "admin gets the admin limit",
			setup: func(s *fakeStore) {
				s.users["u1"].Role = database.RoleAdmin
				s.exposure["u1|pool1"] = decimal.NewFromInt(1800)
			},
			amount:    500,
			wantValid: true,
		},
		{
			name: "super admin without MFA",
			setup: func(s *fakeStore) {
				s.users["u1"].Role = database.RoleSuperAdmin
				s.users["u1"].MfaRequired = true
				s.users["u1"].MfaEnabled = false
			},
			amount:     500,
			wantValid:  false,
			wantReason: "MFA required",
		},
		{
			name: "super admin with MFA answers only to the hard cap",
			setup: func(s *fakeStore) {
				s.users["u1"].Role = database.RoleSuperAdmin
				s.users["u1"].MfaRequired = true
				s.users["u1"].MfaEnabled = true
			},
			amount:    4500,
			wantValid: true,
		},
		{
			name: "closed pool rejects deposits",
			setup: func(s *fakeStore) {
				s.pools["pool1"].Status = database.PoolClosed
			},
			amount:     500,
			wantValid:  false,
			wantReason: "not accepting investments",
		},
		{
			name: "below pool minimum",
			setup: func(s *fakeStore) {
				s.pools["pool1"].MinInvestment = decimal.NewFromInt(1000)
			},
			amount:     500,
			wantValid:  false,
			wantReason: "Minimum investment",
		},
		{
			name: "window closed after pool start",
			setup: func(s *fakeStore) {
				start := testNow.Add(-49 * time.Hour)
				s.pools["pool1"].StartDate = &start
			},
			amount:     500,
			wantValid:  false,
			wantReason: "Investment window closed",
		},
		{
			name: "window closed rejects even fully verified users",
			setup: func(s *fakeStore) {
				start := testNow.Add(-72 * time.Hour)
				s.pools["pool1"].StartDate = &start
				s.users["u1"].KycStatus = database.KycApproved
			},
			amount:     500,
			wantValid:  false,
			wantReason: "Investment window closed",
		},
		{
			name: "pool without a start date has no window",
			setup: func(s *fakeStore) {
				s.pools["pool1"].StartDate = nil
				s.pools["pool1"].Status = database.PoolPending
			},
			amount:    500,
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.users["u1"] = investor("u1")
			store.pools["pool1"] = openPool("pool1")
			tt.setup(store)

			gate := testGate(store)
			result, err := gate.Validate(context.Background(), "u1", "pool1", decimal.NewFromInt(tt.amount))
			if err != nil {
				t.Fatalf("Validate failed: %v", err)
			}

			if result.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v (reason: %q)", result.Valid, tt.wantValid, result.Reason)
			}
			if tt.wantReason != "" && !strings.Contains(result.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want substring %q", result.Reason, tt.wantReason)
			}
		})
	}
}

func TestValidateCapacity(t *testing.T) {
	// 9500 of 10000 used: 600 must bounce, 400 must pass.
	store := newFakeStore()
	store.users["u1"] = investor("u1")
	pool := openPool("pool1")
	pool.CurrentAmount = decimal.NewFromInt(9500)
	store.pools["pool1"] = pool
	gate := testGate(store)

	result, err := gate.Validate(context.Background(), "u1", "pool1", decimal.NewFromInt(600))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if result.Valid {
		t.Error("600 into 500 of remaining capacity must be rejected")
	}
	if !strings.Contains(result.Reason, "capacity") {
		t.Errorf("Reason = %q, want capacity rejection", result.Reason)
	}

	result, err = gate.Validate(context.Background(), "u1", "pool1", decimal.NewFromInt(400))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("400 into 500 of remaining capacity must pass, got %q", result.Reason)
	}
}

// =====================================================
// DEPOSIT EXECUTION
// =====================================================

func TestDeposit(t *testing.T) {
	t.Run("valid deposit executes", func(t *testing.T) {
		store := newFakeStore()
		store.users["u1"] = investor("u1")
		store.pools["pool1"] = openPool("pool1")
		gate := testGate(store)

		inv, result, err := gate.Deposit(context.Background(), "u1", "pool1", decimal.NewFromInt(500))
		if err != nil {
			t.Fatalf("Deposit failed: %v", err)
		}
		if !result.Valid {
			t.Fatalf("deposit rejected: %q", result.Reason)
		}
		if inv == nil || inv.ID == "" {
			t.Fatal("expected a persisted investment")
		}
		if !inv.InitialAmount.Equal(decimal.NewFromInt(500)) {
			t.Errorf("InitialAmount = %s, want 500", inv.InitialAmount)
		}
		if !inv.InvestedAt.Equal(testNow) {
			t.Errorf("InvestedAt = %s, want %s", inv.InvestedAt, testNow)
		}
	})

	t.Run("rejected deposit never reaches the store", func(t *testing.T) {
		store := newFakeStore()
		store.users["u1"] = investor("u1")
		store.users["u1"].IsBlocked = true
		store.pools["pool1"] = openPool("pool1")
		gate := testGate(store)

		inv, result, err := gate.Deposit(context.Background(), "u1", "pool1", decimal.NewFromInt(500))
		if err != nil {
			t.Fatalf("Deposit failed: %v", err)
		}
		if result.Valid || inv != nil {
			t.Error("blocked user's deposit must be rejected without persistence")
		}
		if len(store.deposits) != 0 {
			t.Errorf("store received %d deposits, want 0", len(store.deposits))
		}
	})

	t.Run("racing fill surfaces as capacity rejection", func(t *testing.T) {
		store := newFakeStore()
		store.users["u1"] = investor("u1")
		store.pools["pool1"] = openPool("pool1")
		store.depositFn = func(*database.Investment) error {
			return database.ErrHardCapExceeded
		}
		gate := testGate(store)

		inv, result, err := gate.Deposit(context.Background(), "u1", "pool1", decimal.NewFromInt(500))
		if err != nil {
			t.Fatalf("Deposit failed: %v", err)
		}
		if result.Valid || inv != nil {
			t.Error("hard cap race must come back as a rejection, not success")
		}
		if !strings.Contains(result.Reason, "capacity") {
			t.Errorf("Reason = %q, want capacity rejection", result.Reason)
		}
	})
}

// =====================================================
// SENSITIVE ACTIONS
// =====================================================

func TestValidateSensitiveAction(t *testing.T) {
	tests := []struct {
		name        string
		role        database.UserRole
		mfaRequired bool
		mfaEnabled  bool
		action      string
		wantValid   bool
	}{
		{"ordinary action passes for anyone", database.RoleInvestor, false, false, "view_pools", true},
		{"sensitive action needs super admin", database.RoleAdmin, true, true, "emergency_stop", false},
		{"super admin missing required MFA fails", database.RoleSuperAdmin, true, false, "emergency_stop", false},
		{"super admin with MFA passes", database.RoleSuperAdmin, true, true, "emergency_stop", true},
		{"super admin exempt from MFA passes", database.RoleSuperAdmin, false, false, "emergency_stop", true},
		{"limits change is sensitive", database.RoleManager, false, false, "modify_pool_limits", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.users["u1"] = &database.User{
				ID:          "u1",
				Role:        tt.role,
				MfaRequired: tt.mfaRequired,
				MfaEnabled:  tt.mfaEnabled,
			}
			gate := testGate(store)

			result, err := gate.ValidateSensitiveAction(context.Background(), "u1", tt.action)
			if err != nil {
				t.Fatalf("ValidateSensitiveAction failed: %v", err)
			}
			if result.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v (reason: %q)", result.Valid, tt.wantValid, result.Reason)
			}
		})
	}
}
