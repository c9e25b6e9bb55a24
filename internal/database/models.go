package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// =====================================================
// ENUMS
// =====================================================

// PoolStatus represents the lifecycle state of a pool.
type PoolStatus string

const (
	PoolDraft      PoolStatus = "draft"
	PoolPending    PoolStatus = "pending"
	PoolActive     PoolStatus = "active"
	PoolPaused     PoolStatus = "paused"
	PoolSettlement PoolStatus = "settlement"
	PoolClosed     PoolStatus = "closed"
	PoolCancelled  PoolStatus = "cancelled"
	PoolArchived   PoolStatus = "archived"
)

// IsTerminal reports whether no further lifecycle transition is allowed.
func (s PoolStatus) IsTerminal() bool {
	return s == PoolCancelled || s == PoolArchived
}

// InvestmentStatus represents the state of a single capital position.
type InvestmentStatus string

const (
	InvestmentPendingVerification InvestmentStatus = "pending_verification"
	InvestmentConfirmed           InvestmentStatus = "confirmed"
	InvestmentRejected            InvestmentStatus = "rejected"
	InvestmentActive              InvestmentStatus = "active"
	InvestmentLocked              InvestmentStatus = "locked"
	InvestmentCompleted           InvestmentStatus = "completed"
	InvestmentWithdrawable        InvestmentStatus = "withdrawable"
	InvestmentWithdrawalPending   InvestmentStatus = "withdrawal_pending"
	InvestmentWithdrawn           InvestmentStatus = "withdrawn"
	InvestmentReinvested          InvestmentStatus = "reinvested"
)

// ExposureStatuses are the investment states that count toward a user's
// cumulative exposure in a pool.
var ExposureStatuses = []InvestmentStatus{
	InvestmentConfirmed,
	InvestmentActive,
	InvestmentLocked,
}

// ModelType identifies the trading model a pool runs.
type ModelType string

const (
	ModelWorkerAlpha ModelType = "worker_alpha"
	ModelWorkerBeta  ModelType = "worker_beta"
	ModelWorkerGamma ModelType = "worker_gamma"
	ModelWorkerDelta ModelType = "worker_delta"
	ModelAdanFusion  ModelType = "adan_fusion"
)

// RiskLevel classifies a pool's risk profile.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very_high"
)

// UserRole is the platform role of a user.
type UserRole string

const (
	RoleInvestor   UserRole = "investor"
	RoleManager    UserRole = "manager"
	RoleAdmin      UserRole = "admin"
	RoleSuperAdmin UserRole = "super_admin"
)

// KycStatus is the user's KYC verification state.
type KycStatus string

const (
	KycPending  KycStatus = "pending"
	KycApproved KycStatus = "approved"
	KycRejected KycStatus = "rejected"
)

// =====================================================
// ENTITIES
// =====================================================

// Pool is a time-boxed collective investment vehicle with a capital ceiling.
type Pool struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ModelType   ModelType  `json:"model_type"`
	RiskLevel   RiskLevel  `json:"risk_level"`
	Status      PoolStatus `json:"status"`
	ManagerID   string     `json:"manager_id"`

	CurrentAmount decimal.Decimal `json:"current_amount"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`

	PoolHardCap           decimal.Decimal `json:"pool_hard_cap"`
	MinInvestment         decimal.Decimal `json:"min_investment"`
	MaxInvestmentPerUser  decimal.Decimal `json:"max_investment_per_user"`
	MaxInvestmentPerAdmin decimal.Decimal `json:"max_investment_per_admin"`
	MaxDailyDrawdown      decimal.Decimal `json:"max_daily_drawdown"` // percent

	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	SettlementDate *time.Time `json:"settlement_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AcceptsDeposits reports whether the pool is open to new capital.
func (p *Pool) AcceptsDeposits() bool {
	return p.Status == PoolPending || p.Status == PoolActive
}

// RemainingCapacity returns hard cap minus current amount, floored at zero.
func (p *Pool) RemainingCapacity() decimal.Decimal {
	remaining := p.PoolHardCap.Sub(p.CurrentAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// Investment is one investor's capital position inside a pool. Investments
// are never deleted, only status-transitioned, so the row history doubles as
// an audit trail.
type Investment struct {
	ID     string `json:"id"`
	PoolID string `json:"pool_id"`
	UserID string `json:"user_id"`

	InitialAmount decimal.Decimal `json:"initial_amount"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	PnL           decimal.Decimal `json:"pnl"`
	PnLPercentage decimal.Decimal `json:"pnl_percentage"`

	Status InvestmentStatus `json:"status"`

	InvestedAt      time.Time  `json:"invested_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
	WithdrawnAt     *time.Time `json:"withdrawn_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`

	// ReinvestedInto carries the id of the successor investment once this
	// position reaches the terminal REINVESTED state.
	ReinvestedInto *string `json:"reinvested_into,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is the subset of the platform user the engine reads. The engine never
// mutates users except for the auto-reinvest preference.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Name         string `json:"name"`

	Role      UserRole  `json:"role"`
	KycStatus KycStatus `json:"kyc_status"`

	IsBlocked             bool `json:"is_blocked"`
	HasActiveSubscription bool `json:"has_active_subscription"`
	MfaEnabled            bool `json:"mfa_enabled"`
	MfaRequired           bool `json:"mfa_required"`
	AutoReinvest          bool `json:"auto_reinvest"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Withdrawal records a payout request against a withdrawable investment.
type Withdrawal struct {
	ID           string          `json:"id"`
	InvestmentID string          `json:"investment_id"`
	UserID       string          `json:"user_id"`
	Amount       decimal.Decimal `json:"amount"`
	Status       string          `json:"status"` // requested, processed, rejected
	RequestedAt  time.Time       `json:"requested_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// UserInvestmentStats aggregates a user's investment history.
type UserInvestmentStats struct {
	TotalInvested        decimal.Decimal `json:"total_invested"`
	ActiveInvestments    int             `json:"active_investments"`
	CompletedInvestments int             `json:"completed_investments"`
	TotalPnL             decimal.Decimal `json:"total_pnl"`
}

// PoolFilter narrows pool listings.
type PoolFilter struct {
	Statuses   []PoolStatus
	RiskLevels []RiskLevel
	Search     string
}
