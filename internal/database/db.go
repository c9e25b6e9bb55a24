package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Users table - only the columns the engine reads plus auth fields
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			email VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			name VARCHAR(255),
			role VARCHAR(20) NOT NULL DEFAULT 'investor',
			kyc_status VARCHAR(20) NOT NULL DEFAULT 'pending',
			is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
			has_active_subscription BOOLEAN NOT NULL DEFAULT FALSE,
			mfa_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			mfa_required BOOLEAN NOT NULL DEFAULT FALSE,
			auto_reinvest BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,

		// Pools table
		`CREATE TABLE IF NOT EXISTS pools (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name VARCHAR(255) NOT NULL,
			description TEXT,
			model_type VARCHAR(30) NOT NULL DEFAULT 'adan_fusion',
			risk_level VARCHAR(20) NOT NULL DEFAULT 'medium',
			status VARCHAR(20) NOT NULL DEFAULT 'draft',
			manager_id UUID NOT NULL REFERENCES users(id),
			current_amount DECIMAL(18, 2) NOT NULL DEFAULT 0,
			total_invested DECIMAL(18, 2) NOT NULL DEFAULT 0,
			total_pnl DECIMAL(18, 2) NOT NULL DEFAULT 0,
			daily_pnl DECIMAL(18, 2) NOT NULL DEFAULT 0,
			pool_hard_cap DECIMAL(18, 2) NOT NULL DEFAULT 500000,
			min_investment DECIMAL(18, 2) NOT NULL DEFAULT 100,
			max_investment_per_user DECIMAL(18, 2) NOT NULL DEFAULT 15000,
			max_investment_per_admin DECIMAL(18, 2) NOT NULL DEFAULT 20000,
			max_daily_drawdown DECIMAL(5, 2) NOT NULL DEFAULT 10,
			start_date TIMESTAMP,
			end_date TIMESTAMP,
			settlement_date TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT pools_amount_within_cap CHECK (current_amount <= pool_hard_cap)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_status ON pools(status)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_manager ON pools(manager_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_start_date ON pools(start_date)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_end_date ON pools(end_date)`,

		// Investments table - rows are never deleted, only status-transitioned
		`CREATE TABLE IF NOT EXISTS investments (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			pool_id UUID NOT NULL REFERENCES pools(id),
			user_id UUID NOT NULL REFERENCES users(id),
			initial_amount DECIMAL(18, 2) NOT NULL,
			current_value DECIMAL(18, 2) NOT NULL,
			pnl DECIMAL(18, 2) NOT NULL DEFAULT 0,
			pnl_percentage DECIMAL(8, 4) NOT NULL DEFAULT 0,
			status VARCHAR(30) NOT NULL DEFAULT 'pending_verification',
			invested_at TIMESTAMP NOT NULL,
			confirmed_at TIMESTAMP,
			rejected_at TIMESTAMP,
			locked_until TIMESTAMP,
			withdrawn_at TIMESTAMP,
			rejection_reason TEXT,
			reinvested_into UUID REFERENCES investments(id),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_pool ON investments(pool_id)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_user ON investments(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_status ON investments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_user_pool ON investments(user_id, pool_id)`,

		// Withdrawals table
		`CREATE TABLE IF NOT EXISTS withdrawals (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			investment_id UUID NOT NULL REFERENCES investments(id),
			user_id UUID NOT NULL REFERENCES users(id),
			amount DECIMAL(18, 2) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'requested',
			requested_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(status)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
