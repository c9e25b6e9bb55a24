package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerConfig         ServerConfig         `json:"server"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	RedisConfig          RedisConfig          `json:"redis"`
	VaultConfig          VaultConfig          `json:"vault"`
	AuthConfig           AuthConfig           `json:"auth"`
	NotificationConfig   NotificationConfig   `json:"notification"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	LifecycleConfig      LifecycleConfig      `json:"lifecycle"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	EligibilityConfig    EligibilityConfig    `json:"eligibility"`
	ReinvestmentConfig   ReinvestmentConfig   `json:"reinvestment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for health-sample caching
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path for engine secrets
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret            string        `json:"jwt_secret"`
	AccessTokenDuration  time.Duration `json:"access_token_duration"`
	RefreshTokenDuration time.Duration `json:"refresh_token_duration"`
	MinPasswordLength    int           `json:"min_password_length"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// LifecycleConfig tunes the pool state machine scheduler
type LifecycleConfig struct {
	TickInterval      time.Duration `json:"tick_interval"`      // How often guards are scanned
	MaxConcurrent     int           `json:"max_concurrent"`     // Parallel per-pool transitions per tick
	TransitionTimeout time.Duration `json:"transition_timeout"` // Per-pool timeout
	SettlementLag     time.Duration `json:"settlement_lag"`     // CLOSED -> SETTLEMENT delay when no settlement date is set
}

// CircuitBreakerConfig tunes the pool risk monitor
type CircuitBreakerConfig struct {
	CheckInterval     time.Duration `json:"check_interval"`      // Health sampling cadence
	ReturnCushion     float64       `json:"return_cushion"`      // Projected peak over current return
	DailyLossFraction float64       `json:"daily_loss_fraction"` // Daily loss threshold as fraction of pool size
	CheckTimeout      time.Duration `json:"check_timeout"`       // Per-pool timeout
}

// EligibilityConfig tunes the deposit gate
type EligibilityConfig struct {
	KycFreeLimit         float64       `json:"kyc_free_limit"`         // Max deposit without approved KYC
	ValidationWindow     time.Duration `json:"validation_window"`      // Deposit window after pool start
	SubscriptionFeeLabel string        `json:"subscription_fee_label"` // Used in rejection reasons
	SensitiveActions     []string      `json:"sensitive_actions"`      // Super-admin-only action names
}

// ReinvestmentConfig tunes the allocation engine. Risk multipliers and
// expected returns are business-tunable tables, so they live here rather
// than in code.
type ReinvestmentConfig struct {
	CronSpec              string             `json:"cron_spec"`               // Daily run schedule
	FusionModel           string             `json:"fusion_model"`            // Fallback model type
	ExpectedReturns       map[string]float64 `json:"expected_returns"`        // Per model type
	DefaultExpectedReturn float64            `json:"default_expected_return"` // Unknown model type
	RiskMultipliers       map[string]float64 `json:"risk_multipliers"`        // Per risk level
	DefaultRiskMultiplier float64            `json:"default_risk_multiplier"` // Unknown risk level
}

// Load reads config.json (when present) and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LifecycleConfig.TickInterval == 0 {
		cfg.LifecycleConfig.TickInterval = time.Minute
	}
	if cfg.LifecycleConfig.MaxConcurrent == 0 {
		cfg.LifecycleConfig.MaxConcurrent = 5
	}
	if cfg.LifecycleConfig.TransitionTimeout == 0 {
		cfg.LifecycleConfig.TransitionTimeout = 30 * time.Second
	}
	if cfg.LifecycleConfig.SettlementLag == 0 {
		cfg.LifecycleConfig.SettlementLag = 24 * time.Hour
	}

	if cfg.CircuitBreakerConfig.CheckInterval == 0 {
		cfg.CircuitBreakerConfig.CheckInterval = 5 * time.Minute
	}
	if cfg.CircuitBreakerConfig.ReturnCushion == 0 {
		cfg.CircuitBreakerConfig.ReturnCushion = 0.05
	}
	if cfg.CircuitBreakerConfig.DailyLossFraction == 0 {
		cfg.CircuitBreakerConfig.DailyLossFraction = 0.05
	}
	if cfg.CircuitBreakerConfig.CheckTimeout == 0 {
		cfg.CircuitBreakerConfig.CheckTimeout = 30 * time.Second
	}

	if cfg.EligibilityConfig.KycFreeLimit == 0 {
		cfg.EligibilityConfig.KycFreeLimit = 1000
	}
	if cfg.EligibilityConfig.ValidationWindow == 0 {
		cfg.EligibilityConfig.ValidationWindow = 48 * time.Hour
	}
	if cfg.EligibilityConfig.SubscriptionFeeLabel == "" {
		cfg.EligibilityConfig.SubscriptionFeeLabel = "2 USDT/month"
	}
	if len(cfg.EligibilityConfig.SensitiveActions) == 0 {
		cfg.EligibilityConfig.SensitiveActions = []string{
			"modify_pool_limits",
			"modify_fees",
			"emergency_stop",
			"modify_duration",
			"force_settlement",
		}
	}

	if cfg.ReinvestmentConfig.CronSpec == "" {
		cfg.ReinvestmentConfig.CronSpec = "0 2 * * *"
	}
	if cfg.ReinvestmentConfig.FusionModel == "" {
		cfg.ReinvestmentConfig.FusionModel = "adan_fusion"
	}
	if len(cfg.ReinvestmentConfig.ExpectedReturns) == 0 {
		cfg.ReinvestmentConfig.ExpectedReturns = map[string]float64{
			"worker_alpha": 0.15,
			"worker_beta":  0.12,
			"worker_gamma": 0.10,
			"worker_delta": 0.08,
			"adan_fusion":  0.11,
		}
	}
	if cfg.ReinvestmentConfig.DefaultExpectedReturn == 0 {
		cfg.ReinvestmentConfig.DefaultExpectedReturn = 0.10
	}
	if len(cfg.ReinvestmentConfig.RiskMultipliers) == 0 {
		cfg.ReinvestmentConfig.RiskMultipliers = map[string]float64{
			"low":       1.0,
			"medium":    0.8,
			"high":      0.6,
			"very_high": 0.4,
		}
	}
	if cfg.ReinvestmentConfig.DefaultRiskMultiplier == 0 {
		cfg.ReinvestmentConfig.DefaultRiskMultiplier = 0.5
	}

	if cfg.AuthConfig.AccessTokenDuration == 0 {
		cfg.AuthConfig.AccessTokenDuration = 15 * time.Minute
	}
	if cfg.AuthConfig.RefreshTokenDuration == 0 {
		cfg.AuthConfig.RefreshTokenDuration = 7 * 24 * time.Hour
	}
	if cfg.AuthConfig.MinPasswordLength == 0 {
		cfg.AuthConfig.MinPasswordLength = 8
	}
}

func applyEnvOverrides(cfg *Config) {
	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", strconv.FormatBool(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", strconv.FormatBool(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Auth
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Notifications
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", strconv.FormatBool(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", strconv.FormatBool(cfg.NotificationConfig.Telegram.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", strconv.FormatBool(cfg.NotificationConfig.Discord.Enabled)) == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", strconv.FormatBool(cfg.LoggingConfig.JSONFormat)) == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", strconv.FormatBool(cfg.LoggingConfig.IncludeFile)) == "true"

	// Reinvestment
	cfg.ReinvestmentConfig.CronSpec = getEnvOrDefault("REINVEST_CRON", cfg.ReinvestmentConfig.CronSpec)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
