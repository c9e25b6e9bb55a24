package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pool-capital-engine/config"
	"pool-capital-engine/internal/api"
	"pool-capital-engine/internal/auth"
	"pool-capital-engine/internal/cache"
	"pool-capital-engine/internal/circuit"
	"pool-capital-engine/internal/clock"
	"pool-capital-engine/internal/database"
	"pool-capital-engine/internal/eligibility"
	"pool-capital-engine/internal/events"
	"pool-capital-engine/internal/lifecycle"
	"pool-capital-engine/internal/logging"
	"pool-capital-engine/internal/notification"
	"pool-capital-engine/internal/reinvest"
	"pool-capital-engine/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.SetDefault(logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		Component:   "ENGINE",
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
	}))

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Secrets come from Vault when enabled; config values otherwise.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to create vault client: %v", err)
	}
	if vaultClient.IsEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		secrets, err := vaultClient.LoadEngineSecrets(ctx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to load secrets from vault: %v", err)
		}
		vault.ApplySecrets(cfg, secrets)
		log.Println("Engine secrets loaded from Vault")
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(context.Background()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewRepository(db)
	bus := events.NewBus()
	clk := clock.Real()

	// Operator alerts
	notifier := notification.NewManager()
	if cfg.NotificationConfig.Enabled {
		notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
			Enabled:  cfg.NotificationConfig.Telegram.Enabled,
		}))
		notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			Enabled:    cfg.NotificationConfig.Discord.Enabled,
		}))
	}

	// Redis health-sample cache; the engine runs fine without it.
	var cacheSvc *cache.CacheService
	if cfg.RedisConfig.Enabled {
		cacheSvc, err = cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			log.Printf("Cache disabled: %v", err)
			cacheSvc = nil
		}
	}

	// Pool state machine and its minute scheduler
	machine := lifecycle.NewMachine(repo, clk, bus, logger, cfg.LifecycleConfig.SettlementLag)
	lifecycleScheduler := lifecycle.NewScheduler(machine, &lifecycle.SchedulerConfig{
		TickInterval: cfg.LifecycleConfig.TickInterval,
		TickTimeout:  cfg.LifecycleConfig.TransitionTimeout,
	})

	// Risk monitor and its health-check scheduler
	var sampleCache circuit.SampleCache
	if cacheSvc != nil {
		sampleCache = cacheSvc
	}
	monitor := circuit.NewMonitor(repo, sampleCache, notifier, bus, clk, logger, &circuit.Config{
		ReturnCushion:     cfg.CircuitBreakerConfig.ReturnCushion,
		DailyLossFraction: cfg.CircuitBreakerConfig.DailyLossFraction,
		CheckTimeout:      cfg.CircuitBreakerConfig.CheckTimeout,
		MaxConcurrent:     cfg.LifecycleConfig.MaxConcurrent,
	})
	monitorScheduler := circuit.NewScheduler(monitor, &circuit.SchedulerConfig{
		CheckInterval: cfg.CircuitBreakerConfig.CheckInterval,
		RunTimeout:    cfg.CircuitBreakerConfig.CheckInterval - time.Minute,
	})

	// Deposit gate
	gate := eligibility.NewGate(repo, clk, bus, logger, &cfg.EligibilityConfig)

	// Allocation engine and its nightly cron
	allocator := reinvest.NewEngine(repo, clk, bus, logger, &cfg.ReinvestmentConfig)
	allocScheduler := reinvest.NewScheduler(allocator, &reinvest.SchedulerConfig{
		CronSpec:   cfg.ReinvestmentConfig.CronSpec,
		RunTimeout: 10 * time.Minute,
	})

	// Auth stack
	passwords := auth.NewPasswordManager(auth.DefaultBcryptCost, cfg.AuthConfig.MinPasswordLength)
	jwtManager := auth.NewJWTManager(cfg.AuthConfig.JWTSecret,
		cfg.AuthConfig.AccessTokenDuration, cfg.AuthConfig.RefreshTokenDuration)
	authService := auth.NewService(repo, jwtManager, passwords)

	server := api.NewServer(cfg.ServerConfig, api.Deps{
		Repo:        repo,
		Bus:         bus,
		AuthService: authService,
		JWTManager:  jwtManager,
		Gate:        gate,
		Machine:     machine,
		Monitor:     monitor,
		Allocator:   allocator,
		CacheSvc:    cacheSvc,
	})

	if err := lifecycleScheduler.Start(); err != nil {
		log.Fatalf("Failed to start lifecycle scheduler: %v", err)
	}
	if err := monitorScheduler.Start(); err != nil {
		log.Fatalf("Failed to start risk monitor: %v", err)
	}
	if err := allocScheduler.Start(); err != nil {
		log.Fatalf("Failed to start allocation scheduler: %v", err)
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	if err := allocScheduler.Stop(); err != nil {
		log.Printf("Allocation scheduler stop: %v", err)
	}
	if err := monitorScheduler.Stop(); err != nil {
		log.Printf("Risk monitor stop: %v", err)
	}
	if err := lifecycleScheduler.Stop(); err != nil {
		log.Printf("Lifecycle scheduler stop: %v", err)
	}

	shutdownTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}

	if cacheSvc != nil {
		cacheSvc.Close()
	}

	log.Println("Shutdown complete")
}
