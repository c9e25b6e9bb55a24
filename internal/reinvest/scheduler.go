package reinvest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds configuration for the allocation scheduler
type SchedulerConfig struct {
	// CronSpec is the daily run schedule in standard cron format
	CronSpec string

	// RunTimeout is the maximum time allowed for a full allocation run
	RunTimeout time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		CronSpec:   "0 2 * * *",
		RunTimeout: 10 * time.Minute,
	}
}

// Scheduler runs the allocation engine on a cron schedule.
type Scheduler struct {
	engine *Engine
	config *SchedulerConfig

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
}

// NewScheduler creates a new allocation scheduler
func NewScheduler(engine *Engine, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		engine: engine,
		config: config,
	}
}

// Start starts the allocation scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("allocation scheduler already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.config.CronSpec, s.runOnce); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", s.config.CronSpec, err)
	}

	s.cron = c
	s.cron.Start()
	s.running = true

	log.Printf("[REINVEST-SCHEDULER] Starting allocation scheduler (cron: %s)", s.config.CronSpec)
	return nil
}

// Stop stops the allocation scheduler, waiting for an in-flight run.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("allocation scheduler not running")
	}

	<-s.cron.Stop().Done()
	s.running = false

	log.Println("[REINVEST-SCHEDULER] Allocation scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TriggerNow runs one allocation pass outside the schedule.
func (s *Scheduler) TriggerNow(ctx context.Context) RunStats {
	return s.engine.Run(ctx)
}

func (s *Scheduler) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[REINVEST-SCHEDULER] Panic recovered during allocation run: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
	defer cancel()

	stats := s.engine.Run(ctx)
	log.Printf("[REINVEST-SCHEDULER] Run complete: processed=%d reinvested=%d withdrawable=%d failures=%d",
		stats.Processed, stats.Reinvested, stats.MarkedWithdrawable, stats.Failures)
}
