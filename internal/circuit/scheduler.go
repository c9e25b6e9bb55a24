package circuit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// SchedulerConfig holds configuration for the risk monitor scheduler
type SchedulerConfig struct {
	// CheckInterval is how often active pools are health-checked
	CheckInterval time.Duration

	// RunTimeout is the maximum time allowed for a full batch run
	RunTimeout time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		CheckInterval: 5 * time.Minute,
		RunTimeout:    4 * time.Minute,
	}
}

// Scheduler runs the risk monitor's batch health checks on a fixed interval.
type Scheduler struct {
	monitor *Monitor
	config  *SchedulerConfig

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a new risk monitor scheduler
func NewScheduler(monitor *Monitor, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 5 * time.Minute
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = config.CheckInterval - 30*time.Second
	}

	return &Scheduler{
		monitor:  monitor,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Start starts the risk monitor scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("risk monitor scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	log.Println("[RISK-MONITOR] Starting pool health scheduler")

	s.wg.Add(1)
	go s.run()

	return nil
}

// Stop stops the risk monitor scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("risk monitor scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	log.Println("[RISK-MONITOR] Pool health scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.checkAll()

	for {
		select {
		case <-ticker.C:
			s.checkAll()
		case <-s.stopChan:
			log.Println("[RISK-MONITOR] Received stop signal")
			return
		}
	}
}

func (s *Scheduler) checkAll() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[RISK-MONITOR] Panic recovered during health check run: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
	defer cancel()

	s.monitor.CheckAll(ctx)
}
