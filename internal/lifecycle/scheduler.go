package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// SchedulerConfig holds configuration for the lifecycle scheduler
type SchedulerConfig struct {
	// TickInterval is how often time-based guards are scanned
	TickInterval time.Duration

	// TickTimeout is the maximum time allowed for a single tick
	TickTimeout time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval: time.Minute,
		TickTimeout:  45 * time.Second,
	}
}

// Scheduler runs the state machine's time-based transitions on a fixed
// interval.
type Scheduler struct {
	machine *Machine
	config  *SchedulerConfig

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a new lifecycle scheduler
func NewScheduler(machine *Machine, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		machine:  machine,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Start starts the lifecycle scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("lifecycle scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	log.Println("[LIFECYCLE-SCHEDULER] Starting pool lifecycle scheduler")

	s.wg.Add(1)
	go s.run()

	return nil
}

// Stop stops the lifecycle scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("lifecycle scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	log.Println("[LIFECYCLE-SCHEDULER] Pool lifecycle scheduler stopped")
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

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.tick()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopChan:
			log.Println("[LIFECYCLE-SCHEDULER] Received stop signal")
			return
		}
	}
}

func (s *Scheduler) tick() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[LIFECYCLE-SCHEDULER] Panic recovered during tick: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.TickTimeout)
	defer cancel()

	result := s.machine.Tick(ctx)
	if result.Activated > 0 || result.Closed > 0 || result.Settled > 0 || result.Failures > 0 {
		log.Printf("[LIFECYCLE-SCHEDULER] Tick complete: activated=%d closed=%d settled=%d failures=%d",
			result.Activated, result.Closed, result.Settled, result.Failures)
	}
}
