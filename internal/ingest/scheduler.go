// Scraper scheduler: drives one fixed-cadence cycle over all configured lead
// traders with bounded concurrency. Cycles never overlap; a tick arriving
// while a cycle is still running is dropped with a warning.
package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"copytrade-radar/internal/venue"
)

// SchedulerConfig holds the scraper cadence and fan-out settings.
type SchedulerConfig struct {
	Enabled     bool
	Interval    time.Duration
	Concurrency int
	TimeRange   string
	LeadIDs     []string
}

// DefaultSchedulerConfig returns the default scraper settings.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Enabled:     true,
		Interval:    60 * time.Second,
		Concurrency: 3,
		TimeRange:   "24h",
	}
}

// CycleHook runs once after every completed cycle, after all traders have
// been processed. The position monitor hangs off this.
type CycleHook func(ctx context.Context)

// SchedulerStatus is a point-in-time view for the status endpoint.
type SchedulerStatus struct {
	Enabled       bool       `json:"enabled"`
	Running       bool       `json:"running"`
	CycleActive   bool       `json:"cycle_active"`
	CycleCount    int64      `json:"cycle_count"`
	SkippedTicks  int64      `json:"skipped_ticks"`
	TraderErrors  int64      `json:"trader_errors"`
	LeadCount     int        `json:"lead_count"`
	LastCycleAt   *time.Time `json:"last_cycle_at,omitempty"`
	LastCycleTook string     `json:"last_cycle_took,omitempty"`
}

// Scheduler runs the scrape-ingest loop.
type Scheduler struct {
	client   *venue.Client
	pipeline *Pipeline
	config   *SchedulerConfig
	logger   zerolog.Logger

	cycleHooks []CycleHook

	cycleCount   atomic.Int64
	skippedTicks atomic.Int64
	traderErrors atomic.Int64
	cycleActive  atomic.Bool

	mu            sync.Mutex
	running       bool
	lastCycleAt   *time.Time
	lastCycleTook time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

func NewScheduler(client *venue.Client, pipeline *Pipeline, config *SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Scheduler{
		client:   client,
		pipeline: pipeline,
		config:   config,
		logger:   logger.With().Str("component", "Scheduler").Logger(),
		stopChan: make(chan struct{}),
	}
}

// OnCycleEnd registers a hook to run after each completed cycle.
func (s *Scheduler) OnCycleEnd(hook CycleHook) {
	s.cycleHooks = append(s.cycleHooks, hook)
}

// Start launches the loop. The first cycle runs immediately.
func (s *Scheduler) Start() error {
	if !s.config.Enabled {
		log.Println("[SCHEDULER] Scraper disabled, not starting")
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	log.Printf("[SCHEDULER] Starting: %d traders, interval %s, concurrency %d",
		len(s.config.LeadIDs), s.config.Interval, s.config.Concurrency)

	s.wg.Add(1)
	go s.runLoop()

	return nil
}

// Stop signals the loop and waits for the current cycle to drain.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	log.Println("[SCHEDULER] Stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status snapshots the scheduler counters.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	lastAt := s.lastCycleAt
	took := s.lastCycleTook
	running := s.running
	s.mu.Unlock()

	status := SchedulerStatus{
		Enabled:      s.config.Enabled,
		Running:      running,
		CycleActive:  s.cycleActive.Load(),
		CycleCount:   s.cycleCount.Load(),
		SkippedTicks: s.skippedTicks.Load(),
		TraderErrors: s.traderErrors.Load(),
		LeadCount:    len(s.config.LeadIDs),
		LastCycleAt:  lastAt,
	}
	if took > 0 {
		status.LastCycleTook = took.String()
	}
	return status
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.runCycle()

	for {
		select {
		case <-ticker.C:
			if s.cycleActive.Load() {
				s.skippedTicks.Add(1)
				log.Printf("[SCHEDULER] Previous cycle still running, skipping tick")
				continue
			}
			s.runCycle()
		case <-s.stopChan:
			return
		}
	}
}

// runCycle sweeps all configured traders in batches of at most Concurrency,
// then fires the cycle hooks.
func (s *Scheduler) runCycle() {
	if !s.cycleActive.CompareAndSwap(false, true) {
		s.skippedTicks.Add(1)
		return
	}
	defer s.cycleActive.Store(false)

	ctx := context.Background()
	started := time.Now()
	cycle := s.cycleCount.Add(1)

	semaphore := make(chan struct{}, s.config.Concurrency)
	var wg sync.WaitGroup

	for _, leadID := range s.config.LeadIDs {
		select {
		case <-s.stopChan:
			wg.Wait()
			log.Printf("[SCHEDULER] Cycle %d aborted by shutdown", cycle)
			return
		default:
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(id string) {
			defer wg.Done()
			defer func() { <-semaphore }()
			defer func() {
				if r := recover(); r != nil {
					s.traderErrors.Add(1)
					log.Printf("[SCHEDULER] Panic recovered for trader %s: %v", id, r)
				}
			}()

			s.processTrader(ctx, id)
		}(leadID)
	}

	wg.Wait()

	for _, hook := range s.cycleHooks {
		hook(ctx)
	}

	took := time.Since(started)
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastCycleAt = &now
	s.lastCycleTook = took
	s.mu.Unlock()

	s.logger.Info().
		Int64("cycle", cycle).
		Int("traders", len(s.config.LeadIDs)).
		Dur("took", took).
		Msg("Cycle complete")
}

func (s *Scheduler) processTrader(ctx context.Context, leadID string) {
	payload, err := s.client.FetchTrader(ctx, leadID, s.config.TimeRange)
	if err != nil {
		s.traderErrors.Add(1)
		log.Printf("[SCHEDULER] Scrape failed for trader %s: %v", leadID, err)
		return
	}

	if _, err := s.pipeline.ProcessTrader(ctx, payload); err != nil {
		s.traderErrors.Add(1)
		log.Printf("[SCHEDULER] Ingest failed for trader %s: %v", leadID, err)
	}
}
