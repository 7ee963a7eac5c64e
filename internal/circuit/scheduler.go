package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"risk-gate/internal/store"
)

// SchedulerConfig holds configuration for the cooldown scheduler.
type SchedulerConfig struct {
	// SweepInterval is how often to look for breakers whose cooldown
	// has elapsed.
	SweepInterval time.Duration

	// SweepTimeout bounds a single sweep across all tenants.
	SweepTimeout time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SweepInterval: 30 * time.Second,
		SweepTimeout:  2 * time.Minute,
	}
}

// Scheduler moves OPEN breakers with auto-reset enabled to HALF_OPEN
// once their cooldown has elapsed. Breakers without auto-reset stay
// open until an operator resets them.
type Scheduler struct {
	registry *Registry
	store    store.Store
	config   *SchedulerConfig
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a cooldown scheduler.
func NewScheduler(registry *Registry, s store.Store, config *SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	return &Scheduler{
		registry: registry,
		store:    s,
		config:   config,
		logger:   logger.With().Str("component", "cooldown_scheduler").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start starts the cooldown scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cooldown scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{}) // Reinitialize for restart capability
	s.mu.Unlock()

	s.logger.Info().Dur("sweep_interval", s.config.SweepInterval).Msg("Starting cooldown scheduler")

	s.wg.Add(1)
	go s.runSweepLoop()

	return nil
}

// Stop stops the cooldown scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("cooldown scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.logger.Info().Msg("Cooldown scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.Sweep()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopChan:
			return
		}
	}
}

// Sweep walks every tenant's breakers once and applies the
// OPEN -> HALF_OPEN transition where due. Returns how many breakers
// transitioned.
func (s *Scheduler) Sweep() int {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
	defer cancel()

	tenants, err := s.store.Tenants(ctx, store.NamespaceCircuitBreakers)
	if err != nil {
		s.logger.Error().Err(err).Msg("Cooldown sweep failed to list tenants")
		return 0
	}

	transitioned := 0
	for _, tenantID := range tenants {
		breakers, err := s.registry.List(ctx, tenantID)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Cooldown sweep failed to list breakers")
			continue
		}

		for _, breaker := range breakers {
			if breaker.State != StateOpen || !breaker.AutoResetEnabled {
				continue
			}
			// MarkHalfOpen re-checks the cooldown under CAS, so a stale
			// read here only costs a wasted attempt.
			_, moved, err := s.registry.MarkHalfOpen(ctx, tenantID, breaker.BreakerID)
			if err != nil {
				s.logger.Error().Err(err).
					Str("tenant_id", tenantID).
					Str("breaker_id", breaker.BreakerID).
					Msg("Cooldown transition failed")
				continue
			}
			if moved {
				transitioned++
			}
		}
	}

	if transitioned > 0 {
		s.logger.Info().Int("count", transitioned).Msg("Moved breakers to half-open after cooldown")
	}
	return transitioned
}
