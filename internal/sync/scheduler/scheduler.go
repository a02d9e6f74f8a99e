// Package scheduler owns the single background sync worker: periodic
// cycles, listener-triggered pulls, reconnect-triggered full syncs and
// explicit sync-now requests.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/mimisupply/mimisync/internal/logging"
	"github.com/mimisupply/mimisync/internal/models"
)

// Engine is the slice of the sync engine the scheduler drives.
type Engine interface {
	RunCycle(ctx context.Context) error
	PullPartition(ctx context.Context, p models.Partition) error
	SetOnline(online bool)
	ResetBackoff() error
}

// Config holds scheduler timing.
type Config struct {
	// PullInterval is the periodic full-cycle cadence while idle.
	PullInterval time.Duration

	// GraceWindow bounds how long Stop waits for the worker to reach a
	// safe checkpoint before cancelling the in-flight cycle.
	GraceWindow time.Duration
}

// DefaultConfig returns the baseline scheduler timing.
func DefaultConfig() Config {
	return Config{
		PullInterval: 60 * time.Second,
		GraceWindow:  2 * time.Second,
	}
}

// Scheduler runs the sync worker loop. All triggers funnel into one
// goroutine so cycles never overlap.
type Scheduler struct {
	engine   Engine
	interval time.Duration
	grace    time.Duration

	stopCh chan struct{}
	syncCh chan struct{}
	pullCh chan models.Partition
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates a Scheduler for an engine.
func New(engine Engine, cfg Config) *Scheduler {
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = DefaultConfig().PullInterval
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultConfig().GraceWindow
	}
	return &Scheduler{
		engine:   engine,
		interval: cfg.PullInterval,
		grace:    cfg.GraceWindow,
		stopCh:   make(chan struct{}),
		syncCh:   make(chan struct{}, 1),
		pullCh:   make(chan models.Partition, 16),
	}
}

// Start launches the worker loop. Repeated calls are no-ops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("Sync scheduler started", map[string]interface{}{
		"pull_interval": s.interval.String(),
	})
}

// Stop shuts the worker down, waiting up to the grace window for the
// current cycle to reach a checkpoint before cancelling it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.grace):
		// Past the grace window: cancel the in-flight cycle. Applies
		// are transactional, so cancellation leaves no torn state.
		cancel()
		<-done
	}
	cancel()

	logging.Info("Sync scheduler stopped", nil)
}

// SyncNow requests a full cycle as soon as the worker is free.
// Requests coalesce while a cycle is pending.
func (s *Scheduler) SyncNow() {
	select {
	case s.syncCh <- struct{}{}:
	default:
	}
}

// SchedulePull requests an incremental pull for one partition. Used as
// the change listener's trigger.
func (s *Scheduler) SchedulePull(p models.Partition) {
	select {
	case s.pullCh <- p:
	default:
		// Channel full; a pending full cycle will cover this partition.
		s.SyncNow()
	}
}

// OnReachabilityChange feeds the connectivity signal through. A
// reconnect clears backoff timers and forces an immediate full sync.
func (s *Scheduler) OnReachabilityChange(online bool) {
	s.engine.SetOnline(online)
	if !online {
		return
	}
	if err := s.engine.ResetBackoff(); err != nil {
		logging.Error("Failed to reset backoff on reconnect", err, nil)
	}
	s.SyncNow()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.syncCh:
			s.runCycle(ctx)
		case p := <-s.pullCh:
			if err := s.engine.PullPartition(ctx, p); err != nil {
				logging.Warn("Incremental pull failed", map[string]interface{}{
					"partition": string(p),
					"error":     err.Error(),
				})
			}
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if err := s.engine.RunCycle(ctx); err != nil {
		logging.Warn("Sync cycle failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
