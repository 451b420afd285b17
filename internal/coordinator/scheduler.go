package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/pingd/internal/ping"
)

// Sweeper is the part of the ping coordinator the scheduler drives.
type Sweeper interface {
	IsDone() bool
	TriggerSweep(trigger ping.Trigger) (int, error)
	TriggerNodes(trigger ping.Trigger, names []string) (int, error)
}

// Scheduler starts a liveness sweep every interval, and a targeted sweep
// whenever nodes register.
//
// A periodic tick is skipped while batches of the previous cycle are still
// outstanding. Registration sweeps always run.
// Thread-safe: All methods are safe for concurrent access.
type Scheduler struct {
	sweeper  Sweeper            // Ping coordinator
	clock    clockwork.Clock    // Time source for the ticker
	logger   *zap.Logger        // Component logger
	ctx      context.Context    // Context for cancellation
	cancel   context.CancelFunc // Cancel function for shutdown
	interval time.Duration      // Time between periodic sweeps
	wg       sync.WaitGroup     // Wait group for graceful shutdown
	swept    atomic.Int64       // Periodic sweeps started
	skipped  atomic.Int64       // Ticks skipped because a cycle was in progress
}

// NewScheduler creates a scheduler ticking every interval.
//
// Parameters:
//   - sweeper: The ping coordinator to trigger
//   - interval: Time between periodic sweeps
//   - clock: Time source, clockwork.NewRealClock() outside tests
//   - logger: Base logger
//
// Example:
//
//	sched := NewScheduler(pinger, 10*time.Second, clockwork.NewRealClock(), log)
//	go sched.Start(ctx)
//	defer sched.Stop()
func NewScheduler(sweeper Sweeper, interval time.Duration, clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sweeper:  sweeper,
		clock:    clock,
		logger:   logger.With(zap.String("component", "scheduler")),
		ctx:      ctx,
		cancel:   cancel,
		interval: interval,
	}
}

// Start runs the periodic trigger in the current goroutine until ctx is done
// or Stop is called. The first sweep is attempted immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	s.Tick()

	for {
		select {
		case <-ticker.Chan():
			s.Tick()
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", zap.Error(ctx.Err()))
			return
		case <-s.ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		}
	}
}

// Stop cancels Start and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Tick performs one periodic step. It reports whether a sweep was attempted.
func (s *Scheduler) Tick() bool {
	if !s.sweeper.IsDone() {
		s.skipped.Inc()
		s.logger.Info("previous ping cycle still in progress, skipping")
		return false
	}

	s.swept.Inc()
	batches, err := s.sweeper.TriggerSweep(ping.TriggerPeriodic)
	if err != nil {
		s.logAttemptError("periodic sweep not started", err)
		return true
	}
	s.logger.Debug("periodic sweep", zap.Int("batches", batches))
	return true
}

// NotifyRegistration probes the named nodes right away, whether or not a
// periodic cycle is in progress.
func (s *Scheduler) NotifyRegistration(names ...string) {
	if len(names) == 0 {
		return
	}
	if _, err := s.sweeper.TriggerNodes(ping.TriggerRegistration, names); err != nil {
		s.logAttemptError("registration sweep not started", err)
	}
}

func (s *Scheduler) logAttemptError(msg string, err error) {
	if errors.Is(err, ping.ErrUnavailable) {
		s.logger.Warn(msg, zap.Error(err))
		return
	}
	s.logger.Error(msg, zap.Error(err))
}

// Swept returns how many periodic sweeps were started.
func (s *Scheduler) Swept() int64 {
	return s.swept.Load()
}

// Skipped returns how many ticks found the previous cycle still running.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}
