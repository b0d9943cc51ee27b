// Package scheduler triggers sync passes on a fixed interval and on demand,
// never running two passes at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"tourwatch/metrics"
	"tourwatch/pkg/tourwatch"

	"github.com/google/uuid"
)

const (
	stateIdle int32 = iota
	stateRunning
)

const archiveTimeout = 30 * time.Second

var (
	// ErrAlreadyRunning rejects a trigger while a pass is in flight.
	ErrAlreadyRunning = errors.New("sync already running")
	// ErrNotStarted rejects a trigger before Serve has started or after it returned.
	ErrNotStarted = errors.New("scheduler not started")
)

// Runner performs one sync pass.
type Runner interface {
	Run(ctx context.Context, trigger tourwatch.Trigger) (*tourwatch.SyncReport, error)
}

// Archiver keeps finished reports.
type Archiver interface {
	Save(ctx context.Context, report *tourwatch.SyncReport) error
}

// Config controls scheduling.
type Config struct {
	Interval   time.Duration
	RunOnStart bool
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	LastReport *tourwatch.SyncReport `json:"last_report,omitempty"`
	State      string                `json:"state"`
	Interval   string                `json:"interval"`
	Serving    bool                  `json:"serving"`
}

// Scheduler owns the Idle/Running state machine around the runner.
type Scheduler struct {
	runner  Runner
	archive Archiver
	logger  *slog.Logger
	serving context.Context // Non-nil while Serve is running; guarded by mu
	last    *tourwatch.SyncReport
	cfg     Config
	wg      sync.WaitGroup
	mu      sync.Mutex
	state   atomic.Int32
}

// New creates a scheduler. archive may be nil.
func New(runner Runner, archive Archiver, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	return &Scheduler{
		runner:  runner,
		archive: archive,
		logger:  logger,
		cfg:     cfg,
	}
}

// String names the service in supervisor logs.
func (s *Scheduler) String() string {
	return "sync-scheduler"
}

// Serve ticks until ctx is cancelled, then waits for the in-flight pass.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.serving != nil {
		s.mu.Unlock()
		return errors.New("scheduler already serving")
	}
	s.serving = ctx
	s.mu.Unlock()

	s.logger.Info("Scheduler started", "interval", s.cfg.Interval.String(), "run_on_start", s.cfg.RunOnStart)

	if s.cfg.RunOnStart {
		s.start(tourwatch.TriggerStartup)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.serving = nil
			s.mu.Unlock()

			s.logger.Info("Scheduler stopping, waiting for in-flight sync")
			s.wg.Wait()
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.start(tourwatch.TriggerTimer)
		}
	}
}

// TriggerSyncNow starts a manual pass. It returns ErrAlreadyRunning when a pass
// is in flight; the request is not queued.
func (s *Scheduler) TriggerSyncNow() error {
	return s.start(tourwatch.TriggerManual)
}

// LastReport returns the most recent finished pass, or nil.
func (s *Scheduler) LastReport() *tourwatch.SyncReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Status reports the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := "idle"
	if s.state.Load() == stateRunning {
		state = "running"
	}
	return Status{
		State:      state,
		Interval:   s.cfg.Interval.String(),
		Serving:    s.serving != nil,
		LastReport: s.last,
	}
}

func (s *Scheduler) start(trigger tourwatch.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.serving == nil {
		return ErrNotStarted
	}
	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		metrics.SchedulerSkippedTicks.WithLabelValues(string(trigger)).Inc()
		s.logger.Debug("Sync already running, trigger dropped", "trigger", trigger)
		return ErrAlreadyRunning
	}

	s.wg.Add(1)
	go s.run(s.serving, trigger)
	return nil
}

func (s *Scheduler) run(ctx context.Context, trigger tourwatch.Trigger) {
	defer s.wg.Done()
	defer s.state.Store(stateIdle)

	metrics.SetSchedulerRunning(true)
	defer metrics.SetSchedulerRunning(false)

	report := s.runSafely(ctx, trigger)

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	if s.archive == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := s.archive.Save(actx, report); err != nil {
		s.logger.Warn("Failed to archive sync report", "run_id", report.RunID, "error", err)
	}
}

// runSafely turns a runner panic or error into a report so the scheduler always
// has something to record.
func (s *Scheduler) runSafely(ctx context.Context, trigger tourwatch.Trigger) (report *tourwatch.SyncReport) {
	started := time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sync pass panicked", "trigger", trigger, "panic", r, "stack", string(debug.Stack()))
			report = &tourwatch.SyncReport{
				RunID:      uuid.NewString(),
				Trigger:    trigger,
				StartedAt:  started,
				FinishedAt: time.Now().UTC(),
				Error:      fmt.Sprintf("panic: %v", r),
				Failures:   []tourwatch.TourFailure{},
			}
		}
	}()

	report, err := s.runner.Run(ctx, trigger)
	if err != nil && report == nil {
		report = &tourwatch.SyncReport{
			RunID:      uuid.NewString(),
			Trigger:    trigger,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Error:      err.Error(),
			Failures:   []tourwatch.TourFailure{},
		}
	}
	return report
}
