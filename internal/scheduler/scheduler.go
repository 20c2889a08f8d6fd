package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clubattendance/internal/attendance"
	"clubattendance/internal/logging"
	"clubattendance/internal/metrics"
)

// Sweeper closes open sessions. *attendance.Engine implements it.
type Sweeper interface {
	Sweep(ctx context.Context, openedBefore, closeAt time.Time, reason string) (int, error)
}

// Lease arbitrates between scheduler instances. *store.Redis implements it.
type Lease interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// NopLease always grants the lease, for single-instance deployments.
type NopLease struct{}

func (NopLease) AcquireLease(context.Context, string, time.Duration) (bool, error) { return true, nil }

// Scheduler closes every open session when a period boundary passes.
type Scheduler struct {
	sweeper  Sweeper
	schedule *Schedule
	lease    Lease
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	last     time.Time // last boundary handled by this instance
	leased   time.Time // boundary whose lease this instance holds
	caughtUp time.Time // boundaries at or before this have been swept
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLease sets the lease used to elect one sweeper per boundary.
func WithLease(l Lease) Option { return func(s *Scheduler) { s.lease = l } }

// WithInterval sets how often Run ticks. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the fallback logger for contexts that carry none.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics records lease outcomes. A nil Metrics is valid.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// New creates a scheduler. The default interval is one minute and the
// default lease always succeeds.
func New(sweeper Sweeper, schedule *Schedule, opts ...Option) *Scheduler {
	s := &Scheduler{
		sweeper:  sweeper,
		schedule: schedule,
		lease:    NopLease{},
		interval: time.Minute,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	// Boundaries that passed before construction are left to Recover.
	s.caughtUp = s.now().Add(-time.Nanosecond)
	return s
}

func (s *Scheduler) log(ctx context.Context) *slog.Logger {
	return logging.Or(ctx, s.logger).With("component", "scheduler")
}

// Run recovers missed boundaries, then ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		s.log(ctx).Error("boundary_recovery_failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log(ctx).Info("scheduler_started", "interval", s.interval, "tolerance", s.schedule.Tolerance())
	for {
		select {
		case <-ctx.Done():
			s.log(ctx).Info("scheduler_stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log(ctx).Error("boundary_sweep_failed", "error", err)
			}
		}
	}
}

// Tick sweeps if now falls inside a boundary window this instance has not
// handled yet. Before that it closes sessions left open across any boundary
// whose window has already ended, which covers a sweep that failed here or
// on the instance holding the lease. It returns the number of sessions
// closed.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	closed, err := s.catchUp(ctx, s.caughtUp, now.Add(-s.schedule.Tolerance()))
	if err != nil {
		return closed, err
	}

	at, due := s.schedule.Due(now)
	if !due || s.last.Equal(at) {
		return closed, nil
	}

	logger := s.log(ctx).With("boundary", at)
	if !s.leased.Equal(at) {
		key := "sweep:" + at.UTC().Format(time.RFC3339)
		acquired, err := s.lease.AcquireLease(ctx, key, s.schedule.Tolerance()+s.interval)
		switch {
		case err != nil:
			// The sweep is idempotent, so a second instance sweeping too is harmless.
			logger.Warn("sweep_lease_unavailable", "error", err)
			s.metrics.Sweep("lease_error", 0)
		case !acquired:
			logger.Info("sweep_lease_held_elsewhere")
			s.metrics.Sweep("lease_held", 0)
			s.last = at
			return closed, nil
		default:
			s.leased = at
		}
	}

	n, err := s.sweeper.Sweep(ctx, now, now, attendance.ReasonPeriodBoundary)
	if err != nil {
		return closed, err
	}
	s.last = at
	if at.After(s.caughtUp) {
		s.caughtUp = at
	}
	logger.Info("boundary_sweep_done", "closed", n)
	return closed + n, nil
}

// Recover closes sessions left open across any boundary of the last day,
// for example because the process was down when it passed. Boundaries are
// walked oldest first and each session is closed at the first boundary it
// crossed, so its duration stops there.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catchUp(ctx, now.Add(-24*time.Hour), now)
}

// catchUp sweeps each boundary in (after, through] with a cutoff just before
// the boundary and closes at the boundary instant. Sessions already closed
// are untouched, so repeating a boundary is a no-op.
func (s *Scheduler) catchUp(ctx context.Context, after, through time.Time) (int, error) {
	if floor := through.Add(-24 * time.Hour); after.Before(floor) {
		after = floor
	}
	total := 0
	for _, b := range s.schedule.Between(after, through) {
		n, err := s.sweeper.Sweep(ctx, b.Add(-time.Millisecond), b, attendance.ReasonBoundaryRecovery)
		if err != nil {
			return total, err
		}
		total += n
		if b.After(s.caughtUp) {
			s.caughtUp = b
		}
		if n > 0 {
			s.log(ctx).Warn("boundary_recovery_closed_sessions", "boundary", b, "closed", n)
		}
	}
	return total, nil
}
