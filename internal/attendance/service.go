package attendance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"clubattendance/internal/logging"
	"clubattendance/internal/metrics"
	"clubattendance/internal/queue"
)

// Engine is the check-in/check-out state machine. Operations on one member
// are serialized by a per-member lock; operations on different members never
// wait on each other.
type Engine struct {
	store   Store
	locks   *memberLocks
	now     func() time.Time
	logger  *slog.Logger
	events  queue.Publisher
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPublisher publishes committed transitions to a queue.
func WithPublisher(p queue.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithMetrics records outcomes on the given collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine backed by a store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		locks:  newMemberLocks(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// clock returns the current instant at the millisecond precision sessions are stored with.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

func (e *Engine) log(ctx context.Context, op string, attrs ...any) *slog.Logger {
	return logging.Or(ctx, e.logger).With(append([]any{"component", "attendance", "operation", op}, attrs...)...)
}

// alarm escalates invariant violations. They are logged and counted, never repaired.
func (e *Engine) alarm(ctx context.Context, op, memberID string, err error) {
	if !errors.Is(err, ErrInconsistent) {
		return
	}
	e.metrics.IntegrityAlarm()
	e.log(ctx, op, "member_id", memberID).Error("integrity_alarm", "error", err)
}

// CheckIn opens a session for the member. A member who is already checked in
// gets an *AlreadyCheckedInError that wraps ErrAlreadyCheckedIn.
func (e *Engine) CheckIn(ctx context.Context, memberID string) (Session, error) {
	if err := checkMemberID("memberId", memberID); err != nil {
		return Session{}, err
	}
	unlock, err := e.locks.acquire(ctx, memberID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	sess, err := e.store.OpenSession(ctx, memberID, e.clock())
	if err != nil {
		e.metrics.CheckIn(ErrorKind(err))
		e.alarm(ctx, "checkin", memberID, err)
		if errors.Is(err, ErrAlreadyCheckedIn) {
			e.log(ctx, "checkin", "member_id", memberID).Info("checkin_already_open")
		}
		return Session{}, err
	}

	e.metrics.CheckIn("ok")
	e.log(ctx, "checkin", "member_id", memberID, "session_id", sess.ID).Info("checkin_committed")
	e.publish(ctx, sessionEvent(EventCheckIn, sess))
	return sess, nil
}

// CheckOut closes the member's open session and returns the closed record.
func (e *Engine) CheckOut(ctx context.Context, memberID string) (Session, error) {
	if err := checkMemberID("memberId", memberID); err != nil {
		return Session{}, err
	}
	sess, err := e.closeLocked(ctx, memberID, false, "")
	if err != nil {
		e.alarm(ctx, "checkout", memberID, err)
		return Session{}, err
	}

	e.metrics.CheckOut("member")
	e.log(ctx, "checkout", "member_id", memberID, "session_id", sess.ID).Info("checkout_committed", "duration_ms", sess.DurationMs)
	e.publish(ctx, sessionEvent(EventCheckOut, sess))
	return sess, nil
}

func (e *Engine) closeLocked(ctx context.Context, memberID string, forced bool, reason string) (Session, error) {
	unlock, err := e.locks.acquire(ctx, memberID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()
	return e.store.CloseOpenSession(ctx, memberID, e.clock(), forced, reason)
}

// Status reports whether the member has an open session. It never mutates.
func (e *Engine) Status(ctx context.Context, memberID string) (Status, error) {
	if err := checkMemberID("memberId", memberID); err != nil {
		return Status{}, err
	}
	if _, err := e.store.GetMember(ctx, memberID); err != nil {
		return Status{}, err
	}
	open, err := e.store.OpenSessionFor(ctx, memberID)
	if err != nil {
		e.alarm(ctx, "status", memberID, err)
		return Status{}, err
	}
	st := Status{MemberID: memberID}
	if open != nil {
		at := open.CheckedInAt
		st.IsCheckedIn = true
		st.CheckedInAt = &at
		st.SessionID = open.ID
	}
	return st, nil
}

// CurrentCount returns the number of members checked in right now.
func (e *Engine) CurrentCount(ctx context.Context) (int, error) {
	return e.store.CountOpen(ctx)
}

// Sweep closes every session opened at or before openedBefore, using closeAt
// as the checkout time. It is a single conditional update, so running it
// twice closes nothing the second time.
func (e *Engine) Sweep(ctx context.Context, openedBefore, closeAt time.Time, reason string) (int, error) {
	closed, err := e.store.SweepOpen(ctx, openedBefore.UTC().Truncate(time.Millisecond), closeAt.UTC().Truncate(time.Millisecond), reason)
	if err != nil {
		e.metrics.Sweep("error", 0)
		return 0, err
	}

	e.metrics.Sweep("swept", len(closed))
	for _, s := range closed {
		e.metrics.CheckOut("sweep")
		e.publish(ctx, sessionEvent(EventSweep, s))
	}
	e.log(ctx, "sweep", "reason", reason).Info("sweep_completed", "closed", len(closed), "cutoff", openedBefore)
	return len(closed), nil
}

// SweepNow closes every open session at the current instant.
func (e *Engine) SweepNow(ctx context.Context, reason string) (int, error) {
	now := e.clock()
	return e.Sweep(ctx, now, now, reason)
}
