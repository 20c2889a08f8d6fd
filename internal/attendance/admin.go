package attendance

import (
	"context"
	"errors"
	"strings"
)

// Admin exposes operator overrides. It shares the engine's per-member locks,
// so overrides are ordered with the member's own check-ins and check-outs.
type Admin struct {
	engine *Engine
}

// NewAdmin creates the override interface for an engine.
func NewAdmin(engine *Engine) *Admin {
	return &Admin{engine: engine}
}

// ForceCheckout closes the member's open session with forcedByAdmin set. When
// nothing is open it does nothing and reports closed=false.
func (a *Admin) ForceCheckout(ctx context.Context, memberID, reason string) (Session, bool, error) {
	e := a.engine
	if err := checkMemberID("memberId", memberID); err != nil {
		return Session{}, false, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonAdmin
	}

	sess, err := e.closeLocked(ctx, memberID, true, reason)
	switch {
	case errors.Is(err, ErrNotCheckedIn):
		e.log(ctx, "force_checkout", "member_id", memberID).Info("force_checkout_noop")
		return Session{}, false, nil
	case err != nil:
		e.alarm(ctx, "force_checkout", memberID, err)
		return Session{}, false, err
	}

	e.metrics.CheckOut("admin")
	e.log(ctx, "force_checkout", "member_id", memberID, "session_id", sess.ID).Info("force_checkout_committed", "duration_ms", sess.DurationMs)
	e.publish(ctx, sessionEvent(EventForceCheckout, sess))
	return sess, true, nil
}

// ChangeID moves a member, and every session of that member, to a new id.
func (a *Admin) ChangeID(ctx context.Context, oldID, newID string) error {
	e := a.engine
	if err := checkMemberID("oldId", oldID); err != nil {
		return err
	}
	if err := checkMemberID("newId", newID); err != nil {
		return err
	}
	unlock, err := e.locks.acquireAll(ctx, oldID, newID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.store.ChangeMemberID(ctx, oldID, newID); err != nil {
		e.alarm(ctx, "change_id", oldID, err)
		return err
	}
	e.log(ctx, "change_id", "member_id", newID).Info("member_id_changed", "old_id", oldID)
	e.publish(ctx, Event{Type: EventChangeID, MemberID: newID, OldID: oldID, At: e.clock()})
	return nil
}

// DeleteMember removes the member and all of their sessions. The id is
// retired and cannot be registered again.
func (a *Admin) DeleteMember(ctx context.Context, memberID string) (int, error) {
	e := a.engine
	if err := checkMemberID("memberId", memberID); err != nil {
		return 0, err
	}
	unlock, err := e.locks.acquire(ctx, memberID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	at := e.clock()
	n, err := e.store.DeleteMember(ctx, memberID, at)
	if err != nil {
		e.alarm(ctx, "delete_member", memberID, err)
		return 0, err
	}
	e.log(ctx, "delete_member", "member_id", memberID).Info("member_deleted", "sessions", n)
	e.publish(ctx, Event{Type: EventDeleteMember, MemberID: memberID, At: at, Count: n})
	return n, nil
}

// UpdateProfile edits the member's name and email.
func (a *Admin) UpdateProfile(ctx context.Context, memberID string, p Profile) (Member, error) {
	if err := checkMemberID("memberId", memberID); err != nil {
		return Member{}, err
	}
	p = p.normalize()
	if err := p.validate().orNil(); err != nil {
		return Member{}, err
	}
	return a.engine.store.UpdateProfile(ctx, memberID, p)
}

// SessionHistory returns the member's closed sessions, most recent first.
func (a *Admin) SessionHistory(ctx context.Context, memberID string, limit, offset int) ([]Session, error) {
	if err := checkMemberID("memberId", memberID); err != nil {
		return nil, err
	}
	sessions, err := a.engine.store.History(ctx, memberID, limit, offset)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

// TotalHours sums the member's closed sessions.
func (a *Admin) TotalHours(ctx context.Context, memberID string) (Totals, error) {
	if err := checkMemberID("memberId", memberID); err != nil {
		return Totals{}, err
	}
	return a.engine.store.Totals(ctx, memberID)
}

// Present lists everyone checked in, earliest arrival first.
func (a *Admin) Present(ctx context.Context) ([]PresentMember, error) {
	present, err := a.engine.store.ListPresent(ctx)
	if err != nil {
		return nil, err
	}
	if present == nil {
		present = []PresentMember{}
	}
	return present, nil
}

// Sweep closes every open session now, as a period boundary would.
func (a *Admin) Sweep(ctx context.Context) (int, error) {
	return a.engine.SweepNow(ctx, ReasonPeriodBoundary)
}
