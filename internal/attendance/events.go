package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clubattendance/internal/logging"
	"clubattendance/internal/queue"
)

// Event types published after a transition commits.
const (
	EventCheckIn       = "checkin"
	EventCheckOut      = "checkout"
	EventForceCheckout = "force_checkout"
	EventSweep         = "sweep"
	EventChangeID      = "change_id"
	EventDeleteMember  = "delete_member"
)

// Event describes a committed attendance transition.
type Event struct {
	Type       string    `json:"type"`
	MemberID   string    `json:"memberId"`
	SessionID  string    `json:"sessionId,omitempty"`
	At         time.Time `json:"at"`
	DurationMs int64     `json:"durationMs,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OldID      string    `json:"oldId,omitempty"`
	Count      int       `json:"count,omitempty"`
}

// DecodeEvent parses a queue message produced by the engine.
func DecodeEvent(msg queue.Message) (Event, error) {
	var evt Event
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return Event{}, fmt.Errorf("decode %s event: %w", msg.Type, err)
	}
	if evt.Type == "" {
		evt.Type = msg.Type
	}
	return evt, nil
}

func sessionEvent(typ string, s Session) Event {
	evt := Event{
		Type:       typ,
		MemberID:   s.MemberID,
		SessionID:  s.ID,
		At:         s.CheckedInAt,
		DurationMs: s.DurationMs,
		Reason:     s.ForcedReason,
	}
	if s.CheckedOutAt != nil {
		evt.At = *s.CheckedOutAt
	}
	return evt
}

// publish runs after the transition committed, so it must not inherit the
// request deadline.
func (e *Engine) publish(ctx context.Context, evt Event) {
	if e.events == nil {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		logging.Or(ctx, e.logger).Warn("event_encode_failed", "type", evt.Type, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := e.events.Publish(pubCtx, queue.Message{Type: evt.Type, Body: body}); err != nil {
		logging.Or(ctx, e.logger).Warn("event_publish_failed", "type", evt.Type, "member_id", evt.MemberID, "error", err)
	}
}
