// Package audit turns the attendance event stream into a structured audit log.
package audit

import (
	"context"
	"log/slog"

	"clubattendance/internal/attendance"
	"clubattendance/internal/queue"
)

// Run consumes q until ctx is done, writing one log line per event. It
// returns the number of events written.
func Run(ctx context.Context, q queue.Queue, logger *slog.Logger) (int, error) {
	messages, err := q.Consume(ctx)
	if err != nil {
		return 0, err
	}
	logger = logger.With("component", "audit")
	logger.Info("audit_consumer_started")

	n := 0
	for msg := range messages {
		evt, err := attendance.DecodeEvent(msg)
		if err != nil {
			logger.Warn("audit_event_undecodable", "type", msg.Type, "error", err)
			continue
		}
		Write(ctx, logger, evt)
		n++
	}
	logger.Info("audit_consumer_stopped", "events", n)
	return n, nil
}

// Write logs a single event.
func Write(ctx context.Context, logger *slog.Logger, evt attendance.Event) {
	attrs := []slog.Attr{
		slog.String("event", evt.Type),
		slog.String("member_id", evt.MemberID),
		slog.Time("at", evt.At),
	}
	if evt.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", evt.SessionID))
	}
	switch evt.Type {
	case attendance.EventCheckOut, attendance.EventForceCheckout, attendance.EventSweep:
		attrs = append(attrs, slog.Int64("duration_ms", evt.DurationMs))
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
	case attendance.EventChangeID:
		attrs = append(attrs, slog.String("old_id", evt.OldID))
	case attendance.EventDeleteMember:
		attrs = append(attrs, slog.Int("deleted_sessions", evt.Count))
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "attendance_event", attrs...)
}
