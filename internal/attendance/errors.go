package attendance

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the member (or its history) does not exist.
	ErrNotFound = errors.New("attendance: not found")
	// ErrAlreadyCheckedIn is returned when the member already has an open session.
	ErrAlreadyCheckedIn = errors.New("attendance: already checked in")
	// ErrNotCheckedIn is returned when the member has no open session to close.
	ErrNotCheckedIn = errors.New("attendance: not checked in")
	// ErrConflict is returned when an id or email collides with another member.
	ErrConflict = errors.New("attendance: conflict")
	// ErrInconsistent signals a broken store invariant, e.g. two open sessions
	// for one member. It is never repaired automatically.
	ErrInconsistent = errors.New("attendance: inconsistent state")
)

// AlreadyCheckedInError carries the session that is already open so callers
// can tell the member when they checked in.
type AlreadyCheckedInError struct {
	Session Session
}

func (e *AlreadyCheckedInError) Error() string {
	return fmt.Sprintf("member %s already checked in at %s", e.Session.MemberID, e.Session.CheckedInAt.Format(time.RFC3339))
}

func (e *AlreadyCheckedInError) Unwrap() error { return ErrAlreadyCheckedIn }

// ValidationError captures field level problems with caller input.
type ValidationError struct {
	FieldErrors map[string]string
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	if len(v.FieldErrors) > 1 {
		return fmt.Sprintf("validation failed on %d fields", len(v.FieldErrors))
	}
	var field, msg string
	for field, msg = range v.FieldErrors {
	}
	return fmt.Sprintf("validation failed: %s %s", field, msg)
}

func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

func (v *ValidationError) orNil() error {
	if v == nil || len(v.FieldErrors) == 0 {
		return nil
	}
	return v
}

// ErrorKind maps sentinel and validation errors to a stable label used in
// logs, metrics and response bodies.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyCheckedIn):
		return "already_checked_in"
	case errors.Is(err, ErrNotCheckedIn):
		return "not_checked_in"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInconsistent):
		return "inconsistent"
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return "validation"
	}
	return "unexpected"
}
