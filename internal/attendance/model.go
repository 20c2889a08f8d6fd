package attendance

import (
	"net/mail"
	"strings"
	"time"
)

// Reasons recorded on sessions that were closed by someone other than the member.
const (
	ReasonAdmin            = "admin"
	ReasonPeriodBoundary   = "period-boundary"
	ReasonBoundaryRecovery = "period-boundary-recovery"
)

// Member is a registered club member.
type Member struct {
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Profile holds the editable identity fields of a member.
type Profile struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// Session is one stay in the library. CheckedOutAt is nil while open.
type Session struct {
	ID            string     `json:"sessionId"`
	MemberID      string     `json:"memberId"`
	CheckedInAt   time.Time  `json:"checkedInAt"`
	CheckedOutAt  *time.Time `json:"checkedOutAt,omitempty"`
	DurationMs    int64      `json:"durationMs"`
	ForcedByAdmin bool       `json:"forcedByAdmin"`
	ForcedReason  string     `json:"forcedReason,omitempty"`
}

// Open reports whether the session has not been closed yet.
func (s Session) Open() bool { return s.CheckedOutAt == nil }

// Duration returns the closed duration.
func (s Session) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// Status is the presence answer for a single member.
type Status struct {
	MemberID    string     `json:"memberId"`
	IsCheckedIn bool       `json:"isCheckedIn"`
	CheckedInAt *time.Time `json:"checkedInAt,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
}

// Totals aggregates a member's closed sessions.
type Totals struct {
	MemberID          string `json:"memberId"`
	TotalSessions     int    `json:"totalSessions"`
	TotalMilliseconds int64  `json:"totalMilliseconds"`
}

// PresentMember is an open session joined with the member's name.
type PresentMember struct {
	MemberID    string    `json:"memberId"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	SessionID   string    `json:"sessionId"`
	CheckedInAt time.Time `json:"checkedInAt"`
}

// ValidMemberID reports whether id is exactly six ASCII digits.
func ValidMemberID(id string) bool {
	if len(id) != 6 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (p Profile) normalize() Profile {
	return Profile{
		FirstName: strings.TrimSpace(p.FirstName),
		LastName:  strings.TrimSpace(p.LastName),
		Email:     normalizeEmail(p.Email),
	}
}

func (p Profile) validate() *ValidationError {
	v := &ValidationError{}
	if p.FirstName == "" {
		v.add("firstName", "is required")
	}
	if p.LastName == "" {
		v.add("lastName", "is required")
	}
	if p.Email == "" {
		v.add("email", "is required")
	} else if _, err := mail.ParseAddress(p.Email); err != nil {
		v.add("email", "is not a valid address")
	}
	return v
}

func checkMemberID(field, id string) error {
	if ValidMemberID(id) {
		return nil
	}
	v := &ValidationError{}
	v.add(field, "must be exactly 6 digits")
	return v
}
