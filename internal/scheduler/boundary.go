package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Boundary is a wall-clock time of day at which the library empties.
type Boundary struct {
	Hour   int
	Minute int
}

func (b Boundary) String() string { return fmt.Sprintf("%02d:%02d", b.Hour, b.Minute) }

// on returns the boundary instant on the calendar day of t in loc.
func (b Boundary) on(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, b.Hour, b.Minute, 0, 0, loc)
}

// ParseBoundaries reads a comma separated list of hour*100+minute values,
// e.g. "839,931,1025". The result is sorted and free of duplicates.
func ParseBoundaries(list string) ([]Boundary, error) {
	var out []Boundary
	seen := make(map[Boundary]bool)
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("logout time %q: not an hhmm number", field)
		}
		b := Boundary{Hour: n / 100, Minute: n % 100}
		if b.Hour > 23 || b.Minute > 59 {
			return nil, fmt.Errorf("logout time %q: out of range", field)
		}
		if seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no logout times in %q", list)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		return out[i].Minute < out[j].Minute
	})
	return out, nil
}

// Schedule evaluates boundaries in the school's time zone.
type Schedule struct {
	boundaries []Boundary
	loc        *time.Location
	tolerance  time.Duration
}

// NewSchedule builds a schedule. A boundary is due from its instant until
// tolerance has passed.
func NewSchedule(boundaries []Boundary, loc *time.Location, tolerance time.Duration) (*Schedule, error) {
	if len(boundaries) == 0 {
		return nil, fmt.Errorf("schedule needs at least one boundary")
	}
	if tolerance <= 0 {
		return nil, fmt.Errorf("schedule tolerance must be positive, got %s", tolerance)
	}
	if loc == nil {
		loc = time.UTC
	}
	sorted := append([]Boundary(nil), boundaries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Hour*100+sorted[i].Minute < sorted[j].Hour*100+sorted[j].Minute
	})
	return &Schedule{boundaries: sorted, loc: loc, tolerance: tolerance}, nil
}

// Tolerance is the width of each boundary's window.
func (s *Schedule) Tolerance() time.Duration { return s.tolerance }

// Due returns the boundary whose window [boundary, boundary+tolerance)
// contains now.
func (s *Schedule) Due(now time.Time) (time.Time, bool) {
	// Yesterday is checked too, for a window that runs past midnight.
	for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
		for _, b := range s.boundaries {
			at := b.on(day, s.loc)
			if !now.Before(at) && now.Before(at.Add(s.tolerance)) {
				return at, true
			}
		}
	}
	return time.Time{}, false
}

// Between returns the boundary instants in (after, through], oldest first.
// Callers keep the range to a few days.
func (s *Schedule) Between(after, through time.Time) []time.Time {
	if !after.Before(through) {
		return nil
	}
	// Noon keeps the day arithmetic clear of DST transitions.
	noon := func(t time.Time) time.Time {
		y, m, d := t.In(s.loc).Date()
		return time.Date(y, m, d, 12, 0, 0, 0, s.loc)
	}
	var out []time.Time
	for day, last := noon(after), noon(through); !day.After(last); day = day.AddDate(0, 0, 1) {
		for _, b := range s.boundaries {
			at := b.on(day, s.loc)
			if at.After(after) && !at.After(through) {
				out = append(out, at)
			}
		}
	}
	return out
}
