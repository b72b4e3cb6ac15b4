package clock

import (
	"fmt"
	"time"
)

// Session defines the trading day used for daily P&L and risk limits.
// A day starts at DayStart past midnight in Location.
type Session struct {
	Location *time.Location
	DayStart time.Duration
}

// NewSession loads tz ("" means UTC) and parses dayStart as "HH:MM".
func NewSession(tz, dayStart string) (Session, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Session{}, fmt.Errorf("session timezone %q: %w", tz, err)
		}
		loc = l
	}
	var offset time.Duration
	if dayStart != "" {
		t, err := time.Parse("15:04", dayStart)
		if err != nil {
			return Session{}, fmt.Errorf("session day_start %q: %w", dayStart, err)
		}
		offset = time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	}
	return Session{Location: loc, DayStart: offset}, nil
}

func (s Session) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Day returns the session day key ("2006-01-02") that t belongs to.
func (s Session) Day(t time.Time) string {
	return t.In(s.loc()).Add(-s.DayStart).Format(time.DateOnly)
}

// NextBoundary returns the first session day start strictly after t.
func (s Session) NextBoundary(t time.Time) time.Time {
	local := t.In(s.loc()).Add(-s.DayStart)
	y, m, d := local.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, s.loc()).Add(s.DayStart)
	return next
}
