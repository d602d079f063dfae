package calendar

import (
	"errors"
	"fmt"
	"time"
)

// ErrCalendarGap is returned when a queried timestamp resolves to no
// schedule fact. It indicates the schedule is incomplete and must never be
// silently defaulted by callers.
var ErrCalendarGap = errors.New("no schedule fact covers the queried time")

// InstrumentClass groups instruments that share one exchange schedule.
type InstrumentClass string

const (
	ClassShare  InstrumentClass = "share"
	ClassFuture InstrumentClass = "future"
)

// Classes lists every supported instrument class.
func Classes() []InstrumentClass {
	return []InstrumentClass{ClassShare, ClassFuture}
}

// SessionName identifies a named trading session within one day.
type SessionName string

const (
	SessionPremarket  SessionName = "premarket"
	SessionMain       SessionName = "main"
	SessionAfterhours SessionName = "afterhours"
)

// Window is a half-open intraday interval [Start, Start+Duration) where
// Start is an offset from midnight UTC. Duration may exceed 24h to model
// overnight sessions.
type Window struct {
	Start    time.Duration
	Duration time.Duration
}

// Bounds resolves the window against the calendar day of t.
func (w Window) Bounds(t time.Time) (time.Time, time.Time) {
	open := DayStart(t).Add(w.Start)
	return open, open.Add(w.Duration)
}

// Contains reports whether t lies inside the window resolved for t's own
// calendar day. Interval membership is always half-open.
func (w Window) Contains(t time.Time) bool {
	open, close := w.Bounds(t)
	return !t.Before(open) && t.Before(close)
}

// SessionWindow is a named session window plus its auction flags.
type SessionWindow struct {
	Window
	Opening bool
	Closing bool
}

// Fact is one versioned schedule rule: Value applies from Effective
// (inclusive) until the next later effective date for the same instrument
// class (exclusive).
type Fact[T any] struct {
	Effective time.Time
	Value     T
}

type factSeries[T any] struct {
	facts []Fact[T]
}

func newFactSeries[T any](facts []Fact[T]) (factSeries[T], error) {
	for i := 1; i < len(facts); i++ {
		if !facts[i-1].Effective.Before(facts[i].Effective) {
			return factSeries[T]{}, fmt.Errorf("effective dates must be strictly increasing, got %s after %s",
				facts[i].Effective.Format("2006-01-02"), facts[i-1].Effective.Format("2006-01-02"))
		}
	}
	return factSeries[T]{facts: facts}, nil
}

// at returns the fact with the latest effective date <= day. The last fact
// acts as the infinite-future sentinel, so any day at or beyond the first
// effective date resolves.
func (s factSeries[T]) at(day time.Time) (T, bool) {
	lo, hi := 0, len(s.facts)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.facts[mid].Effective.After(day) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == 0 {
		var zero T
		return zero, false
	}
	return s.facts[lo-1].Value, true
}

// Schedule answers point-in-time questions about trading sessions, breaks
// and auctions as of a given historical date. Immutable after construction.
type Schedule struct {
	name      string
	startDate time.Time

	hours    map[InstrumentClass]factSeries[Window]
	breaks   map[InstrumentClass]factSeries[[]Window]
	sessions map[InstrumentClass]factSeries[map[SessionName]SessionWindow]

	holidays        map[time.Time]struct{}
	workingWeekends map[time.Time]struct{}
}

// Config carries the raw schedule facts for NewSchedule.
type Config struct {
	Name            string
	StartDate       time.Time
	WorkingHours    map[InstrumentClass][]Fact[Window]
	Breaks          map[InstrumentClass][]Fact[[]Window]
	Sessions        map[InstrumentClass][]Fact[map[SessionName]SessionWindow]
	Holidays        []time.Time
	WorkingWeekends []time.Time
}

// NewSchedule validates and freezes a schedule.
func NewSchedule(cfg Config) (*Schedule, error) {
	s := &Schedule{
		name:            cfg.Name,
		startDate:       DayStart(cfg.StartDate),
		hours:           make(map[InstrumentClass]factSeries[Window]),
		breaks:          make(map[InstrumentClass]factSeries[[]Window]),
		sessions:        make(map[InstrumentClass]factSeries[map[SessionName]SessionWindow]),
		holidays:        make(map[time.Time]struct{}, len(cfg.Holidays)),
		workingWeekends: make(map[time.Time]struct{}, len(cfg.WorkingWeekends)),
	}
	for class, facts := range cfg.WorkingHours {
		series, err := newFactSeries(facts)
		if err != nil {
			return nil, fmt.Errorf("working hours for %s: %w", class, err)
		}
		s.hours[class] = series
	}
	for class, facts := range cfg.Breaks {
		series, err := newFactSeries(facts)
		if err != nil {
			return nil, fmt.Errorf("breaks for %s: %w", class, err)
		}
		s.breaks[class] = series
	}
	for class, facts := range cfg.Sessions {
		series, err := newFactSeries(facts)
		if err != nil {
			return nil, fmt.Errorf("sessions for %s: %w", class, err)
		}
		s.sessions[class] = series
	}
	for _, day := range cfg.Holidays {
		s.holidays[DayStart(day)] = struct{}{}
	}
	for _, day := range cfg.WorkingWeekends {
		s.workingWeekends[DayStart(day)] = struct{}{}
	}
	return s, nil
}

// Name returns the exchange name the schedule describes.
func (s *Schedule) Name() string { return s.name }

// StartDate is the first date the schedule has complete facts for.
func (s *Schedule) StartDate() time.Time { return s.startDate }

// HoursAt returns the working-hours fact valid for the given day.
func (s *Schedule) HoursAt(class InstrumentClass, day time.Time) (Window, error) {
	series, ok := s.hours[class]
	if !ok {
		return Window{}, fmt.Errorf("working hours for class %q at %s: %w", class, day.Format("2006-01-02"), ErrCalendarGap)
	}
	w, ok := series.at(DayStart(day))
	if !ok {
		return Window{}, fmt.Errorf("working hours for class %q at %s: %w", class, day.Format("2006-01-02"), ErrCalendarGap)
	}
	return w, nil
}

// BreaksAt returns every break window valid for the given day. A day
// without breaks resolves to an empty list, not an error.
func (s *Schedule) BreaksAt(class InstrumentClass, day time.Time) ([]Window, error) {
	series, ok := s.breaks[class]
	if !ok {
		return nil, fmt.Errorf("breaks for class %q at %s: %w", class, day.Format("2006-01-02"), ErrCalendarGap)
	}
	windows, ok := series.at(DayStart(day))
	if !ok {
		return nil, fmt.Errorf("breaks for class %q at %s: %w", class, day.Format("2006-01-02"), ErrCalendarGap)
	}
	return windows, nil
}

// SessionsAt returns the named session map valid for the given day.
func (s *Schedule) SessionsAt(class InstrumentClass, day time.Time) (map[SessionName]SessionWindow, error) {
	series, ok := s.sessions[class]
	if !ok {
		return nil, fmt.Errorf("sessions for class %q at %s: %w", class, day.Format("2006-01-02"), ErrCalendarGap)
	}
	sessions, ok := series.at(DayStart(day))
	if !ok {
		return nil, fmt.Errorf("sessions for class %q at %s: %w", class, day.Format("2006-01-02"), ErrCalendarGap)
	}
	return sessions, nil
}

// InSession reports whether t falls inside the working-hours window implied
// by the fact valid for t's calendar day.
func (s *Schedule) InSession(class InstrumentClass, t time.Time) (bool, error) {
	w, err := s.HoursAt(class, t)
	if err != nil {
		return false, err
	}
	return w.Contains(t), nil
}

// InBreak reports whether t lies in any break window of that day's fact.
func (s *Schedule) InBreak(class InstrumentClass, t time.Time) (bool, error) {
	windows, err := s.BreaksAt(class, t)
	if err != nil {
		return false, err
	}
	for _, w := range windows {
		if w.Contains(t) {
			return true, nil
		}
	}
	return false, nil
}

// SessionAt returns the named session whose window contains t.
func (s *Schedule) SessionAt(class InstrumentClass, t time.Time) (SessionName, SessionWindow, error) {
	sessions, err := s.SessionsAt(class, t)
	if err != nil {
		return "", SessionWindow{}, err
	}
	for name, session := range sessions {
		if session.Contains(t) {
			return name, session, nil
		}
	}
	return "", SessionWindow{}, fmt.Errorf("no session window of class %q contains %s: %w", class, t.Format(time.RFC3339), ErrCalendarGap)
}

// IsTradingDay reports whether the exchange trades at all on the given day:
// false for weekends unless listed as working weekends, false for holidays.
func (s *Schedule) IsTradingDay(day time.Time) bool {
	day = DayStart(day)
	if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
		if _, ok := s.workingWeekends[day]; !ok {
			return false
		}
	}
	_, holiday := s.holidays[day]
	return !holiday
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
