package period

import (
	"fmt"
	"time"

	calendar "tradesim/internal/domain/entity/calendar"
	trading "tradesim/internal/domain/entity/trading"
)

// Tracker derives the session and auction phase per instrument class from
// the exchange schedule for one clock position. Advance and Resync are the
// only mutation entry points; between ticks the state is read-only.
type Tracker struct {
	schedule *calendar.Schedule
	classes  []calendar.InstrumentClass

	now  time.Time
	step time.Duration

	session map[calendar.InstrumentClass]trading.SessionPhase
	auction map[calendar.InstrumentClass]trading.AuctionPhase

	exchangeClosed bool
	onBreak        bool
}

// New positions the tracker at start and computes the initial state.
func New(schedule *calendar.Schedule, classes []calendar.InstrumentClass, start time.Time, step time.Duration) (*Tracker, error) {
	if step <= 0 {
		step = time.Minute
	}
	t := &Tracker{
		schedule: schedule,
		classes:  classes,
		now:      start.UTC().Truncate(step),
		step:     step,
		session:  make(map[calendar.InstrumentClass]trading.SessionPhase, len(classes)),
		auction:  make(map[calendar.InstrumentClass]trading.AuctionPhase, len(classes)),
	}
	if err := t.recompute(); err != nil {
		return nil, err
	}
	return t, nil
}

// Now returns the current clock position.
func (t *Tracker) Now() time.Time { return t.now }

// Step returns the tick duration.
func (t *Tracker) Step() time.Duration { return t.step }

// Session returns the session phase of the class at the current tick.
func (t *Tracker) Session(class calendar.InstrumentClass) trading.SessionPhase {
	return t.session[class]
}

// Auction returns the auction phase of the class at the current tick.
func (t *Tracker) Auction(class calendar.InstrumentClass) trading.AuctionPhase {
	return t.auction[class]
}

// ExchangeClosed reports whether any tracked class was outside working
// hours at the current tick.
func (t *Tracker) ExchangeClosed() bool { return t.exchangeClosed }

// OnBreak reports whether any tracked class was inside a break window at
// the current tick.
func (t *Tracker) OnBreak() bool { return t.onBreak }

// Advance moves the simulated clock one fixed step forward (backtest mode).
func (t *Tracker) Advance() error {
	t.now = t.now.Add(t.step)
	return t.recompute()
}

// Resync re-reads the wall clock (live mode) and recomputes the state.
func (t *Tracker) Resync() error {
	t.now = time.Now().UTC().Truncate(t.step)
	return t.recompute()
}

// ReadyToTrade reports whether every listed class currently sits in one of
// the accepted sessions, optionally excluding the opening or closing
// auction minutes.
func (t *Tracker) ReadyToTrade(sessions []trading.SessionPhase, classes []calendar.InstrumentClass, includeOpening, includeClosing bool) bool {
	for _, class := range classes {
		accepted := false
		for _, s := range sessions {
			if t.session[class] == s {
				accepted = true
				break
			}
		}
		if !accepted {
			return false
		}
		if t.auction[class] == trading.AuctionOpening && !includeOpening {
			return false
		}
		if t.auction[class] == trading.AuctionClosing && !includeClosing {
			return false
		}
	}
	return true
}

func (t *Tracker) recompute() error {
	t.exchangeClosed = false
	t.onBreak = false

	if !t.schedule.IsTradingDay(t.now) {
		for _, class := range t.classes {
			t.session[class] = trading.SessionClosed
			t.auction[class] = trading.AuctionClosed
		}
		t.exchangeClosed = true
		return nil
	}

	for _, class := range t.classes {
		inSession, err := t.schedule.InSession(class, t.now)
		if err != nil {
			return fmt.Errorf("tracker at %s: %w", t.now.Format(time.RFC3339), err)
		}
		if !inSession {
			t.exchangeClosed = true
			t.session[class] = trading.SessionClosed
			t.auction[class] = trading.AuctionClosed
			continue
		}
		inBreak, err := t.schedule.InBreak(class, t.now)
		if err != nil {
			return fmt.Errorf("tracker at %s: %w", t.now.Format(time.RFC3339), err)
		}
		if inBreak {
			t.onBreak = true
			t.session[class] = trading.SessionClosed
			t.auction[class] = trading.AuctionClosed
			continue
		}

		name, window, err := t.schedule.SessionAt(class, t.now)
		if err != nil {
			return fmt.Errorf("tracker at %s: %w", t.now.Format(time.RFC3339), err)
		}
		t.session[class] = sessionPhase(name)

		open, close := window.Bounds(t.now)
		switch {
		case window.Opening && t.now.Equal(open):
			t.auction[class] = trading.AuctionOpening
		case window.Closing && t.now.Equal(close.Add(-t.step)):
			t.auction[class] = trading.AuctionClosing
		default:
			t.auction[class] = trading.AuctionTwoSided
		}
	}
	return nil
}

func sessionPhase(name calendar.SessionName) trading.SessionPhase {
	switch name {
	case calendar.SessionPremarket:
		return trading.SessionPremarket
	case calendar.SessionMain:
		return trading.SessionMain
	case calendar.SessionAfterhours:
		return trading.SessionAfterhours
	default:
		return trading.SessionClosed
	}
}
