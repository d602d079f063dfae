package refine

import (
	"fmt"
	"sort"
	"time"

	calendar "tradesim/internal/domain/entity/calendar"
	marketdata "tradesim/internal/domain/entity/marketdata"
)

// Refiner converts a sparse, possibly irregular raw candle stream for one
// instrument into a contiguous session-aware stream: every in-session
// minute is present, missing minutes are flat-filled, break and
// out-of-session minutes are dropped, and each bar carries its trading-day
// ordinal.
//
// The refiner is stateful so it can be fed incrementally: candles at or
// before the last emitted minute are ignored, which also makes reprocessing
// an already-refined stream a no-op.
type Refiner struct {
	schedule       *calendar.Schedule
	class          calendar.InstrumentClass
	firstAvailable time.Time

	seeded bool
	last   marketdata.Candle
	day    int64
}

// New builds a refiner for one instrument stream. firstAvailable is the
// instrument's declared start date; candles before it are dropped.
// lastDayNumber seeds the trading-day ordinal for streams that continue a
// previous run.
func New(schedule *calendar.Schedule, class calendar.InstrumentClass, firstAvailable time.Time, lastDayNumber int64) *Refiner {
	return &Refiner{
		schedule:       schedule,
		class:          class,
		firstAvailable: firstAvailable,
		day:            lastDayNumber,
	}
}

// Resume carries the final candle of a previous refined stream so that a
// continuation produces contiguous minutes and day numbers.
func (r *Refiner) Resume(last marketdata.Candle) {
	r.seeded = true
	r.last = last
	r.day = last.DayNumber
}

// LastDayNumber exposes the current trading-day ordinal for checkpointing.
func (r *Refiner) LastDayNumber() int64 { return r.day }

// Refine appends the raw batch to the stream and returns the newly refined
// rows. now bounds trailing flat-fill for a freshly seeded stream (zero
// time disables it). A batch with zero usable candles returns
// ErrNoHistoricalData if the stream was never seeded, and zero rows
// otherwise — the latter is the normal "no new candles yet" outcome.
func (r *Refiner) Refine(raw []marketdata.Candle, now time.Time) ([]marketdata.Candle, error) {
	sorted := make([]marketdata.Candle, len(raw))
	copy(sorted, raw)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	var out []marketdata.Candle
	usable := 0
	freshSeed := false

	for _, c := range sorted {
		c.Time = c.Time.Truncate(time.Minute)
		ok, err := r.tradable(c.Time)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		usable++

		if !r.seeded {
			// First day of an unseen stream: no prior close exists, so the
			// synthesized run is truncated to start at the first real candle.
			r.seeded = true
			freshSeed = true
			if err := r.emit(&out, c); err != nil {
				return nil, err
			}
			continue
		}
		if !c.Time.After(r.last.Time) {
			continue
		}
		if err := r.fillGapUntil(&out, c.Time); err != nil {
			return nil, err
		}
		if err := r.emit(&out, c); err != nil {
			return nil, err
		}
	}

	if usable == 0 {
		if !r.seeded {
			return nil, fmt.Errorf("refine %s stream: %w", r.class, marketdata.ErrNoHistoricalData)
		}
		return nil, nil
	}

	if freshSeed && !now.IsZero() {
		if err := r.fillGapUntil(&out, now.Truncate(time.Minute).Add(time.Minute)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// fillGapUntil synthesizes flat-fill bars for every tradable minute in
// (last, until).
func (r *Refiner) fillGapUntil(out *[]marketdata.Candle, until time.Time) error {
	for t := r.last.Time.Add(time.Minute); t.Before(until); t = t.Add(time.Minute) {
		ok, err := r.tradable(t)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := r.emit(out, marketdata.FlatFill(r.last, t, 0)); err != nil {
			return err
		}
	}
	return nil
}

// emit stamps the trading-day ordinal and appends. The ordinal increments
// when the new minute lies at or beyond the working-hours close boundary of
// the trading day of the previously emitted minute — not when the calendar
// date changes, since one trading day can span a date rollover.
func (r *Refiner) emit(out *[]marketdata.Candle, c marketdata.Candle) error {
	if len(*out) > 0 || !r.last.Time.IsZero() {
		w, err := r.schedule.HoursAt(r.class, r.last.Time)
		if err != nil {
			return err
		}
		_, close := w.Bounds(r.last.Time)
		if !c.Time.Before(close) {
			r.day++
		}
	}
	c.DayNumber = r.day
	*out = append(*out, c)
	r.last = c
	return nil
}

// tradable reports whether the minute belongs in the refined stream.
func (r *Refiner) tradable(t time.Time) (bool, error) {
	if t.Before(r.schedule.StartDate()) {
		return false, nil
	}
	if !r.firstAvailable.IsZero() && t.Before(r.firstAvailable) {
		return false, nil
	}
	if !r.schedule.IsTradingDay(t) {
		return false, nil
	}
	inSession, err := r.schedule.InSession(r.class, t)
	if err != nil {
		return false, err
	}
	if !inSession {
		return false, nil
	}
	inBreak, err := r.schedule.InBreak(r.class, t)
	if err != nil {
		return false, err
	}
	return !inBreak, nil
}
