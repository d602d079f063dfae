package marketdata

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoNewData means no candles have appeared since the last fetch.
	// Expected between ticks; callers retry on the next tick.
	ErrNoNewData = errors.New("no new candles yet")
	// ErrNoHistoricalData means no candle ever existed for the instrument.
	// Fatal for that instrument; callers should exclude it.
	ErrNoHistoricalData = errors.New("no historical candles for instrument")
)

// Candle is one minute bar. DayNumber is a trading-day ordinal independent
// of the calendar date: it increments each time trading crosses from one
// trading day's close into the next trading day's open.
type Candle struct {
	InstrumentUID uuid.UUID `json:"instrument_uid"`
	Time          time.Time `json:"time"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	Volume        int64     `json:"volume"`
	DayNumber     int64     `json:"day_number"`
}

// FlatFill synthesizes the no-activity bar for a missing minute: zero
// volume, all prices pinned to the previous real close.
func FlatFill(prev Candle, at time.Time, dayNumber int64) Candle {
	return Candle{
		InstrumentUID: prev.InstrumentUID,
		Time:          at,
		Open:          prev.Close,
		High:          prev.Close,
		Low:           prev.Close,
		Close:         prev.Close,
		Volume:        0,
		DayNumber:     dayNumber,
	}
}

// Field extracts a named OHLC reference price; "mid" is (high+low)/2.
// Unknown names fall back to the close.
func (c Candle) Field(name string) float64 {
	switch name {
	case "open":
		return c.Open
	case "high":
		return c.High
	case "low":
		return c.Low
	case "mid":
		return (c.High + c.Low) / 2
	default:
		return c.Close
	}
}
