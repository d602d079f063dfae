package instruments

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradesim/internal/domain/entity/calendar"
)

// ErrNotFound is returned when an instrument is not present in the store.
var ErrNotFound = errors.New("instrument not found")

// Instrument carries the metadata the engine needs to trade one listing.
type Instrument struct {
	UID               uuid.UUID
	Figi              string
	Ticker            string
	Class             calendar.InstrumentClass
	Lot               int32
	MinPriceIncrement decimal.Decimal
	FirstCandleDate   time.Time
	ShortEnabled      bool
	KLong             decimal.Decimal
}

// PriceCorrection floors a price to the instrument's price step.
func (i Instrument) PriceCorrection(price decimal.Decimal) decimal.Decimal {
	if i.MinPriceIncrement.IsZero() {
		return price
	}
	price = price.Round(9)
	step := i.MinPriceIncrement.Round(9)
	return price.Sub(price.Mod(step))
}

// LotsCorrection converts a signed position size in units into whole lots,
// truncating toward zero.
func (i Instrument) LotsCorrection(units int64) int64 {
	if i.Lot <= 0 {
		return units
	}
	lot := int64(i.Lot)
	if units >= 0 {
		return units / lot
	}
	return -((-units) / lot)
}
