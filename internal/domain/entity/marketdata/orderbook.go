package marketdata

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderBookLevel is one price level of a book snapshot.
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// OrderBookSnapshot is a point-in-time view of the book. The simulation
// synthesizes single-level snapshots from the current bar.
type OrderBookSnapshot struct {
	InstrumentUID uuid.UUID        `json:"instrument_uid"`
	Time          time.Time        `json:"time"`
	Depth         int32            `json:"depth"`
	Bids          []OrderBookLevel `json:"bids"`
	Asks          []OrderBookLevel `json:"asks"`
}
