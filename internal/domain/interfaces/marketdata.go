package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"

	marketdata "tradesim/internal/domain/entity/marketdata"
)

// CandleSource supplies raw OHLCV rows for an instrument, either as a bulk
// historical fetch or as an append-only live feed. Rows are ordered by
// timestamp; nothing else is assumed about them.
type CandleSource interface {
	CandlesBetween(ctx context.Context, instrumentUID uuid.UUID, from, to time.Time) ([]marketdata.Candle, error)
	LastCandle(ctx context.Context, instrumentUID uuid.UUID) (*marketdata.Candle, error)
}

// CandleRepository is the write side of candle persistence.
type CandleRepository interface {
	CandleSource

	AddCandle(ctx context.Context, candle *marketdata.Candle) error
	AddCandles(ctx context.Context, candles []marketdata.Candle) error

	Close()
}
