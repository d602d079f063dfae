package interfaces

import (
	"context"

	"github.com/google/uuid"

	instruments "tradesim/internal/domain/entity/instruments"
)

// InstrumentRepository resolves instrument metadata.
type InstrumentRepository interface {
	GetByTicker(ctx context.Context, ticker string) (*instruments.Instrument, error)
	GetByUID(ctx context.Context, uid uuid.UUID) (*instruments.Instrument, error)
	Upsert(ctx context.Context, instrument *instruments.Instrument) error

	Close()
}
