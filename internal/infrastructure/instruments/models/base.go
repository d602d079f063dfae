package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tradesim/internal/domain/entity/calendar"
	domain "tradesim/internal/domain/entity/instruments"
)

type InstrumentType string

const (
	ShareType  InstrumentType = "share"
	FutureType InstrumentType = "future"
)

func (it InstrumentType) IsValid() bool {
	switch it {
	case ShareType, FutureType:
		return true
	default:
		return false
	}
}

func NewInstrumentType(s string) (InstrumentType, error) {
	it := InstrumentType(s)
	if !it.IsValid() {
		return "", fmt.Errorf("invalid instrument type: %s", s)
	}
	return it, nil
}

// Class maps the storage type onto the trading-calendar class.
func (it InstrumentType) Class() calendar.InstrumentClass {
	if it == FutureType {
		return calendar.ClassFuture
	}
	return calendar.ClassShare
}

// InstrumentRow is the instruments table layout.
type InstrumentRow struct {
	UID               uuid.UUID      `gorm:"primaryKey;column:uid;type:uuid;not null"`
	Figi              string         `gorm:"column:figi;type:varchar(255);not null;index"`
	Ticker            string         `gorm:"column:ticker;type:varchar(50);not null;index"`
	InstrumentGroup   InstrumentType `gorm:"column:instrument_group;type:varchar(50);not null"`
	Lot               int32          `gorm:"column:lot;type:integer;not null"`
	MinPriceIncrement string         `gorm:"column:min_price_increment;type:numeric(18,9);not null"`
	FirstCandleDate   time.Time      `gorm:"column:first_candle_date;type:timestamp"`
	ShortEnabled      bool           `gorm:"column:short_enabled;type:boolean;not null;default:false"`
	KLong             string         `gorm:"column:k_long;type:numeric(18,9)"`
	CreatedAt         time.Time      `gorm:"column:created_at;type:timestamp;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;type:timestamp;default:CURRENT_TIMESTAMP"`
	DeletedAt         gorm.DeletedAt `gorm:"column:deleted_at;type:timestamp;index"`
}

func (InstrumentRow) TableName() string { return "instruments" }

// ToDomain converts the row into the domain entity.
func (r InstrumentRow) ToDomain() (*domain.Instrument, error) {
	step, err := decimal.NewFromString(r.MinPriceIncrement)
	if err != nil {
		return nil, fmt.Errorf("parse min price increment %q: %w", r.MinPriceIncrement, err)
	}
	kLong := decimal.Zero
	if r.KLong != "" {
		if kLong, err = decimal.NewFromString(r.KLong); err != nil {
			return nil, fmt.Errorf("parse k_long %q: %w", r.KLong, err)
		}
	}
	return &domain.Instrument{
		UID:               r.UID,
		Figi:              r.Figi,
		Ticker:            r.Ticker,
		Class:             r.InstrumentGroup.Class(),
		Lot:               r.Lot,
		MinPriceIncrement: step,
		FirstCandleDate:   r.FirstCandleDate,
		ShortEnabled:      r.ShortEnabled,
		KLong:             kLong,
	}, nil
}

// FromDomain builds the row for persistence.
func FromDomain(i *domain.Instrument) InstrumentRow {
	group := ShareType
	if i.Class == calendar.ClassFuture {
		group = FutureType
	}
	return InstrumentRow{
		UID:               i.UID,
		Figi:              i.Figi,
		Ticker:            i.Ticker,
		InstrumentGroup:   group,
		Lot:               i.Lot,
		MinPriceIncrement: i.MinPriceIncrement.String(),
		FirstCandleDate:   i.FirstCandleDate,
		ShortEnabled:      i.ShortEnabled,
		KLong:             i.KLong.String(),
	}
}
