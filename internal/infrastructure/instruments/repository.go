package instruments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "tradesim/internal/domain/entity/instruments"
	"tradesim/internal/infrastructure/instruments/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

const selectInstrumentColumns = `
	uid, figi, ticker, instrument_group, lot, min_price_increment,
	first_candle_date, short_enabled, k_long`

func (r *Repository) GetByUID(ctx context.Context, uid uuid.UUID) (*domain.Instrument, error) {
	query := `SELECT ` + selectInstrumentColumns + `
		FROM instruments
		WHERE uid = $1 AND deleted_at IS NULL`
	return r.queryOne(ctx, query, uid)
}

func (r *Repository) GetByTicker(ctx context.Context, ticker string) (*domain.Instrument, error) {
	query := `SELECT ` + selectInstrumentColumns + `
		FROM instruments
		WHERE ticker = $1 AND deleted_at IS NULL`
	return r.queryOne(ctx, query, ticker)
}

func (r *Repository) queryOne(ctx context.Context, query string, arg interface{}) (*domain.Instrument, error) {
	row, err := scanInstrumentRow(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return row.ToDomain()
}

func (r *Repository) Upsert(ctx context.Context, instrument *domain.Instrument) error {
	if instrument == nil {
		return errors.New("instrument is nil")
	}
	if instrument.UID == uuid.Nil {
		instrument.UID = uuid.New()
	}
	row := models.FromDomain(instrument)
	now := time.Now().UTC()

	const query = `
		INSERT INTO instruments (
			uid, figi, ticker, instrument_group, lot, min_price_increment,
			first_candle_date, short_enabled, k_long, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (uid) DO UPDATE SET
			figi=EXCLUDED.figi,
			ticker=EXCLUDED.ticker,
			instrument_group=EXCLUDED.instrument_group,
			lot=EXCLUDED.lot,
			min_price_increment=EXCLUDED.min_price_increment,
			first_candle_date=EXCLUDED.first_candle_date,
			short_enabled=EXCLUDED.short_enabled,
			k_long=EXCLUDED.k_long,
			updated_at=EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		row.UID,
		row.Figi,
		row.Ticker,
		row.InstrumentGroup,
		row.Lot,
		row.MinPriceIncrement,
		row.FirstCandleDate,
		row.ShortEnabled,
		row.KLong,
		now,
	)
	return err
}

func scanInstrumentRow(row pgx.Row) (models.InstrumentRow, error) {
	out := models.InstrumentRow{}
	var group string
	err := row.Scan(
		&out.UID,
		&out.Figi,
		&out.Ticker,
		&group,
		&out.Lot,
		&out.MinPriceIncrement,
		&out.FirstCandleDate,
		&out.ShortEnabled,
		&out.KLong,
	)
	if err != nil {
		return models.InstrumentRow{}, err
	}
	parsed, err := models.NewInstrumentType(group)
	if err != nil {
		return models.InstrumentRow{}, err
	}
	out.InstrumentGroup = parsed
	return out, nil
}
