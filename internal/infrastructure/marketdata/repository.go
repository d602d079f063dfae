package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "tradesim/internal/domain/entity/marketdata"
)

// Repository stores minute candles in Postgres. Candles are keyed by
// (instrument_uid, time); refinement artifacts such as day numbers are
// recomputed on read, never persisted.
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

const insertCandleQuery = `
	INSERT INTO candles (instrument_uid, time, open, high, low, close, volume)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (instrument_uid, time) DO NOTHING`

func (r *Repository) AddCandle(ctx context.Context, candle *domain.Candle) error {
	if candle == nil {
		return errors.New("nil candle")
	}
	_, err := r.pool.Exec(ctx, insertCandleQuery,
		candle.InstrumentUID,
		candle.Time,
		candle.Open,
		candle.High,
		candle.Low,
		candle.Close,
		candle.Volume,
	)
	return err
}

func (r *Repository) AddCandles(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(candles))
	for i := range candles {
		rows = append(rows, []interface{}{
			candles[i].InstrumentUID,
			candles[i].Time,
			candles[i].Open,
			candles[i].High,
			candles[i].Low,
			candles[i].Close,
			candles[i].Volume,
		})
	}
	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"candles"},
		[]string{"instrument_uid", "time", "open", "high", "low", "close", "volume"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (r *Repository) CandlesBetween(ctx context.Context, instrumentUID uuid.UUID, from, to time.Time) ([]domain.Candle, error) {
	const query = `
		SELECT instrument_uid, time, open, high, low, close, volume
		FROM candles
		WHERE instrument_uid=$1 AND time >= $2 AND time <= $3
		ORDER BY time ASC`
	rows, err := r.pool.Query(ctx, query, instrumentUID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		candle, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, rows.Err()
}

func (r *Repository) LastCandle(ctx context.Context, instrumentUID uuid.UUID) (*domain.Candle, error) {
	const query = `
		SELECT instrument_uid, time, open, high, low, close, volume
		FROM candles
		WHERE instrument_uid=$1
		ORDER BY time DESC
		LIMIT 1`
	candle, err := scanCandle(r.pool.QueryRow(ctx, query, instrumentUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("last candle for %s: %w", instrumentUID, domain.ErrNoHistoricalData)
		}
		return nil, err
	}
	return &candle, nil
}

func scanCandle(row pgx.Row) (domain.Candle, error) {
	candle := domain.Candle{}
	err := row.Scan(
		&candle.InstrumentUID,
		&candle.Time,
		&candle.Open,
		&candle.High,
		&candle.Low,
		&candle.Close,
		&candle.Volume,
	)
	if err != nil {
		return domain.Candle{}, err
	}
	return candle, nil
}
