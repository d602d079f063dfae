package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	domain "tradesim/internal/domain/entity/marketdata"
	"tradesim/internal/domain/interfaces"
)

// Service validates candles before persistence and fans live candles out to
// in-process subscribers such as the pipeline registry.
type Service struct {
	repo   interfaces.CandleRepository
	logger *log.Entry

	mu          sync.RWMutex
	subscribers []func(domain.Candle)
}

func NewService(repo interfaces.CandleRepository) *Service {
	return &Service{
		repo:   repo,
		logger: log.WithField("component", "marketdata-service"),
	}
}

// Subscribe registers a callback invoked for every stored live candle.
func (s *Service) Subscribe(fn func(domain.Candle)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Service) notify(candles []domain.Candle) {
	s.mu.RLock()
	subs := s.subscribers
	s.mu.RUnlock()
	for _, fn := range subs {
		for _, c := range candles {
			fn(c)
		}
	}
}

func validateCandle(c *domain.Candle) error {
	if c == nil {
		return errors.New("candle is nil")
	}
	if c.InstrumentUID == uuid.Nil {
		return errors.New("candle instrument uid is empty")
	}
	if c.Time.IsZero() {
		return errors.New("candle time is zero")
	}
	if c.Low > c.High {
		return fmt.Errorf("candle at %s: low %f above high %f", c.Time.Format(time.RFC3339), c.Low, c.High)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle at %s: negative volume %d", c.Time.Format(time.RFC3339), c.Volume)
	}
	return nil
}

func (s *Service) AddCandle(ctx context.Context, candle *domain.Candle) error {
	if err := validateCandle(candle); err != nil {
		return err
	}
	if err := s.repo.AddCandle(ctx, candle); err != nil {
		return fmt.Errorf("store candle: %w", err)
	}
	s.notify([]domain.Candle{*candle})
	return nil
}

func (s *Service) AddCandles(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	valid := make([]domain.Candle, 0, len(candles))
	for i := range candles {
		if err := validateCandle(&candles[i]); err != nil {
			s.logger.WithError(err).Warn("dropping invalid candle")
			continue
		}
		valid = append(valid, candles[i])
	}
	if len(valid) == 0 {
		return nil
	}
	if err := s.repo.AddCandles(ctx, valid); err != nil {
		return fmt.Errorf("store candle batch: %w", err)
	}
	s.notify(valid)
	return nil
}

func (s *Service) CandlesBetween(ctx context.Context, instrumentUID uuid.UUID, from, to time.Time) ([]domain.Candle, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("candles between: inverted range %s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return s.repo.CandlesBetween(ctx, instrumentUID, from, to)
}

func (s *Service) LastCandle(ctx context.Context, instrumentUID uuid.UUID) (*domain.Candle, error) {
	return s.repo.LastCandle(ctx, instrumentUID)
}
