package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"tradesim/internal/application/service/matching"
	"tradesim/internal/application/service/period"
	"tradesim/internal/application/service/pipeline"
	marketdata "tradesim/internal/domain/entity/marketdata"
	"tradesim/internal/domain/entity/trading"
)

// Strategy reacts to simulation ticks through the Environment. Returning
// ErrNoNewData is a normal idle tick; any other error removes the strategy
// from the run after its resting orders are cancelled.
type Strategy interface {
	Name() string
	OnTick(ctx context.Context, env *Environment) error
}

type strategyState struct {
	strategy Strategy
	orders   []uuid.UUID
}

// Service drives the simulation loop: strategies first, then the matching
// engine tick. A failing strategy never takes the others down.
type Service struct {
	tracker  *period.Tracker
	engine   *matching.Engine
	registry *pipeline.Registry

	strategies []*strategyState
	logger     *log.Entry
}

func New(tracker *period.Tracker, engine *matching.Engine, registry *pipeline.Registry) *Service {
	return &Service{
		tracker:  tracker,
		engine:   engine,
		registry: registry,
		logger:   log.WithField("component", "backtest"),
	}
}

// AddStrategy registers a strategy for the run.
func (s *Service) AddStrategy(st Strategy) {
	s.strategies = append(s.strategies, &strategyState{strategy: st})
}

// Run advances the simulation until the clock reaches until or the context
// is cancelled. It returns the number of ticks executed.
func (s *Service) Run(ctx context.Context, until time.Time) (int, error) {
	ticks := 0
	for s.tracker.Now().Before(until) {
		select {
		case <-ctx.Done():
			return ticks, ctx.Err()
		default:
		}

		kept := s.strategies[:0]
		for _, state := range s.strategies {
			env := &Environment{svc: s, state: state}
			err := state.strategy.OnTick(ctx, env)
			switch {
			case err == nil, errors.Is(err, marketdata.ErrNoNewData):
				kept = append(kept, state)
			default:
				s.dropStrategy(state, err)
			}
		}
		s.strategies = kept

		if err := s.registry.Commit(); err != nil {
			return ticks, fmt.Errorf("commit pipelines at tick %d: %w", ticks, err)
		}
		if err := s.engine.NextTick(); err != nil {
			return ticks, fmt.Errorf("tick %d: %w", ticks, err)
		}
		ticks++
	}
	return ticks, nil
}

// dropStrategy cancels the strategy's resting orders and removes it.
func (s *Service) dropStrategy(state *strategyState, cause error) {
	for _, id := range state.orders {
		o, err := s.engine.OrderState(id)
		if err != nil || o.Status.Terminal() {
			continue
		}
		if err := s.engine.CancelOrder(id); err != nil {
			s.logger.WithError(err).WithField("order", id).Warn("failed to cancel order of removed strategy")
		}
	}
	s.logger.WithError(cause).WithField("strategy", state.strategy.Name()).Error("strategy removed from run")
}

// Environment is the per-strategy view of the simulation. Orders posted
// through it are attributed to the strategy so they can be cleaned up if the
// strategy is removed.
type Environment struct {
	svc   *Service
	state *strategyState
}

// Now returns the simulation clock.
func (e *Environment) Now() time.Time { return e.svc.tracker.Now() }

// Tracker exposes session and auction state.
func (e *Environment) Tracker() *period.Tracker { return e.svc.tracker }

// Registry exposes the shared pipeline graph.
func (e *Environment) Registry() *pipeline.Registry { return e.svc.registry }

// PostOrder places an order on behalf of the strategy.
func (e *Environment) PostOrder(uid uuid.UUID, direction trading.OrderDirection, typ trading.OrderType, quantity int64, price decimal.Decimal) (*trading.Order, error) {
	o, err := e.svc.engine.PostOrder(uid, direction, typ, quantity, price)
	if err != nil {
		return nil, err
	}
	e.state.orders = append(e.state.orders, o.ID)
	return o, nil
}

// CancelOrder cancels one of the simulation's orders.
func (e *Environment) CancelOrder(id uuid.UUID) error { return e.svc.engine.CancelOrder(id) }

// OrderState reads back an order.
func (e *Environment) OrderState(id uuid.UUID) (trading.Order, error) {
	return e.svc.engine.OrderState(id)
}

// OrderBook returns the synthetic book for an instrument.
func (e *Environment) OrderBook(uid uuid.UUID, depth int32) (marketdata.OrderBookSnapshot, error) {
	return e.svc.engine.OrderBook(uid, depth)
}

// PullNewCandles releases lag-delayed candles and feeds them to the shared
// pipeline graph so every pipeline on the instrument sees the same data.
func (e *Environment) PullNewCandles(uid uuid.UUID) ([]marketdata.Candle, error) {
	candles, err := e.svc.engine.PullNewCandles(uid)
	if err != nil {
		return nil, err
	}
	e.svc.registry.Offer(uid, candles)
	return candles, nil
}

// Cash returns the account's free cash.
func (e *Environment) Cash() decimal.Decimal { return e.svc.engine.Cash() }

// Position returns the position in lots.
func (e *Environment) Position(uid uuid.UUID) int64 { return e.svc.engine.Position(uid) }
