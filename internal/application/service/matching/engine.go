package matching

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"tradesim/internal/application/service/period"
	instrumententity "tradesim/internal/domain/entity/instruments"
	marketdata "tradesim/internal/domain/entity/marketdata"
	"tradesim/internal/domain/entity/trading"
)

// ErrInstrumentNotTracked is returned for operations on an instrument that
// was never added to the engine.
var ErrInstrumentNotTracked = errors.New("instrument not tracked by engine")

// Config tunes how candle data is mapped onto fills. Reference fields name
// OHLC columns ("open", "high", "low", "close", "mid").
type Config struct {
	// BidPriceField and AskPriceField synthesize the order book.
	BidPriceField string
	AskPriceField string
	// MarketOrderPriceField prices market fills.
	MarketOrderPriceField string
	// BuyFillField and SellFillField are compared against limit prices.
	BuyFillField  string
	SellFillField string
	// CandleLag delays candle visibility by N bars, imitating feed latency.
	CandleLag int

	StartingCash   decimal.Decimal
	CommissionRate decimal.Decimal
}

// DefaultConfig matches a fill model where a limit buy executes once the bar
// trades through it.
func DefaultConfig() Config {
	return Config{
		BidPriceField:         "close",
		AskPriceField:         "close",
		MarketOrderPriceField: "open",
		BuyFillField:          "low",
		SellFillField:         "high",
		CandleLag:             0,
		StartingCash:          decimal.NewFromInt(1_000_000),
		CommissionRate:        decimal.Zero,
	}
}

// syntheticDepth is the quantity quoted at the single synthetic book level.
const syntheticDepth int64 = 1_000_000

// book is the per-instrument replay state: refined candles with a cursor at
// the bar matching the simulation clock, and a lagged release cursor for
// strategy-visible data.
type book struct {
	inst     *instrumententity.Instrument
	candles  []marketdata.Candle
	cursor   int // index of the bar at or before the clock, -1 before start
	released int // count of bars already handed out via PullNewCandles
}

// Engine replays refined candles against a session tracker and matches
// orders the way the exchange would, deterministically.
type Engine struct {
	cfg     Config
	tracker *period.Tracker

	books     map[uuid.UUID]*book
	orders    map[uuid.UUID]*trading.Order
	orderLog  []*trading.Order
	cash      decimal.Decimal
	positions map[uuid.UUID]int64

	logger *log.Entry
}

func New(cfg Config, tracker *period.Tracker) *Engine {
	return &Engine{
		cfg:       cfg,
		tracker:   tracker,
		books:     make(map[uuid.UUID]*book),
		orders:    make(map[uuid.UUID]*trading.Order),
		cash:      cfg.StartingCash,
		positions: make(map[uuid.UUID]int64),
		logger:    log.WithField("component", "matching-engine"),
	}
}

// AddInstrument registers refined candles for replay. The cursor starts at
// the last bar not after the current simulation time.
func (e *Engine) AddInstrument(inst *instrumententity.Instrument, refined []marketdata.Candle) error {
	if len(refined) == 0 {
		return fmt.Errorf("add %s: %w", inst.Ticker, marketdata.ErrNoHistoricalData)
	}
	b := &book{inst: inst, candles: refined, cursor: -1}
	now := e.tracker.Now()
	for i, c := range refined {
		if c.Time.After(now) {
			break
		}
		b.cursor = i
	}
	b.released = b.visibleCount(e.cfg.CandleLag)
	e.books[inst.UID] = b
	if _, ok := e.positions[inst.UID]; !ok {
		e.positions[inst.UID] = 0
	}
	return nil
}

func (b *book) visibleCount(lag int) int {
	n := b.cursor + 1 - lag
	if n < 0 {
		return 0
	}
	return n
}

func (b *book) current() (marketdata.Candle, bool) {
	if b.cursor < 0 || b.cursor >= len(b.candles) {
		return marketdata.Candle{}, false
	}
	return b.candles[b.cursor], true
}

// PostOrder validates and records an order. The order rests as NEW and is
// evaluated on the next tick; a sell that would open a short on a
// short-restricted instrument is rejected immediately.
func (e *Engine) PostOrder(uid uuid.UUID, direction trading.OrderDirection, typ trading.OrderType, quantity int64, price decimal.Decimal) (*trading.Order, error) {
	b, ok := e.books[uid]
	if !ok {
		return nil, fmt.Errorf("post order: %w", ErrInstrumentNotTracked)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("post order: quantity %d must be positive", quantity)
	}

	o := &trading.Order{
		ID:            uuid.New(),
		InstrumentUID: uid,
		Quantity:      quantity,
		Direction:     direction,
		Type:          typ,
		Status:        trading.StatusNew,
		PostedAt:      e.tracker.Now(),
	}
	if typ == trading.OrderTypeLimit {
		o.Price = b.inst.PriceCorrection(price)
	}
	if direction == trading.DirectionSell && !b.inst.ShortEnabled && e.positions[uid]-quantity < 0 {
		o.Status = trading.StatusRejected
	}

	e.orders[o.ID] = o
	e.orderLog = append(e.orderLog, o)
	e.logger.WithFields(log.Fields{
		"order":     o.ID,
		"ticker":    b.inst.Ticker,
		"direction": direction.String(),
		"type":      typ.String(),
		"status":    o.Status.String(),
	}).Debug("order posted")
	return o, nil
}

// CancelOrder cancels a resting order. Cancelling an already filled order is
// a no-op; cancelling a cancelled or rejected one is an error.
func (e *Engine) CancelOrder(id uuid.UUID) error {
	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("cancel order %s: %w", id, trading.ErrOrderNotFound)
	}
	switch o.Status {
	case trading.StatusNew, trading.StatusPartialFill:
		o.Status = trading.StatusCancelled
		return nil
	case trading.StatusFill:
		return nil
	default:
		return fmt.Errorf("cancel order %s in status %s: %w", id, o.Status, trading.ErrInvalidOrderState)
	}
}

// OrderState returns a copy of the order's current state.
func (e *Engine) OrderState(id uuid.UUID) (trading.Order, error) {
	o, ok := e.orders[id]
	if !ok {
		return trading.Order{}, fmt.Errorf("order state %s: %w", id, trading.ErrOrderNotFound)
	}
	return *o, nil
}

// Orders returns the full transaction log in posting order.
func (e *Engine) Orders() []trading.Order {
	out := make([]trading.Order, len(e.orderLog))
	for i, o := range e.orderLog {
		out[i] = *o
	}
	return out
}

// Cash returns the current free cash balance.
func (e *Engine) Cash() decimal.Decimal { return e.cash }

// Position returns the position in lots for an instrument.
func (e *Engine) Position(uid uuid.UUID) int64 { return e.positions[uid] }

// Positions returns all non-flat positions in lots.
func (e *Engine) Positions() map[uuid.UUID]int64 {
	out := make(map[uuid.UUID]int64)
	for uid, lots := range e.positions {
		if lots != 0 {
			out[uid] = lots
		}
	}
	return out
}

// OrderBook synthesizes a one-level book from the current bar using the
// configured bid and ask reference fields.
func (e *Engine) OrderBook(uid uuid.UUID, depth int32) (marketdata.OrderBookSnapshot, error) {
	b, ok := e.books[uid]
	if !ok {
		return marketdata.OrderBookSnapshot{}, fmt.Errorf("order book: %w", ErrInstrumentNotTracked)
	}
	bar, ok := b.current()
	if !ok {
		return marketdata.OrderBookSnapshot{}, fmt.Errorf("order book for %s: %w", b.inst.Ticker, marketdata.ErrNoNewData)
	}
	snap := marketdata.OrderBookSnapshot{
		InstrumentUID: uid,
		Time:          e.tracker.Now(),
		Depth:         depth,
	}
	bid := decimal.NewFromFloat(bar.Field(e.cfg.BidPriceField)).Round(9)
	ask := decimal.NewFromFloat(bar.Field(e.cfg.AskPriceField)).Round(9)
	snap.Bids = []marketdata.OrderBookLevel{{Price: bid, Quantity: syntheticDepth}}
	snap.Asks = []marketdata.OrderBookLevel{{Price: ask, Quantity: syntheticDepth}}
	return snap, nil
}

// PullNewCandles releases bars that became visible since the previous pull,
// respecting the configured candle lag. ErrNoNewData between ticks is
// expected.
func (e *Engine) PullNewCandles(uid uuid.UUID) ([]marketdata.Candle, error) {
	b, ok := e.books[uid]
	if !ok {
		return nil, fmt.Errorf("pull candles: %w", ErrInstrumentNotTracked)
	}
	visible := b.visibleCount(e.cfg.CandleLag)
	if visible <= b.released {
		return nil, fmt.Errorf("pull candles for %s: %w", b.inst.Ticker, marketdata.ErrNoNewData)
	}
	out := make([]marketdata.Candle, visible-b.released)
	copy(out, b.candles[b.released:visible])
	b.released = visible
	return out, nil
}

// NextTick evaluates resting orders against the current bars, advances the
// simulation clock one step and moves replay cursors for every instrument
// whose session is open. Instruments in a CLOSED session are frozen: their
// orders are not evaluated and their cursors do not move.
func (e *Engine) NextTick() error {
	e.evaluateOrders()
	if err := e.tracker.Advance(); err != nil {
		return fmt.Errorf("advance period: %w", err)
	}
	now := e.tracker.Now()
	for _, b := range e.books {
		if e.tracker.Session(b.inst.Class) == trading.SessionClosed {
			continue
		}
		for b.cursor+1 < len(b.candles) && !b.candles[b.cursor+1].Time.After(now) {
			b.cursor++
		}
	}
	return nil
}

func (e *Engine) evaluateOrders() {
	for _, o := range e.orderLog {
		if o.Status != trading.StatusNew {
			continue
		}
		b := e.books[o.InstrumentUID]
		if e.tracker.Session(b.inst.Class) == trading.SessionClosed {
			continue
		}
		bar, ok := b.current()
		if !ok {
			continue
		}
		switch o.Type {
		case trading.OrderTypeMarket, trading.OrderTypeBestPrice:
			e.fill(o, b, decimal.NewFromFloat(bar.Field(e.cfg.MarketOrderPriceField)).Round(9))
		case trading.OrderTypeLimit:
			switch o.Direction {
			case trading.DirectionBuy:
				if o.Price.GreaterThanOrEqual(decimal.NewFromFloat(bar.Field(e.cfg.BuyFillField)).Round(9)) {
					e.fill(o, b, o.Price)
				}
			case trading.DirectionSell:
				if o.Price.LessThanOrEqual(decimal.NewFromFloat(bar.Field(e.cfg.SellFillField)).Round(9)) {
					e.fill(o, b, o.Price)
				}
			}
		}
	}
}

func (e *Engine) fill(o *trading.Order, b *book, price decimal.Decimal) {
	lots := decimal.NewFromInt(o.Quantity)
	lotSize := decimal.NewFromInt(int64(b.inst.Lot))
	notional := price.Mul(lots).Mul(lotSize).Round(9)
	commission := notional.Mul(e.cfg.CommissionRate).Round(9)

	sign := decimal.NewFromInt(o.Direction.Sign())
	e.cash = e.cash.Sub(notional.Mul(sign)).Sub(commission).Round(9)
	e.positions[o.InstrumentUID] += o.Direction.Sign() * o.Quantity

	o.Status = trading.StatusFill
	o.ExecutedPrice = price
	o.LotsExecuted = o.Quantity
	o.Commission = commission
	o.TotalAmount = notional

	e.logger.WithFields(log.Fields{
		"order":  o.ID,
		"ticker": b.inst.Ticker,
		"price":  price.String(),
		"lots":   o.Quantity,
		"cash":   e.cash.String(),
		"time":   e.tracker.Now().Format(time.RFC3339),
	}).Debug("order filled")
}
