package matching

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradesim/internal/application/service/period"
	calendar "tradesim/internal/domain/entity/calendar"
	instrumententity "tradesim/internal/domain/entity/instruments"
	marketdata "tradesim/internal/domain/entity/marketdata"
	trading "tradesim/internal/domain/entity/trading"
)

var testUID = uuid.MustParse("5b3e1c2a-8d4f-4e6b-a1c9-2f7d8e9a0b11")

func testInstrument(shortEnabled bool) *instrumententity.Instrument {
	return &instrumententity.Instrument{
		UID:               testUID,
		Ticker:            "TEST",
		Class:             calendar.ClassShare,
		Lot:               10,
		MinPriceIncrement: decimal.RequireFromString("0.01"),
		FirstCandleDate:   time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
		ShortEnabled:      shortEnabled,
	}
}

func minute(hour, min int) time.Time {
	return time.Date(2023, 6, 1, hour, min, 0, 0, time.UTC)
}

func testBar(t time.Time, open, high, low, close float64) marketdata.Candle {
	return marketdata.Candle{
		InstrumentUID: testUID,
		Time:          t,
		Open:          open,
		High:          high,
		Low:           low,
		Close:         close,
		Volume:        100,
	}
}

func testCandles() []marketdata.Candle {
	return []marketdata.Candle{
		testBar(minute(9, 58), 100, 101, 99, 100),
		testBar(minute(9, 59), 100, 102, 100, 101),
		testBar(minute(10, 0), 101, 103, 100, 102),
		testBar(minute(10, 1), 102, 104, 101, 103),
		testBar(minute(10, 2), 103, 105, 102, 104),
	}
}

func newTestEngine(t *testing.T, cfg Config, start time.Time, inst *instrumententity.Instrument) *Engine {
	t.Helper()
	tracker, err := period.New(calendar.MOEX(), calendar.Classes(), start, time.Minute)
	if err != nil {
		t.Fatalf("period.New: %v", err)
	}
	e := New(cfg, tracker)
	if err := e.AddInstrument(inst, testCandles()); err != nil {
		t.Fatalf("AddInstrument: %v", err)
	}
	return e
}

func TestMarketBuyFillsAtReferenceField(t *testing.T) {
	e := newTestEngine(t, DefaultConfig(), minute(10, 0), testInstrument(false))

	o, err := e.PostOrder(testUID, trading.DirectionBuy, trading.OrderTypeMarket, 2, decimal.Zero)
	if err != nil {
		t.Fatalf("PostOrder: %v", err)
	}
	if o.Status != trading.StatusNew {
		t.Fatalf("posted status = %v, want new", o.Status)
	}

	if err := e.NextTick(); err != nil {
		t.Fatalf("NextTick: %v", err)
	}

	got, err := e.OrderState(o.ID)
	if err != nil {
		t.Fatalf("OrderState: %v", err)
	}
	if got.Status != trading.StatusFill {
		t.Fatalf("status after tick = %v, want fill", got.Status)
	}
	// Open of the 10:00 bar is 101; two orders of ten-share lots.
	wantPrice := decimal.NewFromInt(101)
	if !got.ExecutedPrice.Equal(wantPrice) {
		t.Fatalf("executed price = %s, want %s", got.ExecutedPrice, wantPrice)
	}
	wantCash := decimal.NewFromInt(1_000_000).Sub(decimal.NewFromInt(101 * 2 * 10))
	if !e.Cash().Equal(wantCash) {
		t.Fatalf("cash = %s, want %s", e.Cash(), wantCash)
	}
	if e.Position(testUID) != 2 {
		t.Fatalf("position = %d lots, want 2", e.Position(testUID))
	}
}

func TestLimitBuyFillsOnlyThroughTheBar(t *testing.T) {
	tests := []struct {
		name  string
		price string
		want  trading.OrderStatus
	}{
		{"limit at the bar low fills", "100.00", trading.StatusFill},
		{"limit above the low fills at limit", "100.50", trading.StatusFill},
		{"limit below the low rests", "99.00", trading.StatusNew},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, DefaultConfig(), minute(10, 0), testInstrument(false))

			o, err := e.PostOrder(testUID, trading.DirectionBuy, trading.OrderTypeLimit, 1, decimal.RequireFromString(tc.price))
			if err != nil {
				t.Fatalf("PostOrder: %v", err)
			}
			if err := e.NextTick(); err != nil {
				t.Fatalf("NextTick: %v", err)
			}
			got, err := e.OrderState(o.ID)
			if err != nil {
				t.Fatalf("OrderState: %v", err)
			}
			if got.Status != tc.want {
				t.Fatalf("status = %v, want %v", got.Status, tc.want)
			}
			if tc.want == trading.StatusFill && !got.ExecutedPrice.Equal(o.Price) {
				t.Fatalf("limit filled at %s, want limit price %s", got.ExecutedPrice, o.Price)
			}
		})
	}
}

func TestLimitPriceSnapsToPriceStep(t *testing.T) {
	e := newTestEngine(t, DefaultConfig(), minute(10, 0), testInstrument(false))

	o, err := e.PostOrder(testUID, trading.DirectionBuy, trading.OrderTypeLimit, 1, decimal.RequireFromString("100.509"))
	if err != nil {
		t.Fatalf("PostOrder: %v", err)
	}
	if want := decimal.RequireFromString("100.50"); !o.Price.Equal(want) {
		t.Fatalf("snapped price = %s, want %s", o.Price, want)
	}
}

func TestShortSellRejectedWhenRestricted(t *testing.T) {
	e := newTestEngine(t, DefaultConfig(), minute(10, 0), testInstrument(false))

	o, err := e.PostOrder(testUID, trading.DirectionSell, trading.OrderTypeMarket, 1, decimal.Zero)
	if err != nil {
		t.Fatalf("PostOrder: %v", err)
	}
	if o.Status != trading.StatusRejected {
		t.Fatalf("status = %v, want rejected", o.Status)
	}
}

func TestClosedSessionFreezesMatchingAndReplay(t *testing.T) {
	// Saturday: the instrument's session is closed all day.
	saturday := time.Date(2023, 6, 3, 10, 0, 0, 0, time.UTC)
	e := newTestEngine(t, DefaultConfig(), saturday, testInstrument(false))

	o, err := e.PostOrder(testUID, trading.DirectionBuy, trading.OrderTypeMarket, 1, decimal.Zero)
	if err != nil {
		t.Fatalf("PostOrder: %v", err)
	}
	if err := e.NextTick(); err != nil {
		t.Fatalf("NextTick: %v", err)
	}
	got, err := e.OrderState(o.ID)
	if err != nil {
		t.Fatalf("OrderState: %v", err)
	}
	if got.Status != trading.StatusNew {
		t.Fatalf("status during closed session = %v, want new (frozen)", got.Status)
	}
	if e.Position(testUID) != 0 {
		t.Fatalf("position changed while frozen: %d", e.Position(testUID))
	}
}

func TestCancelOrderSemantics(t *testing.T) {
	e := newTestEngine(t, DefaultConfig(), minute(10, 0), testInstrument(false))

	resting, err := e.PostOrder(testUID, trading.DirectionBuy, trading.OrderTypeLimit, 1, decimal.RequireFromString("1.00"))
	if err != nil {
		t.Fatalf("PostOrder: %v", err)
	}
	if err := e.CancelOrder(resting.ID); err != nil {
		t.Fatalf("cancel resting order: %v", err)
	}
	if err := e.CancelOrder(resting.ID); !errors.Is(err, trading.ErrInvalidOrderState) {
		t.Fatalf("double cancel: want ErrInvalidOrderState, got %v", err)
	}

	filled, err := e.PostOrder(testUID, trading.DirectionBuy, trading.OrderTypeMarket, 1, decimal.Zero)
	if err != nil {
		t.Fatalf("PostOrder: %v", err)
	}
	if err := e.NextTick(); err != nil {
		t.Fatalf("NextTick: %v", err)
	}
	if err := e.CancelOrder(filled.ID); err != nil {
		t.Fatalf("cancel filled order should be a no-op, got %v", err)
	}

	if err := e.CancelOrder(uuid.New()); !errors.Is(err, trading.ErrOrderNotFound) {
		t.Fatalf("cancel unknown order: want ErrOrderNotFound, got %v", err)
	}
}

func TestPullNewCandlesRespectsLag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CandleLag = 1
	e := newTestEngine(t, cfg, minute(10, 0), testInstrument(false))

	// Cursor sits at the 10:00 bar; with one bar of lag the first pull would
	// have released everything up to 09:59 at registration time.
	if _, err := e.PullNewCandles(testUID); !errors.Is(err, marketdata.ErrNoNewData) {
		t.Fatalf("pull before any tick: want ErrNoNewData, got %v", err)
	}

	if err := e.NextTick(); err != nil {
		t.Fatalf("NextTick: %v", err)
	}
	out, err := e.PullNewCandles(testUID)
	if err != nil {
		t.Fatalf("PullNewCandles: %v", err)
	}
	if len(out) != 1 || !out[0].Time.Equal(minute(10, 0)) {
		t.Fatalf("pulled %d bars, want the single 10:00 bar lagging one minute behind", len(out))
	}

	if _, err := e.PullNewCandles(testUID); !errors.Is(err, marketdata.ErrNoNewData) {
		t.Fatalf("second pull in the same tick: want ErrNoNewData, got %v", err)
	}
}

func TestOrderBookSynthesizedFromCurrentBar(t *testing.T) {
	e := newTestEngine(t, DefaultConfig(), minute(10, 0), testInstrument(false))

	snap, err := e.OrderBook(testUID, 1)
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}
	// Default config quotes both sides off the close; the 10:00 bar closes
	// at 102.
	want := decimal.NewFromInt(102)
	if len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("book shape bids=%d asks=%d, want one level each", len(snap.Bids), len(snap.Asks))
	}
	if !snap.Bids[0].Price.Equal(want) || !snap.Asks[0].Price.Equal(want) {
		t.Fatalf("bid=%s ask=%s, want both %s", snap.Bids[0].Price, snap.Asks[0].Price, want)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	run := func() (decimal.Decimal, int64) {
		e := newTestEngine(t, DefaultConfig(), minute(10, 0), testInstrument(true))
		if _, err := e.PostOrder(testUID, trading.DirectionBuy, trading.OrderTypeMarket, 3, decimal.Zero); err != nil {
			t.Fatalf("PostOrder: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := e.NextTick(); err != nil {
				t.Fatalf("NextTick: %v", err)
			}
		}
		if _, err := e.PostOrder(testUID, trading.DirectionSell, trading.OrderTypeMarket, 3, decimal.Zero); err != nil {
			t.Fatalf("PostOrder: %v", err)
		}
		if err := e.NextTick(); err != nil {
			t.Fatalf("NextTick: %v", err)
		}
		return e.Cash(), e.Position(testUID)
	}

	cash1, pos1 := run()
	cash2, pos2 := run()
	if !cash1.Equal(cash2) || pos1 != pos2 {
		t.Fatalf("replays diverged: cash %s vs %s, position %d vs %d", cash1, cash2, pos1, pos2)
	}
}
