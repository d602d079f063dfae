package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradesim/internal/application/service/matching"
	"tradesim/internal/application/service/period"
	"tradesim/internal/application/service/pipeline"
	calendar "tradesim/internal/domain/entity/calendar"
	instrumententity "tradesim/internal/domain/entity/instruments"
	marketdata "tradesim/internal/domain/entity/marketdata"
	"tradesim/internal/domain/entity/trading"
)

var testUID = uuid.MustParse("9c2d4e6f-1a3b-4c5d-8e9f-0a1b2c3d4e5f")

type stubSource struct{}

func (stubSource) CandlesBetween(context.Context, uuid.UUID, time.Time, time.Time) ([]marketdata.Candle, error) {
	return nil, nil
}

func (stubSource) LastCandle(context.Context, uuid.UUID) (*marketdata.Candle, error) {
	return nil, marketdata.ErrNoHistoricalData
}

type recordingStrategy struct {
	name  string
	ticks int
	err   error
	order *trading.Order
	post  bool
}

func (s *recordingStrategy) Name() string { return s.name }

func (s *recordingStrategy) OnTick(_ context.Context, env *Environment) error {
	s.ticks++
	if s.post && s.order == nil {
		o, err := env.PostOrder(testUID, trading.DirectionBuy, trading.OrderTypeLimit, 1, decimal.NewFromInt(1))
		if err != nil {
			return err
		}
		s.order = o
	}
	return s.err
}

func testBar(min int, close float64) marketdata.Candle {
	return marketdata.Candle{
		InstrumentUID: testUID,
		Time:          time.Date(2023, 6, 1, 10, min, 0, 0, time.UTC),
		Open:          close,
		High:          close,
		Low:           close,
		Close:         close,
		Volume:        10,
	}
}

func newTestService(t *testing.T) (*Service, *matching.Engine) {
	t.Helper()
	schedule := calendar.MOEX()
	start := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	tracker, err := period.New(schedule, calendar.Classes(), start, time.Minute)
	if err != nil {
		t.Fatalf("period.New: %v", err)
	}
	engine := matching.New(matching.DefaultConfig(), tracker)
	inst := &instrumententity.Instrument{
		UID:             testUID,
		Ticker:          "TEST",
		Class:           calendar.ClassShare,
		Lot:             1,
		FirstCandleDate: start,
	}
	if err := engine.AddInstrument(inst, []marketdata.Candle{testBar(0, 100)}); err != nil {
		t.Fatalf("AddInstrument: %v", err)
	}
	registry := pipeline.NewRegistry(stubSource{}, schedule)
	return New(tracker, engine, registry), engine
}

func TestRunTicksUntilDeadline(t *testing.T) {
	svc, _ := newTestService(t)
	st := &recordingStrategy{name: "counter"}
	svc.AddStrategy(st)

	until := time.Date(2023, 6, 1, 10, 5, 0, 0, time.UTC)
	ticks, err := svc.Run(context.Background(), until)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ticks != 5 {
		t.Fatalf("ran %d ticks, want 5", ticks)
	}
	if st.ticks != 5 {
		t.Fatalf("strategy saw %d ticks, want 5", st.ticks)
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Run(ctx, time.Date(2023, 6, 1, 10, 5, 0, 0, time.UTC))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestIdleStrategyStaysInTheRun(t *testing.T) {
	svc, _ := newTestService(t)
	st := &recordingStrategy{name: "idle", err: marketdata.ErrNoNewData}
	svc.AddStrategy(st)

	ticks, err := svc.Run(context.Background(), time.Date(2023, 6, 1, 10, 3, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.ticks != ticks {
		t.Fatalf("idle strategy dropped after %d of %d ticks", st.ticks, ticks)
	}
}

// pipelineStrategy feeds one live candle through a pipeline on its first
// tick and idles afterwards.
type pipelineStrategy struct {
	pipe  *pipeline.Pipeline
	fired bool
}

func (s *pipelineStrategy) Name() string { return "pipeline" }

func (s *pipelineStrategy) OnTick(ctx context.Context, env *Environment) error {
	if s.fired {
		return nil
	}
	s.fired = true
	env.Registry().Offer(testUID, []marketdata.Candle{testBar(0, 100)})
	frame, err := s.pipe.Advance(ctx, env.Now())
	if err != nil {
		return err
	}
	if frame.IsEmpty() {
		return errors.New("no rows on the first tick")
	}
	return nil
}

func TestRunCommitsPipelinesEachTick(t *testing.T) {
	schedule := calendar.MOEX()
	start := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	tracker, err := period.New(schedule, calendar.Classes(), start, time.Minute)
	if err != nil {
		t.Fatalf("period.New: %v", err)
	}
	engine := matching.New(matching.DefaultConfig(), tracker)
	inst := &instrumententity.Instrument{
		UID:             testUID,
		Ticker:          "TEST",
		Class:           calendar.ClassShare,
		Lot:             1,
		FirstCandleDate: start,
	}
	if err := engine.AddInstrument(inst, []marketdata.Candle{testBar(0, 100)}); err != nil {
		t.Fatalf("AddInstrument: %v", err)
	}
	registry := pipeline.NewRegistry(stubSource{}, schedule)
	pipe, err := registry.NewPipeline(inst).AddNodes()
	if err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	svc := New(tracker, engine, registry)
	st := &pipelineStrategy{pipe: pipe}
	svc.AddStrategy(st)

	if _, err := svc.Run(context.Background(), start.Add(2*time.Minute)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !st.fired {
		t.Fatal("strategy never ran")
	}

	// The batch consumed on the first tick was committed by the loop, so
	// nothing pending survives the run.
	frame, err := pipe.Advance(context.Background(), start)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !frame.IsEmpty() {
		t.Fatalf("uncommitted batch of %d rows survived the tick", frame.Len())
	}
}

func TestFailingStrategyIsDroppedAndOrdersCancelled(t *testing.T) {
	svc, engine := newTestService(t)
	bad := &recordingStrategy{name: "bad", err: errors.New("boom"), post: true}
	good := &recordingStrategy{name: "good"}
	svc.AddStrategy(bad)
	svc.AddStrategy(good)

	ticks, err := svc.Run(context.Background(), time.Date(2023, 6, 1, 10, 4, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if bad.ticks != 1 {
		t.Fatalf("failing strategy ran %d ticks, want 1", bad.ticks)
	}
	if good.ticks != ticks {
		t.Fatalf("surviving strategy ran %d of %d ticks", good.ticks, ticks)
	}

	state, err := engine.OrderState(bad.order.ID)
	if err != nil {
		t.Fatalf("OrderState: %v", err)
	}
	if state.Status != trading.StatusCancelled {
		t.Fatalf("dropped strategy's order status = %v, want cancelled", state.Status)
	}
}
