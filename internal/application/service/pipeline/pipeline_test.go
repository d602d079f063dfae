package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	calendar "tradesim/internal/domain/entity/calendar"
	instrumententity "tradesim/internal/domain/entity/instruments"
	marketdata "tradesim/internal/domain/entity/marketdata"
)

var testUID = uuid.MustParse("0a4b8c1d-2e3f-4a5b-8c9d-1e2f3a4b5c6d")

// stubSource serves a fixed candle slice as the historical repository.
type stubSource struct {
	candles []marketdata.Candle
}

func (s *stubSource) CandlesBetween(_ context.Context, _ uuid.UUID, from, to time.Time) ([]marketdata.Candle, error) {
	var out []marketdata.Candle
	for _, c := range s.candles {
		if c.Time.Before(from) || c.Time.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *stubSource) LastCandle(_ context.Context, _ uuid.UUID) (*marketdata.Candle, error) {
	if len(s.candles) == 0 {
		return nil, marketdata.ErrNoHistoricalData
	}
	return &s.candles[len(s.candles)-1], nil
}

// meanModel remembers the mean of the first column; predictions are the
// deviation of each row from it.
type meanModel struct {
	mean  float64
	count int
}

func (m *meanModel) Fit(f Frame) error {
	m.mean, m.count = 0, 0
	return m.Update(f)
}

func (m *meanModel) Update(f Frame) error {
	for _, row := range f.Values {
		m.count++
		m.mean += (row[0] - m.mean) / float64(m.count)
	}
	return nil
}

func (m *meanModel) Predict(f Frame) ([]float64, error) {
	if m.count == 0 {
		return nil, fmt.Errorf("mean model is not fitted")
	}
	out := make([]float64, f.Len())
	for i, row := range f.Values {
		out[i] = row[0] - m.mean
	}
	return out, nil
}

func (m *meanModel) Score(Frame) (float64, error) { return 0, nil }

func (m *meanModel) SaveModel() ([]byte, error) {
	return json.Marshal(map[string]any{"mean": m.mean, "count": m.count})
}

func (m *meanModel) LoadModel(raw []byte) error {
	var s struct {
		Mean  float64 `json:"mean"`
		Count int     `json:"count"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	m.mean, m.count = s.Mean, s.Count
	return nil
}

func tradeMinute(min int) time.Time {
	return time.Date(2023, 6, 1, 10, min, 0, 0, time.UTC)
}

func historyBar(min int, close float64, volume int64) marketdata.Candle {
	return marketdata.Candle{
		InstrumentUID: testUID,
		Time:          tradeMinute(min),
		Open:          close,
		High:          close,
		Low:           close,
		Close:         close,
		Volume:        volume,
	}
}

func testHistory() []marketdata.Candle {
	return []marketdata.Candle{
		historyBar(0, 100, 10),
		historyBar(1, 101, 10),
		historyBar(2, 102, 0), // dead minute, dropped by remove_zero_activity
		historyBar(3, 103, 10),
		historyBar(4, 104, 10),
		historyBar(5, 105, 10),
	}
}

func testPipelineInstrument() *instrumententity.Instrument {
	return &instrumententity.Instrument{
		UID:             testUID,
		Ticker:          "TEST",
		Class:           calendar.ClassShare,
		Lot:             1,
		FirstCandleDate: tradeMinute(0),
	}
}

func newTestRegistry() *Registry {
	return NewRegistry(&stubSource{candles: testHistory()}, calendar.MOEX())
}

func buildChain(t *testing.T, reg *Registry, model Model) *Pipeline {
	t.Helper()
	p, err := reg.NewPipeline(testPipelineInstrument()).AddNodes(
		RemoveZeroActivity{},
		&LogReturns{},
		model,
	)
	if err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
	return p
}

func TestMaterializeTransformsHistory(t *testing.T) {
	reg := newTestRegistry()
	p := buildChain(t, reg, &meanModel{})

	frame, err := p.Materialize(context.Background(), tradeMinute(5), nil)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	// Five active bars leave four log returns.
	if frame.Len() != 4 {
		t.Fatalf("got %d rows, want 4", frame.Len())
	}
	returns, ok := frame.Col("log_return")
	if !ok {
		t.Fatal("expected a log_return column")
	}
	want := []float64{
		math.Log(101.0 / 100.0),
		math.Log(103.0 / 101.0),
		math.Log(104.0 / 103.0),
		math.Log(105.0 / 104.0),
	}
	for i, w := range want {
		if math.Abs(returns[i]-w) > 1e-12 {
			t.Fatalf("return %d = %v, want %v", i, returns[i], w)
		}
	}
}

func TestDeduplicateMergesEquivalentChains(t *testing.T) {
	reg := newTestRegistry()
	p1 := buildChain(t, reg, &meanModel{})
	p2 := buildChain(t, reg, &meanModel{})

	if err := reg.Deduplicate(); err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}
	alive := 0
	for _, n := range reg.nodes {
		if !n.dead {
			alive++
		}
	}
	// One source node plus two transformer nodes remain.
	if alive != 3 {
		t.Fatalf("%d nodes alive after dedup, want 3", alive)
	}
	if p1.terminals[0] != p2.terminals[0] {
		t.Fatalf("pipelines kept distinct terminals %d and %d", p1.terminals[0], p2.terminals[0])
	}

	// A second pass must be a no-op.
	if err := reg.Deduplicate(); err != nil {
		t.Fatalf("second Deduplicate: %v", err)
	}
	stillAlive := 0
	for _, n := range reg.nodes {
		if !n.dead {
			stillAlive++
		}
	}
	if stillAlive != alive {
		t.Fatalf("idempotent dedup changed node count from %d to %d", alive, stillAlive)
	}
}

func TestSharedNodesMaterializeOnce(t *testing.T) {
	reg := newTestRegistry()
	p1 := buildChain(t, reg, &meanModel{})
	p2 := buildChain(t, reg, &meanModel{})

	f1, err := p1.Materialize(context.Background(), tradeMinute(5), nil)
	if err != nil {
		t.Fatalf("first Materialize: %v", err)
	}
	f2, err := p2.Materialize(context.Background(), tradeMinute(5), nil)
	if err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if f1.Len() != f2.Len() {
		t.Fatalf("shared chain produced %d vs %d rows", f1.Len(), f2.Len())
	}
	for i := range f1.Values {
		if f1.Values[i][0] != f2.Values[i][0] {
			t.Fatalf("row %d diverged: %v vs %v", i, f1.Values[i], f2.Values[i])
		}
	}
}

func TestAdvanceWithoutOfferYieldsNoRows(t *testing.T) {
	reg := newTestRegistry()
	p := buildChain(t, reg, &meanModel{})
	if err := p.Fit(context.Background(), tradeMinute(5)); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	frame, err := p.Advance(context.Background(), tradeMinute(6))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !frame.IsEmpty() {
		t.Fatalf("advance with no offered data returned %d rows", frame.Len())
	}

	preds, err := p.Predict(context.Background(), tradeMinute(7))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if preds != nil {
		t.Fatalf("predict with no new data = %v, want nil", preds)
	}
}

func TestAdvanceConsumesOfferedCandles(t *testing.T) {
	reg := newTestRegistry()
	p := buildChain(t, reg, &meanModel{})
	if err := p.Fit(context.Background(), tradeMinute(5)); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	reg.Offer(testUID, []marketdata.Candle{historyBar(6, 106, 10)})

	preds, err := p.Predict(context.Background(), tradeMinute(6))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("got %d predictions, want 1", len(preds))
	}

	// Repeating the same tick must replay the buffered batch, not recompute.
	again, err := p.Advance(context.Background(), tradeMinute(6))
	if err != nil {
		t.Fatalf("repeated Advance: %v", err)
	}
	if again.Len() != 1 {
		t.Fatalf("repeated advance returned %d rows, want 1", again.Len())
	}

	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Nothing new after the commit.
	frame, err := p.Advance(context.Background(), tradeMinute(7))
	if err != nil {
		t.Fatalf("Advance after commit: %v", err)
	}
	if !frame.IsEmpty() {
		t.Fatalf("advance after commit returned %d rows", frame.Len())
	}
}

func TestSharedAdvanceDoesNotRedeliverOldBatch(t *testing.T) {
	reg := newTestRegistry()
	p1 := buildChain(t, reg, &meanModel{})
	p2 := buildChain(t, reg, &meanModel{})
	ctx := context.Background()
	if err := p1.Fit(ctx, tradeMinute(5)); err != nil {
		t.Fatalf("fit p1: %v", err)
	}
	if err := p2.Fit(ctx, tradeMinute(5)); err != nil {
		t.Fatalf("fit p2: %v", err)
	}

	reg.Offer(testUID, []marketdata.Candle{historyBar(6, 106, 10)})
	for i, p := range []*Pipeline{p1, p2} {
		frame, err := p.Advance(ctx, tradeMinute(6))
		if err != nil {
			t.Fatalf("pipeline %d advance: %v", i, err)
		}
		if frame.Len() != 1 {
			t.Fatalf("pipeline %d got %d rows at the data tick, want 1", i, frame.Len())
		}
	}

	// Nothing offered for the next tick: both owners of the shared nodes
	// must see an empty advance, not the previous tick's batch again.
	for i, p := range []*Pipeline{p1, p2} {
		frame, err := p.Advance(ctx, tradeMinute(7))
		if err != nil {
			t.Fatalf("pipeline %d advance: %v", i, err)
		}
		if !frame.IsEmpty() {
			t.Fatalf("pipeline %d got %d stale rows at the empty tick", i, frame.Len())
		}
	}
}

func TestRegistryCommitDrainsAllPipelines(t *testing.T) {
	reg := newTestRegistry()
	p1 := buildChain(t, reg, &meanModel{})
	p2 := buildChain(t, reg, &meanModel{})
	ctx := context.Background()
	if err := p1.Fit(ctx, tradeMinute(5)); err != nil {
		t.Fatalf("fit p1: %v", err)
	}
	if err := p2.Fit(ctx, tradeMinute(5)); err != nil {
		t.Fatalf("fit p2: %v", err)
	}

	reg.Offer(testUID, []marketdata.Candle{historyBar(6, 106, 10)})
	if _, err := p1.Advance(ctx, tradeMinute(6)); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := reg.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// The batch is folded into committed data, so re-advancing the same
	// tick finds nothing buffered.
	frame, err := p2.Advance(ctx, tradeMinute(6))
	if err != nil {
		t.Fatalf("Advance after commit: %v", err)
	}
	if !frame.IsEmpty() {
		t.Fatalf("advance after registry commit returned %d rows", frame.Len())
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	reg := newTestRegistry()
	model := &meanModel{}
	p := buildChain(t, reg, model)
	if err := p.Fit(ctx, tradeMinute(5)); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if err := p.Save(root); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restoredModel := &meanModel{}
	restoredReg := newTestRegistry()
	restored := buildChain(t, restoredReg, restoredModel)
	if err := restored.Load(ctx, root, tradeMinute(5)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !restored.FitTime().Equal(p.FitTime()) {
		t.Fatalf("restored fit time %s, want %s", restored.FitTime(), p.FitTime())
	}
	if restoredModel.count != model.count || math.Abs(restoredModel.mean-model.mean) > 1e-12 {
		t.Fatalf("restored model = %+v, want %+v", restoredModel, model)
	}

	// The restored pipeline predicts without refitting.
	restoredReg.Offer(testUID, []marketdata.Candle{historyBar(6, 106, 10)})
	preds, err := restored.Predict(ctx, tradeMinute(6))
	if err != nil {
		t.Fatalf("Predict after Load: %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("got %d predictions after restore, want 1", len(preds))
	}
}

func TestLoadReplaysRepositoryTail(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	reg := newTestRegistry()
	model := &meanModel{}
	p := buildChain(t, reg, model)
	if err := p.Fit(ctx, tradeMinute(5)); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if err := p.Save(root); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Two more bars landed in the repository after the checkpoint was cut.
	extended := append(testHistory(), historyBar(6, 106, 10), historyBar(7, 107, 10))
	restoredModel := &meanModel{}
	restored := buildChain(t, NewRegistry(&stubSource{candles: extended}, calendar.MOEX()), restoredModel)
	if err := restored.Load(ctx, root, tradeMinute(7)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// The model is updated with exactly the rows after the fit boundary.
	if restoredModel.count != model.count+2 {
		t.Fatalf("restored model saw %d rows, want %d", restoredModel.count, model.count+2)
	}
	all := []float64{
		math.Log(101.0 / 100.0),
		math.Log(103.0 / 101.0),
		math.Log(104.0 / 103.0),
		math.Log(105.0 / 104.0),
		math.Log(106.0 / 105.0),
		math.Log(107.0 / 106.0),
	}
	var wantMean float64
	for _, r := range all {
		wantMean += r / float64(len(all))
	}
	if math.Abs(restoredModel.mean-wantMean) > 1e-12 {
		t.Fatalf("restored mean = %v, want %v", restoredModel.mean, wantMean)
	}
}

func TestLoadWithoutCheckpoint(t *testing.T) {
	reg := newTestRegistry()
	p := buildChain(t, reg, &meanModel{})

	err := p.Load(context.Background(), t.TempDir(), tradeMinute(5))
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("want ErrNoCheckpoint, got %v", err)
	}
}
