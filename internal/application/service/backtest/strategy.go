package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"tradesim/internal/application/service/pipeline"
	instrumententity "tradesim/internal/domain/entity/instruments"
	marketdata "tradesim/internal/domain/entity/marketdata"
	"tradesim/internal/domain/entity/trading"
)

// ThresholdModel signals when the latest value deviates from the fitted mean
// by more than Width standard deviations: -1 below, +1 above, 0 inside.
// Moments are maintained incrementally so Update stays O(rows).
type ThresholdModel struct {
	Width float64

	count int64
	mean  float64
	m2    float64
}

func NewThresholdModel(width float64) *ThresholdModel {
	return &ThresholdModel{Width: width}
}

func (m *ThresholdModel) Fit(f pipeline.Frame) error {
	m.count, m.mean, m.m2 = 0, 0, 0
	return m.Update(f)
}

func (m *ThresholdModel) Update(f pipeline.Frame) error {
	if len(f.Columns) == 0 && !f.IsEmpty() {
		return errors.New("threshold model: frame has no columns")
	}
	for _, row := range f.Values {
		m.count++
		delta := row[0] - m.mean
		m.mean += delta / float64(m.count)
		m.m2 += delta * (row[0] - m.mean)
	}
	return nil
}

func (m *ThresholdModel) std() float64 {
	if m.count < 2 {
		return 0
	}
	return math.Sqrt(m.m2 / float64(m.count-1))
}

func (m *ThresholdModel) Predict(f pipeline.Frame) ([]float64, error) {
	if m.count == 0 {
		return nil, errors.New("threshold model is not fitted")
	}
	band := m.Width * m.std()
	out := make([]float64, f.Len())
	for i, row := range f.Values {
		switch {
		case row[0] > m.mean+band:
			out[i] = 1
		case row[0] < m.mean-band:
			out[i] = -1
		}
	}
	return out, nil
}

// Score reports the share of rows inside the band.
func (m *ThresholdModel) Score(f pipeline.Frame) (float64, error) {
	if f.IsEmpty() {
		return 0, nil
	}
	preds, err := m.Predict(f)
	if err != nil {
		return 0, err
	}
	inside := 0
	for _, p := range preds {
		if p == 0 {
			inside++
		}
	}
	return float64(inside) / float64(len(preds)), nil
}

type thresholdState struct {
	Width float64 `json:"width"`
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

func (m *ThresholdModel) SaveModel() ([]byte, error) {
	return json.Marshal(thresholdState{Width: m.Width, Count: m.count, Mean: m.mean, M2: m.m2})
}

func (m *ThresholdModel) LoadModel(raw []byte) error {
	var s thresholdState
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("load threshold model: %w", err)
	}
	m.Width = s.Width
	m.count = s.Count
	m.mean = s.Mean
	m.m2 = s.M2
	return nil
}

// MeanReversionStrategy trades one instrument against its pipeline's signal:
// buy one lot when returns break below the band, flatten when they break
// above it.
type MeanReversionStrategy struct {
	instrument *instrumententity.Instrument
	pipe       *pipeline.Pipeline
}

func NewMeanReversionStrategy(inst *instrumententity.Instrument, pipe *pipeline.Pipeline) *MeanReversionStrategy {
	return &MeanReversionStrategy{instrument: inst, pipe: pipe}
}

func (s *MeanReversionStrategy) Name() string {
	return "mean-reversion:" + s.instrument.Ticker
}

func (s *MeanReversionStrategy) OnTick(ctx context.Context, env *Environment) error {
	if env.Tracker().Session(s.instrument.Class) == trading.SessionClosed {
		return nil
	}

	if _, err := env.PullNewCandles(s.instrument.UID); err != nil {
		if errors.Is(err, marketdata.ErrNoNewData) {
			return nil
		}
		return err
	}

	preds, err := s.pipe.Predict(ctx, env.Now())
	if err != nil {
		return err
	}
	if len(preds) == 0 {
		return nil
	}

	signal := preds[len(preds)-1]
	position := env.Position(s.instrument.UID)
	switch {
	case signal < 0 && position == 0:
		_, err = env.PostOrder(s.instrument.UID, trading.DirectionBuy, trading.OrderTypeMarket, 1, decimal.Zero)
	case signal > 0 && position > 0:
		_, err = env.PostOrder(s.instrument.UID, trading.DirectionSell, trading.OrderTypeMarket, position, decimal.Zero)
	}
	return err
}
