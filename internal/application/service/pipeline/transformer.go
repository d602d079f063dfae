package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	calendar "tradesim/internal/domain/entity/calendar"
)

// Transformer is a single feature-engineering step of a pipeline. A
// transformer may carry state fitted on historical data; such state must
// round-trip through State/Restore so a pipeline can be checkpointed.
type Transformer interface {
	// Kind is a stable identifier of the transformer type.
	Kind() string
	// Params encodes the construction parameters. Two transformers with
	// equal Kind and Params applied to the same input are interchangeable.
	Params() string
	// FitTransform processes historical data from a cold start, fitting
	// internal state as a side effect.
	FitTransform(Frame) (Frame, error)
	// Transform processes an incremental batch using previously fitted state.
	Transform(Frame) (Frame, error)
	// State serializes fitted state.
	State() ([]byte, error)
	// Restore loads fitted state produced by State.
	Restore([]byte) error
}

// Model terminates a pipeline: it consumes the fully transformed frame.
type Model interface {
	Fit(Frame) error
	Predict(Frame) ([]float64, error)
	Score(Frame) (float64, error)
	// Update incrementally refreshes the model with new rows.
	Update(Frame) error
	SaveModel() ([]byte, error)
	LoadModel([]byte) error
}

// RemoveZeroActivity drops rows with zero traded volume, typically the
// flat-filled minutes synthesized by refinement.
type RemoveZeroActivity struct{}

func (RemoveZeroActivity) Kind() string   { return "remove_zero_activity" }
func (RemoveZeroActivity) Params() string { return "" }

func (t RemoveZeroActivity) FitTransform(in Frame) (Frame, error) { return t.Transform(in) }

func (RemoveZeroActivity) Transform(in Frame) (Frame, error) {
	vol, ok := in.Col("volume")
	if !ok {
		return Frame{}, fmt.Errorf("remove_zero_activity: no volume column")
	}
	out := Frame{Columns: in.Columns}
	for i := range in.Times {
		if vol[i] == 0 {
			continue
		}
		out.Times = append(out.Times, in.Times[i])
		out.Values = append(out.Values, in.Values[i])
	}
	return out, nil
}

func (RemoveZeroActivity) State() ([]byte, error) { return nil, nil }
func (RemoveZeroActivity) Restore([]byte) error   { return nil }

// LogReturns replaces the close-price series with its log returns. The last
// seen close is carried across batches so incremental transforms produce a
// return for every row.
type LogReturns struct {
	lastClose float64
	primed    bool
}

func (*LogReturns) Kind() string   { return "log_returns" }
func (*LogReturns) Params() string { return "" }

func (t *LogReturns) FitTransform(in Frame) (Frame, error) {
	t.lastClose = 0
	t.primed = false
	return t.Transform(in)
}

func (t *LogReturns) Transform(in Frame) (Frame, error) {
	closes, ok := in.Col("close")
	if !ok {
		return Frame{}, fmt.Errorf("log_returns: no close column")
	}
	out := Frame{Columns: []string{"log_return"}}
	for i := range in.Times {
		if !t.primed {
			t.lastClose = closes[i]
			t.primed = true
			continue
		}
		out.Times = append(out.Times, in.Times[i])
		out.Values = append(out.Values, []float64{math.Log(closes[i] / t.lastClose)})
		t.lastClose = closes[i]
	}
	return out, nil
}

type logReturnsState struct {
	LastClose float64 `json:"last_close"`
	Primed    bool    `json:"primed"`
}

func (t *LogReturns) State() ([]byte, error) {
	return json.Marshal(logReturnsState{LastClose: t.lastClose, Primed: t.primed})
}

func (t *LogReturns) Restore(raw []byte) error {
	var s logReturnsState
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("restore log_returns state: %w", err)
	}
	t.lastClose = s.LastClose
	t.primed = s.Primed
	return nil
}

// Lag widens every column with its N previous values, named col_lag1..lagN.
// Rows without a full history window are dropped; the tail of the previous
// batch is buffered so incremental batches lose nothing.
type Lag struct {
	N   int
	buf [][]float64
}

func NewLag(n int) *Lag { return &Lag{N: n} }

func (t *Lag) Kind() string   { return "lag" }
func (t *Lag) Params() string { return fmt.Sprintf("n=%d", t.N) }

func (t *Lag) FitTransform(in Frame) (Frame, error) {
	t.buf = nil
	return t.Transform(in)
}

func (t *Lag) Transform(in Frame) (Frame, error) {
	cols := append([]string{}, in.Columns...)
	for lag := 1; lag <= t.N; lag++ {
		for _, c := range in.Columns {
			cols = append(cols, fmt.Sprintf("%s_lag%d", c, lag))
		}
	}
	out := Frame{Columns: cols}
	for i := range in.Times {
		if len(t.buf) >= t.N {
			row := append([]float64{}, in.Values[i]...)
			for lag := 1; lag <= t.N; lag++ {
				row = append(row, t.buf[len(t.buf)-lag]...)
			}
			out.Times = append(out.Times, in.Times[i])
			out.Values = append(out.Values, row)
		}
		t.buf = append(t.buf, in.Values[i])
		if len(t.buf) > t.N {
			t.buf = t.buf[len(t.buf)-t.N:]
		}
	}
	return out, nil
}

func (t *Lag) State() ([]byte, error) { return json.Marshal(t.buf) }

func (t *Lag) Restore(raw []byte) error {
	if err := json.Unmarshal(raw, &t.buf); err != nil {
		return fmt.Errorf("restore lag state: %w", err)
	}
	return nil
}

// RemoveSession drops rows falling inside the named exchange sessions, using
// the schedule version effective on each row's date.
type RemoveSession struct {
	schedule *calendar.Schedule
	class    calendar.InstrumentClass
	sessions []calendar.SessionName
}

func NewRemoveSession(s *calendar.Schedule, class calendar.InstrumentClass, sessions ...calendar.SessionName) *RemoveSession {
	sorted := append([]calendar.SessionName{}, sessions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &RemoveSession{schedule: s, class: class, sessions: sorted}
}

func (t *RemoveSession) Kind() string { return "remove_session" }

func (t *RemoveSession) Params() string {
	names := make([]string, len(t.sessions))
	for i, s := range t.sessions {
		names[i] = string(s)
	}
	return fmt.Sprintf("class=%s,sessions=%s", t.class, strings.Join(names, "+"))
}

func (t *RemoveSession) FitTransform(in Frame) (Frame, error) { return t.Transform(in) }

func (t *RemoveSession) Transform(in Frame) (Frame, error) {
	out := Frame{Columns: in.Columns}
	for i, ts := range in.Times {
		name, _, err := t.schedule.SessionAt(t.class, ts)
		drop := false
		if err == nil {
			for _, s := range t.sessions {
				if s == name {
					drop = true
					break
				}
			}
		}
		if drop {
			continue
		}
		out.Times = append(out.Times, in.Times[i])
		out.Values = append(out.Values, in.Values[i])
	}
	return out, nil
}

func (t *RemoveSession) State() ([]byte, error) { return nil, nil }
func (t *RemoveSession) Restore([]byte) error   { return nil }
