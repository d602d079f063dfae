package pipeline

import (
	"fmt"
	"time"

	marketdata "tradesim/internal/domain/entity/marketdata"
)

// Frame is a column-named time-indexed table: one row per timestamp, rows
// sorted ascending. It is the unit of exchange between pipeline nodes,
// transformers and models.
type Frame struct {
	Times   []time.Time
	Columns []string
	Values  [][]float64
}

// CandleColumns is the schema of a source-node frame.
var CandleColumns = []string{"open", "high", "low", "close", "volume", "day_number"}

// CandleFrame tabulates refined candles.
func CandleFrame(candles []marketdata.Candle) Frame {
	f := Frame{
		Times:   make([]time.Time, 0, len(candles)),
		Columns: CandleColumns,
		Values:  make([][]float64, 0, len(candles)),
	}
	for _, c := range candles {
		f.Times = append(f.Times, c.Time)
		f.Values = append(f.Values, []float64{c.Open, c.High, c.Low, c.Close, float64(c.Volume), float64(c.DayNumber)})
	}
	return f
}

// Len returns the number of rows.
func (f Frame) Len() int { return len(f.Times) }

// IsEmpty reports whether the frame has no rows.
func (f Frame) IsEmpty() bool { return len(f.Times) == 0 }

// Col returns the values of a named column.
func (f Frame) Col(name string) ([]float64, bool) {
	idx := -1
	for i, c := range f.Columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	out := make([]float64, len(f.Values))
	for i, row := range f.Values {
		out[i] = row[idx]
	}
	return out, true
}

// Between keeps rows with after < t <= until. A nil after means no lower
// bound; a zero until means no upper bound.
func (f Frame) Between(after *time.Time, until time.Time) Frame {
	out := Frame{Columns: f.Columns}
	for i, t := range f.Times {
		if after != nil && !t.After(*after) {
			continue
		}
		if !until.IsZero() && t.After(until) {
			continue
		}
		out.Times = append(out.Times, t)
		out.Values = append(out.Values, f.Values[i])
	}
	return out
}

// Append concatenates rows of other below f. Column sets must match.
func (f *Frame) Append(other Frame) error {
	if other.IsEmpty() {
		return nil
	}
	if len(f.Columns) == 0 {
		f.Columns = other.Columns
	}
	if len(f.Columns) != len(other.Columns) {
		return fmt.Errorf("append frame: column count mismatch %d != %d", len(f.Columns), len(other.Columns))
	}
	for i, c := range f.Columns {
		if other.Columns[i] != c {
			return fmt.Errorf("append frame: column %d mismatch %q != %q", i, c, other.Columns[i])
		}
	}
	f.Times = append(f.Times, other.Times...)
	f.Values = append(f.Values, other.Values...)
	return nil
}

// LastTime returns the timestamp of the final row.
func (f Frame) LastTime() time.Time {
	if f.IsEmpty() {
		return time.Time{}
	}
	return f.Times[len(f.Times)-1]
}

// joinInner aligns frames on their common timestamps and concatenates
// columns, the way chained parents feed one child node.
func joinInner(frames []Frame) Frame {
	if len(frames) == 0 {
		return Frame{}
	}
	if len(frames) == 1 {
		return frames[0]
	}

	common := make(map[time.Time]int, frames[0].Len())
	for _, t := range frames[0].Times {
		common[t] = 1
	}
	for _, f := range frames[1:] {
		for _, t := range f.Times {
			if _, ok := common[t]; ok {
				common[t]++
			}
		}
	}

	out := Frame{}
	for _, f := range frames {
		out.Columns = append(out.Columns, f.Columns...)
	}
	for i, t := range frames[0].Times {
		if common[t] != len(frames) {
			continue
		}
		row := append([]float64{}, frames[0].Values[i]...)
		complete := true
		for _, f := range frames[1:] {
			found := false
			for j, ft := range f.Times {
				if ft.Equal(t) {
					row = append(row, f.Values[j]...)
					found = true
					break
				}
			}
			if !found {
				complete = false
				break
			}
		}
		if complete {
			out.Times = append(out.Times, t)
			out.Values = append(out.Values, row)
		}
	}
	return out
}
