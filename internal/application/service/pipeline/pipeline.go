package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	instrumententity "tradesim/internal/domain/entity/instruments"
)

// Pipeline is one instrument's chain of transformers terminated by a model.
// The nodes themselves live in the registry and may be shared with other
// pipelines; the pipeline tracks only its terminal nodes and the model.
type Pipeline struct {
	reg        *Registry
	instrument *instrumententity.Instrument

	terminals []int
	model     Model
	dataName  string

	endTime        time.Time
	fitTime        time.Time
	nextCheckpoint time.Time
}

// NewPipeline starts an empty pipeline for an instrument. Steps are attached
// with AddNodes.
func (r *Registry) NewPipeline(inst *instrumententity.Instrument) *Pipeline {
	r.registerInstrument(inst)
	return &Pipeline{reg: r, instrument: inst}
}

// AddNodes chains steps onto the current terminals. Each Transformer becomes
// a new node; a Model may appear only as the final step.
func (p *Pipeline) AddNodes(steps ...any) (*Pipeline, error) {
	if len(p.terminals) == 0 {
		src := p.reg.newSourceNode(p.instrument)
		src.addOwner(p)
		p.terminals = []int{src.id}
		p.dataName = "candles"
	}
	for i, step := range steps {
		switch s := step.(type) {
		case Transformer:
			n := p.reg.newTransformNode(p.instrument.UID, s, p.terminals)
			n.addOwner(p)
			p.terminals = []int{n.id}
			p.dataName = p.dataName + "__" + s.Kind()
		case Model:
			if i != len(steps)-1 {
				return nil, fmt.Errorf("model must be the final pipeline step, got it at position %d", i)
			}
			p.model = s
		default:
			return nil, fmt.Errorf("pipeline step %d: unsupported type %T", i, step)
		}
	}
	return p, nil
}

// Union merges another pipeline's terminals into this one so a later step
// consumes both branches side by side.
func (p *Pipeline) Union(other *Pipeline) *Pipeline {
	for _, t := range other.terminals {
		p.terminals = append(p.terminals, t)
		p.reg.nodes[t].addOwner(p)
	}
	p.dataName = p.dataName + "+" + other.dataName
	return p
}

// DataName identifies the transformer chain, e.g. "candles__log_returns__lag".
func (p *Pipeline) DataName() string { return p.dataName }

// FitTime returns the right edge of the data the model was last fitted on.
func (p *Pipeline) FitTime() time.Time { return p.fitTime }

// Materialize computes the full transformed history up to asOf. Equivalent
// nodes across pipelines are merged first, so shared prefixes compute once.
func (p *Pipeline) Materialize(ctx context.Context, asOf time.Time, fitBoundary *time.Time) (Frame, error) {
	if err := p.reg.Deduplicate(); err != nil {
		return Frame{}, err
	}
	frames := make([]Frame, 0, len(p.terminals))
	for _, t := range p.terminals {
		f, err := p.reg.compute(ctx, p.reg.nodes[t], fitBoundary, asOf)
		if err != nil {
			return Frame{}, fmt.Errorf("materialize %s: %w", p.dataName, err)
		}
		frames = append(frames, f)
	}
	p.endTime = asOf
	return joinInner(frames), nil
}

// Advance pushes live data through the chain up to newAsOf and returns the
// resulting new rows. A zero-row frame means no tradable data arrived.
func (p *Pipeline) Advance(ctx context.Context, newAsOf time.Time) (Frame, error) {
	frames := make([]Frame, 0, len(p.terminals))
	for _, t := range p.terminals {
		f, err := p.reg.advance(ctx, p.reg.nodes[t], newAsOf)
		if err != nil {
			return Frame{}, fmt.Errorf("advance %s: %w", p.dataName, err)
		}
		if f.IsEmpty() {
			p.endTime = newAsOf
			return Frame{}, nil
		}
		frames = append(frames, f)
	}
	p.endTime = newAsOf
	return joinInner(frames), nil
}

// Commit folds advanced batches into node data across the whole chain.
func (p *Pipeline) Commit() error {
	for _, id := range p.chain() {
		if err := p.reg.nodes[id].commit(); err != nil {
			return err
		}
	}
	return nil
}

// Fit materializes history up to asOf and fits the model on it.
func (p *Pipeline) Fit(ctx context.Context, asOf time.Time) error {
	if p.model == nil {
		return fmt.Errorf("pipeline %s has no model", p.dataName)
	}
	frame, err := p.Materialize(ctx, asOf, nil)
	if err != nil {
		return err
	}
	if err := p.model.Fit(frame); err != nil {
		return fmt.Errorf("fit %s: %w", p.dataName, err)
	}
	if !frame.IsEmpty() {
		p.fitTime = frame.LastTime()
	} else {
		p.fitTime = asOf
	}
	return nil
}

// Predict advances to newAsOf and runs the model over the new rows. Nil
// predictions with nil error mean no new data arrived.
func (p *Pipeline) Predict(ctx context.Context, newAsOf time.Time) ([]float64, error) {
	if p.model == nil {
		return nil, fmt.Errorf("pipeline %s has no model", p.dataName)
	}
	frame, err := p.Advance(ctx, newAsOf)
	if err != nil {
		return nil, err
	}
	if frame.IsEmpty() {
		return nil, nil
	}
	preds, err := p.model.Predict(frame)
	if err != nil {
		return nil, fmt.Errorf("predict %s: %w", p.dataName, err)
	}
	return preds, nil
}

// Update advances to newAsOf and refreshes the model with the new rows.
func (p *Pipeline) Update(ctx context.Context, newAsOf time.Time) error {
	if p.model == nil {
		return fmt.Errorf("pipeline %s has no model", p.dataName)
	}
	frame, err := p.Advance(ctx, newAsOf)
	if err != nil {
		return err
	}
	if frame.IsEmpty() {
		return nil
	}
	if err := p.model.Update(frame); err != nil {
		return fmt.Errorf("update %s: %w", p.dataName, err)
	}
	return nil
}

// chain returns the ids of all live nodes reachable from the terminals,
// terminal side first.
func (p *Pipeline) chain() []int {
	seen := make(map[int]bool)
	var order []int
	var walk func(id int)
	walk = func(id int) {
		if seen[id] {
			return
		}
		seen[id] = true
		order = append(order, id)
		for _, parent := range p.reg.nodes[id].parents {
			walk(parent)
		}
	}
	for _, t := range p.terminals {
		walk(t)
	}
	return order
}

// transformerChain returns the transformer-bearing nodes of the chain in the
// stable order used by checkpoints.
func (p *Pipeline) transformerChain() []*node {
	var out []*node
	for _, id := range p.chain() {
		n := p.reg.nodes[id]
		if n.transformer != nil {
			out = append(out, n)
		}
	}
	return out
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '+':
			return r
		default:
			return '_'
		}
	}, s)
}
