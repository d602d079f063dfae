package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradesim/internal/application/service/refine"
)

// node is one computation step in the shared transformer graph. Nodes
// reference each other by registry index so deduplication can re-point
// edges without chasing pointers. A node with a nil transformer is a source
// leaf producing refined candles for one instrument.
type node struct {
	id         int
	instrument uuid.UUID

	transformer Transformer
	refiner     *refine.Refiner // source leaves only

	parents  []int
	children []int
	owners   []*Pipeline

	// endTime is the right edge of the data the node has produced so far.
	endTime time.Time
	// data holds committed output; nil until first materialization.
	data *Frame
	// pending holds advanced-but-uncommitted batches, each tagged with the
	// tick it was produced for.
	pending []pendingBatch
	// rawConsumed counts live batches already pulled from the registry queue.
	rawConsumed int

	fitted bool
	dead   bool
}

func (n *node) isSource() bool { return n.transformer == nil }

// pendingBatch is one advanced-but-uncommitted output. The tag lets a shared
// node replay the batch to its other owners within the same tick without
// handing it out again on later ticks that produced nothing.
type pendingBatch struct {
	asOf  time.Time
	frame Frame
}

// key builds the structural identity of a node: what it computes, over
// which parents, for which instrument, up to which time. Equal keys mean
// interchangeable nodes.
func (r *Registry) key(n *node) string {
	var b strings.Builder
	if n.isSource() {
		b.WriteString("candles")
	} else {
		b.WriteString(n.transformer.Kind())
		b.WriteByte('{')
		b.WriteString(n.transformer.Params())
		b.WriteByte('}')
	}
	b.WriteByte('(')
	for i, p := range n.parents {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(r.key(r.nodes[p]))
	}
	b.WriteByte(')')
	b.WriteByte('@')
	b.WriteString(n.instrument.String())
	b.WriteByte('|')
	b.WriteString(n.endTime.UTC().Format(time.RFC3339))
	return b.String()
}

// compute materializes the node's full output up to asOf, recursing into
// parents first. fitBoundary, when set, trims the source data so that state
// already fitted up to that point is not refitted.
func (r *Registry) compute(ctx context.Context, n *node, fitBoundary *time.Time, asOf time.Time) (Frame, error) {
	if n.data != nil {
		return *n.data, nil
	}
	if n.endTime.IsZero() {
		n.endTime = asOf
	}

	if n.isSource() {
		refined, err := r.refinedCandles(ctx, n, asOf)
		if err != nil {
			return Frame{}, err
		}
		f := CandleFrame(refined).Between(fitBoundary, asOf)
		n.data = &f
		return f, nil
	}

	parents := make([]Frame, 0, len(n.parents))
	for _, p := range n.parents {
		pf, err := r.compute(ctx, r.nodes[p], fitBoundary, asOf)
		if err != nil {
			return Frame{}, err
		}
		parents = append(parents, pf)
	}
	in := joinInner(parents)

	var out Frame
	var err error
	if n.fitted {
		out, err = n.transformer.Transform(in)
	} else {
		out, err = n.transformer.FitTransform(in)
		n.fitted = err == nil
	}
	if err != nil {
		return Frame{}, fmt.Errorf("node %d %s: %w", n.id, n.transformer.Kind(), err)
	}
	n.data = &out
	return out, nil
}

// advance feeds one step of fresh data through the node. The result is
// buffered as pending; Commit folds it into data. Calling advance twice for
// the same newAsOf returns the buffered batch without recomputing; a tick
// that produced no data stays empty for every owner of the node.
func (r *Registry) advance(ctx context.Context, n *node, newAsOf time.Time) (Frame, error) {
	if !n.endTime.Before(newAsOf) {
		if last := len(n.pending) - 1; last >= 0 && n.pending[last].asOf.Equal(newAsOf) {
			return n.pending[last].frame, nil
		}
		return Frame{}, nil
	}

	if n.isSource() {
		fresh, err := r.consumeLive(n, newAsOf)
		if err != nil {
			return Frame{}, err
		}
		n.endTime = newAsOf
		if fresh.IsEmpty() {
			return Frame{}, nil
		}
		n.pending = append(n.pending, pendingBatch{asOf: newAsOf, frame: fresh})
		return fresh, nil
	}

	parents := make([]Frame, 0, len(n.parents))
	for _, p := range n.parents {
		pf, err := r.advance(ctx, r.nodes[p], newAsOf)
		if err != nil {
			return Frame{}, err
		}
		parents = append(parents, pf)
	}
	n.endTime = newAsOf
	for _, pf := range parents {
		if pf.IsEmpty() {
			return Frame{}, nil
		}
	}

	out, err := n.transformer.Transform(joinInner(parents))
	if err != nil {
		return Frame{}, fmt.Errorf("node %d %s: %w", n.id, n.transformer.Kind(), err)
	}
	if out.IsEmpty() {
		return Frame{}, nil
	}
	n.pending = append(n.pending, pendingBatch{asOf: newAsOf, frame: out})
	return out, nil
}

// commit folds pending batches into the committed data.
func (n *node) commit() error {
	if len(n.pending) == 0 {
		return nil
	}
	if n.data == nil {
		n.data = &Frame{}
	}
	for _, b := range n.pending {
		if err := n.data.Append(b.frame); err != nil {
			return fmt.Errorf("commit node %d: %w", n.id, err)
		}
	}
	n.pending = nil
	return nil
}

func (n *node) addChild(id int) {
	for _, c := range n.children {
		if c == id {
			return
		}
	}
	n.children = append(n.children, id)
}

func (n *node) addOwner(p *Pipeline) {
	for _, o := range n.owners {
		if o == p {
			return
		}
	}
	n.owners = append(n.owners, p)
}
