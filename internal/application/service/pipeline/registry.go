package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tradesim/internal/application/service/refine"
	calendar "tradesim/internal/domain/entity/calendar"
	instrumententity "tradesim/internal/domain/entity/instruments"
	marketdata "tradesim/internal/domain/entity/marketdata"
	"tradesim/internal/domain/interfaces"
)

// ErrDeduplicationConflict is returned when two structurally identical nodes
// both hold materialized data that disagrees in shape.
var ErrDeduplicationConflict = errors.New("duplicate nodes hold conflicting data")

// Registry owns the shared transformer graph. Pipelines built against one
// registry share equivalent computation steps after Deduplicate, so a step
// appearing in many pipelines runs once per tick.
type Registry struct {
	source      interfaces.CandleSource
	schedule    *calendar.Schedule
	nodes       []*node
	instruments map[uuid.UUID]*instrumententity.Instrument
	live        map[uuid.UUID][][]marketdata.Candle
	logger      *log.Entry
}

func NewRegistry(source interfaces.CandleSource, schedule *calendar.Schedule) *Registry {
	return &Registry{
		source:      source,
		schedule:    schedule,
		instruments: make(map[uuid.UUID]*instrumententity.Instrument),
		live:        make(map[uuid.UUID][][]marketdata.Candle),
		logger:      log.WithField("component", "pipeline-registry"),
	}
}

func (r *Registry) registerInstrument(inst *instrumententity.Instrument) {
	if _, ok := r.instruments[inst.UID]; !ok {
		r.instruments[inst.UID] = inst
	}
}

// Offer appends a live batch of raw candles for an instrument. Each source
// node consumes the queue at its own pace.
func (r *Registry) Offer(uid uuid.UUID, candles []marketdata.Candle) {
	if len(candles) == 0 {
		return
	}
	r.live[uid] = append(r.live[uid], candles)
}

func (r *Registry) newSourceNode(inst *instrumententity.Instrument) *node {
	n := &node{
		id:         len(r.nodes),
		instrument: inst.UID,
		refiner:    refine.New(r.schedule, inst.Class, inst.FirstCandleDate, 0),
	}
	r.nodes = append(r.nodes, n)
	return n
}

func (r *Registry) newTransformNode(uid uuid.UUID, t Transformer, parents []int) *node {
	n := &node{
		id:          len(r.nodes),
		instrument:  uid,
		transformer: t,
		parents:     append([]int{}, parents...),
	}
	r.nodes = append(r.nodes, n)
	for _, p := range parents {
		r.nodes[p].addChild(n.id)
	}
	return n
}

// refinedCandles loads and refines the full history of a source node.
func (r *Registry) refinedCandles(ctx context.Context, n *node, asOf time.Time) ([]marketdata.Candle, error) {
	inst, ok := r.instruments[n.instrument]
	if !ok {
		return nil, fmt.Errorf("source node %d: %w", n.id, instrumententity.ErrNotFound)
	}
	raw, err := r.source.CandlesBetween(ctx, inst.UID, inst.FirstCandleDate, asOf)
	if err != nil {
		return nil, fmt.Errorf("load candles for %s: %w", inst.Ticker, err)
	}
	refined, err := n.refiner.Refine(raw, asOf)
	if err != nil {
		return nil, fmt.Errorf("refine candles for %s: %w", inst.Ticker, err)
	}
	return refined, nil
}

// consumeLive refines the queued live batches the node has not seen yet.
func (r *Registry) consumeLive(n *node, until time.Time) (Frame, error) {
	queue := r.live[n.instrument]
	if n.rawConsumed >= len(queue) {
		return Frame{}, nil
	}
	var raw []marketdata.Candle
	for _, batch := range queue[n.rawConsumed:] {
		raw = append(raw, batch...)
	}
	n.rawConsumed = len(queue)

	refined, err := n.refiner.Refine(raw, until)
	if err != nil {
		if errors.Is(err, marketdata.ErrNoHistoricalData) {
			return Frame{}, nil
		}
		return Frame{}, fmt.Errorf("refine live batch: %w", err)
	}
	return CandleFrame(refined), nil
}

// Commit folds every node's advanced batches into committed data. The
// simulation loop calls it once per tick after all pipelines consumed the
// advance.
func (r *Registry) Commit() error {
	for _, n := range r.nodes {
		if n.dead {
			continue
		}
		if err := n.commit(); err != nil {
			return err
		}
	}
	return nil
}

// Deduplicate merges structurally identical nodes across all registered
// pipelines. It is idempotent and safe to call before every materialization.
func (r *Registry) Deduplicate() error {
	for {
		merged, err := r.dedupPass()
		if err != nil {
			return err
		}
		if !merged {
			return nil
		}
	}
}

func (r *Registry) dedupPass() (bool, error) {
	seen := make(map[string]*node, len(r.nodes))
	merged := false
	for _, n := range r.nodes {
		if n.dead {
			continue
		}
		k := r.key(n)
		canonical, ok := seen[k]
		if !ok {
			seen[k] = n
			continue
		}
		surv, loser := canonical, n
		if preferable(loser, surv) {
			surv, loser = loser, surv
			seen[k] = surv
		}
		if err := r.merge(surv, loser); err != nil {
			return false, err
		}
		merged = true
	}
	return merged, nil
}

// preferable reports whether a should survive over b: materialized data
// wins, then fitted state.
func preferable(a, b *node) bool {
	if (a.data != nil) != (b.data != nil) {
		return a.data != nil
	}
	if a.fitted != b.fitted {
		return a.fitted
	}
	return false
}

func (r *Registry) merge(surv, loser *node) error {
	if surv.data != nil && loser.data != nil {
		if surv.data.Len() != loser.data.Len() || len(surv.data.Columns) != len(loser.data.Columns) {
			return fmt.Errorf("node %d vs %d: %w", surv.id, loser.id, ErrDeduplicationConflict)
		}
	}
	if len(surv.pending) == 0 {
		surv.pending = loser.pending
	}
	if surv.isSource() && loser.rawConsumed > surv.rawConsumed && surv.data == nil {
		surv.rawConsumed = loser.rawConsumed
	}

	for _, c := range loser.children {
		child := r.nodes[c]
		for i, p := range child.parents {
			if p == loser.id {
				child.parents[i] = surv.id
			}
		}
		surv.addChild(c)
	}
	for _, p := range loser.parents {
		parent := r.nodes[p]
		kept := parent.children[:0]
		for _, c := range parent.children {
			if c != loser.id {
				kept = append(kept, c)
			}
		}
		parent.children = kept
		parent.addChild(surv.id)
	}
	for _, owner := range loser.owners {
		for i, t := range owner.terminals {
			if t == loser.id {
				owner.terminals[i] = surv.id
			}
		}
		surv.addOwner(owner)
	}

	loser.dead = true
	loser.children = nil
	loser.parents = nil
	loser.owners = nil
	loser.pending = nil
	loser.data = nil

	r.logger.WithFields(log.Fields{
		"survivor": surv.id,
		"merged":   loser.id,
	}).Debug("merged duplicate pipeline nodes")
	return nil
}
