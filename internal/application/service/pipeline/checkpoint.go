package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrNoCheckpoint is returned when no saved state at or before the requested
// time exists.
var ErrNoCheckpoint = errors.New("no checkpoint found")

const checkpointTimeLayout = "2006-01-02_15-04-05"

type transformerRecord struct {
	Kind   string          `json:"kind"`
	Params string          `json:"params"`
	Fitted bool            `json:"fitted"`
	State  json.RawMessage `json:"state,omitempty"`
}

type checkpointFile struct {
	FitTime      time.Time           `json:"fit_time"`
	Model        json.RawMessage     `json:"model"`
	Transformers []transformerRecord `json:"transformers"`
}

// checkpointDir is the per-pipeline subdirectory under the checkpoint root.
func (p *Pipeline) checkpointDir(root string) string {
	return filepath.Join(root, sanitizeName(p.instrument.Ticker+"__"+p.dataName))
}

// Save writes the fitted model and transformer states under root. Node data
// is transient and never persisted; loading rebuilds it from the repository.
func (p *Pipeline) Save(root string) error {
	if p.model == nil {
		return fmt.Errorf("pipeline %s has no model", p.dataName)
	}
	raw, err := p.model.SaveModel()
	if err != nil {
		return fmt.Errorf("serialize model for %s: %w", p.dataName, err)
	}

	cp := checkpointFile{FitTime: p.fitTime, Model: raw}
	for _, n := range p.transformerChain() {
		state, err := n.transformer.State()
		if err != nil {
			return fmt.Errorf("serialize %s state: %w", n.transformer.Kind(), err)
		}
		cp.Transformers = append(cp.Transformers, transformerRecord{
			Kind:   n.transformer.Kind(),
			Params: n.transformer.Params(),
			Fitted: n.fitted,
			State:  state,
		})
	}

	dir := p.checkpointDir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	payload, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	name := p.fitTime.UTC().Format(checkpointTimeLayout) + ".json"
	if err := os.WriteFile(filepath.Join(dir, name), payload, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	log.WithFields(log.Fields{
		"pipeline": p.dataName,
		"ticker":   p.instrument.Ticker,
		"file":     name,
	}).Info("saved pipeline checkpoint")
	return nil
}

// listCheckpoints returns saved fit times sorted ascending.
func (p *Pipeline) listCheckpoints(root string) ([]time.Time, error) {
	entries, err := os.ReadDir(p.checkpointDir(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var times []time.Time
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		if name == e.Name() {
			continue
		}
		t, err := time.ParseInLocation(checkpointTimeLayout, name, time.UTC)
		if err != nil {
			continue
		}
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times, nil
}

// Load restores the newest checkpoint not after asOf and replays repository
// data over (fit time, asOf] through the model so the pipeline resumes as if
// it had never stopped.
func (p *Pipeline) Load(ctx context.Context, root string, asOf time.Time) error {
	if p.model == nil {
		return fmt.Errorf("pipeline %s has no model", p.dataName)
	}
	times, err := p.listCheckpoints(root)
	if err != nil {
		return err
	}
	var pick time.Time
	next := time.Time{}
	for _, t := range times {
		if !t.After(asOf) {
			pick = t
		} else if next.IsZero() {
			next = t
		}
	}
	if pick.IsZero() {
		return fmt.Errorf("pipeline %s at %s: %w", p.dataName, asOf.Format(time.RFC3339), ErrNoCheckpoint)
	}

	name := pick.UTC().Format(checkpointTimeLayout) + ".json"
	raw, err := os.ReadFile(filepath.Join(p.checkpointDir(root), name))
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	var cp checkpointFile
	if err := json.Unmarshal(raw, &cp); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", name, err)
	}

	chain := p.transformerChain()
	if len(chain) != len(cp.Transformers) {
		return fmt.Errorf("checkpoint %s has %d transformer states, pipeline has %d", name, len(cp.Transformers), len(chain))
	}
	for i, rec := range cp.Transformers {
		n := chain[i]
		if n.transformer.Kind() != rec.Kind || n.transformer.Params() != rec.Params {
			return fmt.Errorf("checkpoint %s step %d is %s{%s}, pipeline has %s{%s}",
				name, i, rec.Kind, rec.Params, n.transformer.Kind(), n.transformer.Params())
		}
		if len(rec.State) > 0 {
			if err := n.transformer.Restore(rec.State); err != nil {
				return err
			}
		}
		n.fitted = rec.Fitted
	}
	if err := p.model.LoadModel(cp.Model); err != nil {
		return fmt.Errorf("load model for %s: %w", p.dataName, err)
	}
	p.fitTime = cp.FitTime
	p.nextCheckpoint = next

	// Replay what the repository accumulated after the checkpoint was cut.
	fitBoundary := p.fitTime
	frame, err := p.Materialize(ctx, asOf, &fitBoundary)
	if err != nil {
		return fmt.Errorf("replay after checkpoint: %w", err)
	}
	frame = frame.Between(&fitBoundary, asOf)
	if !frame.IsEmpty() {
		if err := p.model.Update(frame); err != nil {
			return fmt.Errorf("replay model update: %w", err)
		}
	}
	log.WithFields(log.Fields{
		"pipeline": p.dataName,
		"ticker":   p.instrument.Ticker,
		"file":     name,
		"replayed": frame.Len(),
	}).Info("restored pipeline checkpoint")
	return nil
}

// ReloadIfDue switches to the next newer checkpoint once the simulation
// clock reaches it, mirroring a periodically refitted production model.
func (p *Pipeline) ReloadIfDue(ctx context.Context, root string, current time.Time) (bool, error) {
	if p.nextCheckpoint.IsZero() || current.Before(p.nextCheckpoint) {
		return false, nil
	}
	if err := p.Load(ctx, root, current); err != nil {
		return false, err
	}
	return true, nil
}
