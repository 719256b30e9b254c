// Package priority keeps the latest urgency state per asset and derives the
// fleet ranking from it.
package priority

import (
	"fmt"
	"sort"
	"sync"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// Weights of the urgency formula. They sum to 1.
type Weights struct {
	Health      float64
	Criticality float64
	SinceMaint  float64
	Severity    float64
}

// DefaultWeights let health dominate with severity and criticality as amplifiers.
var DefaultWeights = Weights{Health: 0.45, Criticality: 0.20, SinceMaint: 0.15, Severity: 0.20}

// Urgency bands used by Summary.
const (
	HighUrgency   = 70
	MediumUrgency = 40
)

// Urgency computes the weighted score, rounded to one decimal.
func (w Weights) Urgency(health float64, sev domain.Severity, criticality, sinceMaint float64) float64 {
	u := w.Health*(100-health) +
		w.Criticality*criticality +
		w.SinceMaint*sinceMaint +
		w.Severity*sev.Value()
	return domain.Round1(u)
}

// Engine holds one PriorityEntry per asset. Entries are replaced, never mutated.
type Engine struct {
	w       Weights
	mu      sync.RWMutex
	entries map[string]domain.PriorityEntry
}

// NewEngine creates an engine with the given weights.
func NewEngine(w Weights) *Engine {
	return &Engine{w: w, entries: make(map[string]domain.PriorityEntry)}
}

// Update computes the entry for rec and replaces the asset's previous one.
func (e *Engine) Update(rec domain.ConditionRecord) (domain.PriorityEntry, error) {
	if err := domain.ValidateAssetID(rec.AssetID); err != nil {
		return domain.PriorityEntry{}, err
	}
	if !domain.ValidSeverities[rec.Severity] {
		return domain.PriorityEntry{}, domain.NewValidationError("severity", string(rec.Severity), domain.ErrUnknownSeverity)
	}
	if rec.Health < 0 || rec.Health > 100 {
		return domain.PriorityEntry{}, domain.NewValidationError("health_score", fmt.Sprint(rec.Health), domain.ErrOutOfRange)
	}
	entry := domain.PriorityEntry{
		AssetID:              rec.AssetID,
		Health:               rec.Health,
		Severity:             rec.Severity,
		Criticality:          rec.Criticality,
		TimeSinceMaintenance: rec.TimeSinceMaintenance,
		Urgency:              e.w.Urgency(rec.Health, rec.Severity, rec.Criticality, rec.TimeSinceMaintenance),
		Timestamp:            rec.Timestamp,
	}
	e.mu.Lock()
	e.entries[rec.AssetID] = entry
	e.mu.Unlock()
	return entry, nil
}

// Get returns the latest entry for an asset.
func (e *Engine) Get(assetID string) (domain.PriorityEntry, error) {
	e.mu.RLock()
	entry, ok := e.entries[assetID]
	e.mu.RUnlock()
	if !ok {
		return domain.PriorityEntry{}, fmt.Errorf("priority %s: %w", assetID, domain.ErrNotFound)
	}
	return entry, nil
}

// Rank returns all entries by urgency descending, then asset ID ascending.
func (e *Engine) Rank() []domain.PriorityEntry {
	e.mu.RLock()
	out := make([]domain.PriorityEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		out = append(out, entry)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Urgency != out[j].Urgency {
			return out[i].Urgency > out[j].Urgency
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out
}

// Remove drops an asset, e.g. when it is withdrawn from the fleet.
func (e *Engine) Remove(assetID string) {
	e.mu.Lock()
	delete(e.entries, assetID)
	e.mu.Unlock()
}

// Summary counts assets per urgency band.
type Summary struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
	Total  int `json:"total"`
}

// Summarize buckets entries: high >= 70, medium >= 40, low below.
func Summarize(entries []domain.PriorityEntry) Summary {
	s := Summary{Total: len(entries)}
	for _, e := range entries {
		switch {
		case e.Urgency >= HighUrgency:
			s.High++
		case e.Urgency >= MediumUrgency:
			s.Medium++
		default:
			s.Low++
		}
	}
	return s
}

// Summary summarizes the current state.
func (e *Engine) Summary() Summary { return Summarize(e.Rank()) }
