// Package trigger turns priority updates into maintenance requests, at most
// one per continuous above-threshold episode per asset.
package trigger

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/pkg/partition"
)

// DefaultThreshold is the urgency at which an episode starts.
const DefaultThreshold = 70.0

// Episode is the per-asset trigger state.
type Episode int

const (
	Below Episode = iota
	Above
)

func (e Episode) String() string {
	if e == Above {
		return "above"
	}
	return "below"
}

// Transition is the episode state machine. emit is true only on Below -> Above.
func Transition(cur Episode, urgency, threshold float64) (next Episode, emit bool) {
	if urgency >= threshold {
		return Above, cur == Below
	}
	return Below, false
}

// Trigger keeps episode state per asset.
type Trigger struct {
	threshold float64
	states    *partition.Map[string, Episode]
	newID     func() string
	now       func() time.Time
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(t *Trigger) { t.now = now } }

// WithIDs overrides request id generation.
func WithIDs(newID func() string) Option { return func(t *Trigger) { t.newID = newID } }

// New creates a trigger firing at threshold.
func New(threshold float64, opts ...Option) (*Trigger, error) {
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) || threshold <= 0 {
		return nil, domain.NewValidationError("threshold", fmt.Sprint(threshold), domain.ErrOutOfRange)
	}
	t := &Trigger{
		threshold: threshold,
		states:    partition.New[string, Episode](nil),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Threshold returns the configured threshold.
func (t *Trigger) Threshold() float64 { return t.threshold }

// Evaluate runs EvaluateAt with the configured threshold.
func (t *Trigger) Evaluate(entry domain.PriorityEntry) (*domain.MaintenanceRequest, error) {
	return t.EvaluateAt(entry, t.threshold)
}

// EvaluateAt advances the asset's episode and returns a request on entry into
// Above, nil otherwise. The state change stands regardless of what happens to
// the request afterwards.
func (t *Trigger) EvaluateAt(entry domain.PriorityEntry, threshold float64) (*domain.MaintenanceRequest, error) {
	if err := domain.ValidateAssetID(entry.AssetID); err != nil {
		return nil, err
	}
	if math.IsNaN(entry.Urgency) || math.IsInf(entry.Urgency, 0) {
		return nil, domain.NewValidationError("urgency_score", fmt.Sprint(entry.Urgency), domain.ErrNonFinite)
	}
	var req *domain.MaintenanceRequest
	err := t.states.With(entry.AssetID, func(st *Episode) error {
		next, emit := Transition(*st, entry.Urgency, threshold)
		if emit {
			r := BuildRequest(entry, t.newID(), t.now())
			if err := domain.ValidateMaintenanceRequest(r); err != nil {
				return err
			}
			req = &r
		}
		*st = next
		return nil
	})
	return req, err
}

// State returns the asset's current episode.
func (t *Trigger) State(assetID string) Episode {
	st := Below
	t.states.Peek(assetID, func(e Episode) { st = e })
	return st
}

// Reset re-arms an asset, e.g. after its work order is closed out of band.
func (t *Trigger) Reset(assetID string) { t.states.Delete(assetID) }

// BuildRequest assembles the request for an entry that just crossed the threshold.
func BuildRequest(entry domain.PriorityEntry, id string, now time.Time) domain.MaintenanceRequest {
	p := ExternalPriority(entry.Urgency)
	return domain.MaintenanceRequest{
		ID:             id,
		AssetID:        entry.AssetID,
		Priority:       p,
		PriorityText:   PriorityText(p),
		Urgency:        entry.Urgency,
		Severity:       entry.Severity,
		Health:         entry.Health,
		Justification:  Justification(entry.Severity, entry.Health),
		EstimatedHours: EstimateHours(entry.Severity, entry.Urgency),
		CreatedAt:      now.UTC(),
	}
}

// ExternalPriority maps urgency onto the work-order scale, 1 most urgent.
func ExternalPriority(urgency float64) int {
	p := 6 - int(math.Floor(urgency/20))
	return max(1, min(5, p))
}

// PriorityText labels an external priority.
func PriorityText(p int) string {
	switch p {
	case 1:
		return "Critical"
	case 2:
		return "High"
	case 3:
		return "Medium"
	default:
		return "Low"
	}
}

// Justification is the human readable reason attached to a request.
func Justification(sev domain.Severity, health float64) string {
	return fmt.Sprintf("Auto: severity=%s, health=%.1f", sev, health)
}

var severityHours = map[domain.Severity]float64{
	domain.SeverityLow:      0.5,
	domain.SeverityMedium:   1.0,
	domain.SeverityHigh:     1.5,
	domain.SeverityCritical: 2.5,
}

const baseHours = 4

// EstimateHours sizes the labour for a request.
func EstimateHours(sev domain.Severity, urgency float64) float64 {
	m, ok := severityHours[sev]
	if !ok {
		m = 1
	}
	switch {
	case urgency > 90:
		m *= 2
	case urgency > 70:
		m *= 1.5
	}
	return baseHours * m
}
