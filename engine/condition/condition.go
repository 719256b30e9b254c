// Package condition turns a detector verdict and the raw features into a
// health score and severity for one telemetry event.
package condition

import (
	"fmt"
	"math"
	"time"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// Weights are the penalty terms of the health formula.
type Weights struct {
	Vibration       float64 // per unit of vibration RMS
	BearingBaseline float64 // degrees C before bearing penalty applies
	Bearing         float64
	MotorBaseline   float64
	Motor           float64
	AnomalyHealth   float64 // health forced on an anomalous verdict
}

// DefaultWeights are the calibrated fleet constants.
var DefaultWeights = Weights{
	Vibration:       1000,
	BearingBaseline: 50,
	Bearing:         1.2,
	MotorBaseline:   55,
	Motor:           0.8,
	AnomalyHealth:   20,
}

// Scorer computes ConditionRecords.
type Scorer struct {
	w        Weights
	profiles ProfileSource
	now      func() time.Time
}

// NewScorer creates a scorer. profiles may be nil, in which case fleet defaults apply.
func NewScorer(w Weights, profiles ProfileSource) *Scorer {
	if profiles == nil {
		profiles = StaticProfiles{}
	}
	return &Scorer{w: w, profiles: profiles, now: time.Now}
}

// Health applies the penalty formula, clamped to [0,100] and rounded to one decimal.
func (s *Scorer) Health(fv domain.FeatureVector) float64 {
	penalty := fv[domain.FeatVibrationRMS]*s.w.Vibration +
		math.Max(0, fv[domain.FeatBearingTemp]-s.w.BearingBaseline)*s.w.Bearing +
		math.Max(0, fv[domain.FeatMotorTemp]-s.w.MotorBaseline)*s.w.Motor
	h := domain.Round1(100 - penalty)
	return math.Max(0, math.Min(100, h))
}

// Score builds the record for an asset using its profile for criticality and
// time since maintenance. A Warming state is rejected: warming assets have no verdict.
func (s *Scorer) Score(assetID string, state domain.AnomalyState, fv domain.FeatureVector) (domain.ConditionRecord, error) {
	p := s.profiles.Profile(assetID)
	return s.build(assetID, state, fv, p.Criticality, p.TimeSinceMaintenance, s.now())
}

// ScoreEvent is Score with per-event overrides and the event timestamp.
func (s *Scorer) ScoreEvent(ev domain.TelemetryEvent, state domain.AnomalyState, fv domain.FeatureVector) (domain.ConditionRecord, error) {
	p := s.profiles.Profile(ev.AssetID)
	crit, since := p.Criticality, p.TimeSinceMaintenance
	if ev.Criticality != nil {
		crit = *ev.Criticality
	}
	if ev.TimeSinceMaintenance != nil {
		since = *ev.TimeSinceMaintenance
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	return s.build(ev.AssetID, state, fv, crit, since, ts)
}

func (s *Scorer) build(assetID string, state domain.AnomalyState, fv domain.FeatureVector, crit, since float64, ts time.Time) (domain.ConditionRecord, error) {
	if err := fv.Validate(); err != nil {
		return domain.ConditionRecord{}, err
	}
	var health float64
	switch state {
	case domain.StateAnomalous:
		health = s.w.AnomalyHealth
	case domain.StateNormal:
		health = s.Health(fv)
	default:
		return domain.ConditionRecord{}, domain.NewValidationError("anomaly_state", state.String(), fmt.Errorf("no verdict: %w", domain.ErrNotWarmedUp))
	}
	return domain.NewConditionRecord(assetID, health, domain.SeverityFor(health), crit, since, state == domain.StateAnomalous, ts.UTC())
}
