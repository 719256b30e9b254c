// Package domain defines the messages exchanged between fleet engine components
// and the validating constructors that guard them. Every cross-component value is
// built through a constructor here so malformed telemetry never reaches model state.
package domain

import (
	"math"
	"time"
)

// Sensor names carried in a telemetry event.
const (
	SensorVibrationAxle1   = "vibration_axle_1"
	SensorVibrationAxle2   = "vibration_axle_2"
	SensorBearingTemp      = "bearing_temp_1"
	SensorMotorTemp        = "motor_temp"
	SensorDoorMotorCurrent = "door_motor_current"
)

// Feature vector layout.
const (
	FeatVibrationRMS = iota
	FeatBearingTemp
	FeatMotorTemp
	FeatDoorMotorCurrent

	FeatureArity
)

// FeatureVector is an ordered tuple of sensor-derived readings for one asset at
// one instant. Index with the Feat* constants.
type FeatureVector []float64

// TelemetryEvent is one inbound reading for a trainset.
type TelemetryEvent struct {
	AssetID   string             `json:"asset_id"`
	Timestamp time.Time          `json:"timestamp"`
	Sensors   map[string]float64 `json:"sensors"`
	// Optional overrides; the asset profile supplies them otherwise.
	Criticality          *float64 `json:"criticality,omitempty"`
	TimeSinceMaintenance *float64 `json:"time_since_maint,omitempty"`
}

// Severity is the discrete condition bucket derived from a health score.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// ValidSeverities is the set of recognised severities.
var ValidSeverities = map[Severity]bool{
	SeverityLow: true, SeverityMedium: true, SeverityHigh: true, SeverityCritical: true,
}

// Value maps a severity onto the numeric scale used by the urgency formula.
func (s Severity) Value() float64 {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 40
	case SeverityHigh:
		return 70
	case SeverityCritical:
		return 100
	default:
		return 40
	}
}

// SeverityFor is the single step function from health to severity.
// Boundaries are exclusive-lower: 75 is Medium, 50 is High, 30 is Critical.
func SeverityFor(health float64) Severity {
	switch {
	case health > 75:
		return SeverityLow
	case health > 50:
		return SeverityMedium
	case health > 30:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// AnomalyState is the detector's verdict for one observation.
type AnomalyState int

const (
	StateWarming AnomalyState = iota // not enough history; not a Normal verdict
	StateNormal
	StateAnomalous
)

func (s AnomalyState) String() string {
	switch s {
	case StateWarming:
		return "warming"
	case StateNormal:
		return "normal"
	case StateAnomalous:
		return "anomalous"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s AnomalyState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name written by MarshalText.
func (s *AnomalyState) UnmarshalText(b []byte) error {
	for _, st := range []AnomalyState{StateWarming, StateNormal, StateAnomalous} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return NewValidationError("state", string(b), ErrOutOfRange)
}

// ConditionRecord is the scorer's output for one telemetry event. Immutable;
// the next record for the same asset supersedes it.
type ConditionRecord struct {
	AssetID              string    `json:"asset_id"`
	Health               float64   `json:"health_score"`
	Severity             Severity  `json:"severity"`
	Criticality          float64   `json:"criticality"`
	TimeSinceMaintenance float64   `json:"time_since_maint"`
	Anomalous            bool      `json:"anomalous"`
	Timestamp            time.Time `json:"timestamp"`
}

// PriorityEntry is the latest urgency state for one asset.
type PriorityEntry struct {
	AssetID              string    `json:"asset_id"`
	Health               float64   `json:"health_score"`
	Severity             Severity  `json:"severity"`
	Criticality          float64   `json:"criticality"`
	TimeSinceMaintenance float64   `json:"time_since_maint"`
	Urgency              float64   `json:"urgency_score"`
	Timestamp            time.Time `json:"timestamp"`
}

// MaintenanceRequest is emitted once per above-threshold episode and handed to
// a work-order sink. ID is the idempotency key sinks deduplicate on.
type MaintenanceRequest struct {
	ID             string    `json:"id"`
	AssetID        string    `json:"asset_id"`
	Priority       int       `json:"priority"` // 1 (most urgent) .. 5
	PriorityText   string    `json:"priority_text"`
	Urgency        float64   `json:"urgency_score"`
	Severity       Severity  `json:"severity"`
	Health         float64   `json:"health_score"`
	Justification  string    `json:"justification"`
	EstimatedHours float64   `json:"estimated_hours"`
	CreatedAt      time.Time `json:"created_at"`
}

// Round1 rounds half away from zero to one decimal place. Urgency and health
// are rounded at computation time so repeated reads are bit-stable.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
