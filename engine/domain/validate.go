package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const maxAssetIDLength = 64

// ValidateAssetID checks an opaque trainset identifier.
func ValidateAssetID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return NewValidationError("asset_id", id, ErrEmptyAssetID)
	}
	if trimmed != id {
		return NewValidationError("asset_id", id, ErrInvalidInput)
	}
	if utf8.RuneCountInString(id) > maxAssetIDLength {
		return NewValidationError("asset_id", id, ErrAssetIDTooLong)
	}
	return nil
}

// NewFeatureVector validates arity and finiteness and returns a private copy.
func NewFeatureVector(values ...float64) (FeatureVector, error) {
	fv := FeatureVector(values)
	if err := fv.Validate(); err != nil {
		return nil, err
	}
	out := make(FeatureVector, len(values))
	copy(out, values)
	return out, nil
}

// Validate checks arity and that every component is finite.
func (f FeatureVector) Validate() error {
	if len(f) != FeatureArity {
		return NewValidationError("features", strconv.Itoa(len(f)), ErrFeatureArity)
	}
	for i, v := range f {
		if !finite(v) {
			return NewValidationError(fmt.Sprintf("features[%d]", i), fmt.Sprint(v), ErrNonFinite)
		}
	}
	return nil
}

// Clone returns an independent copy.
func (f FeatureVector) Clone() FeatureVector {
	out := make(FeatureVector, len(f))
	copy(out, f)
	return out
}

// ValidateTelemetry checks the envelope of a telemetry event. Sensor presence is
// checked when features are extracted.
func ValidateTelemetry(ev TelemetryEvent) error {
	if err := ValidateAssetID(ev.AssetID); err != nil {
		return err
	}
	if len(ev.Sensors) == 0 {
		return NewValidationError("sensors", "", ErrMissingField)
	}
	for name, v := range ev.Sensors {
		if !finite(v) {
			return NewValidationError("sensors."+name, fmt.Sprint(v), ErrNonFinite)
		}
	}
	if ev.Criticality != nil && !nonNegative(*ev.Criticality) {
		return NewValidationError("criticality", fmt.Sprint(*ev.Criticality), ErrOutOfRange)
	}
	if ev.TimeSinceMaintenance != nil && !nonNegative(*ev.TimeSinceMaintenance) {
		return NewValidationError("time_since_maint", fmt.Sprint(*ev.TimeSinceMaintenance), ErrOutOfRange)
	}
	return nil
}

// Features extracts the detector's feature vector from the named sensor readings.
func (ev TelemetryEvent) Features() (FeatureVector, error) {
	if err := ValidateTelemetry(ev); err != nil {
		return nil, err
	}
	get := func(name string) (float64, error) {
		v, ok := ev.Sensors[name]
		if !ok {
			return 0, NewValidationError("sensors", name, ErrMissingSensor)
		}
		return v, nil
	}
	names := []string{SensorVibrationAxle1, SensorVibrationAxle2, SensorBearingTemp, SensorMotorTemp, SensorDoorMotorCurrent}
	vals := make([]float64, len(names))
	for i, n := range names {
		v, err := get(n)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	vib := math.Hypot(vals[0], vals[1])
	return NewFeatureVector(vib, vals[2], vals[3], vals[4])
}

// NewConditionRecord validates and builds a condition record. Severity must be
// the one SeverityFor assigns to health.
func NewConditionRecord(assetID string, health float64, sev Severity, criticality, sinceMaint float64, anomalous bool, ts time.Time) (ConditionRecord, error) {
	if err := ValidateAssetID(assetID); err != nil {
		return ConditionRecord{}, err
	}
	if !finite(health) || health < 0 || health > 100 {
		return ConditionRecord{}, NewValidationError("health_score", fmt.Sprint(health), ErrOutOfRange)
	}
	if !ValidSeverities[sev] {
		return ConditionRecord{}, NewValidationError("severity", string(sev), ErrUnknownSeverity)
	}
	if SeverityFor(health) != sev {
		return ConditionRecord{}, NewValidationError("severity", string(sev), ErrOutOfRange)
	}
	if !nonNegative(criticality) {
		return ConditionRecord{}, NewValidationError("criticality", fmt.Sprint(criticality), ErrOutOfRange)
	}
	if !nonNegative(sinceMaint) {
		return ConditionRecord{}, NewValidationError("time_since_maint", fmt.Sprint(sinceMaint), ErrOutOfRange)
	}
	return ConditionRecord{
		AssetID:              assetID,
		Health:               health,
		Severity:             sev,
		Criticality:          criticality,
		TimeSinceMaintenance: sinceMaint,
		Anomalous:            anomalous,
		Timestamp:            ts,
	}, nil
}

// ValidateMaintenanceRequest checks a request before it leaves the core.
func ValidateMaintenanceRequest(r MaintenanceRequest) error {
	if r.ID == "" {
		return NewValidationError("id", "", ErrMissingField)
	}
	if err := ValidateAssetID(r.AssetID); err != nil {
		return err
	}
	if r.Priority < 1 || r.Priority > 5 {
		return NewValidationError("priority", strconv.Itoa(r.Priority), ErrOutOfRange)
	}
	if strings.TrimSpace(r.Justification) == "" {
		return NewValidationError("justification", "", ErrMissingField)
	}
	return nil
}

// ParseSeverity parses a severity label, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	for sev := range ValidSeverities {
		if strings.EqualFold(string(sev), strings.TrimSpace(s)) {
			return sev, nil
		}
	}
	return "", NewValidationError("severity", s, ErrUnknownSeverity)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func nonNegative(v float64) bool { return finite(v) && v >= 0 }
