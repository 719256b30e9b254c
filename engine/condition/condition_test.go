package condition

import (
	"errors"
	"testing"
	"time"

	"github.com/WessleyAI/fleetops/engine/domain"
)

func TestHealthFormula(t *testing.T) {
	s := NewScorer(DefaultWeights, nil)
	tests := []struct {
		name string
		fv   domain.FeatureVector
		want float64
	}{
		{"cool and quiet", domain.FeatureVector{0.005, 45, 50, 4}, 95},
		// 100 - (10 + 10*1.2 + 10*0.8) = 70
		{"warm", domain.FeatureVector{0.01, 60, 65, 4}, 70},
		{"clamped low", domain.FeatureVector{0.2, 90, 90, 4}, 0},
		{"no bonus below baseline", domain.FeatureVector{0, 10, 10, 4}, 100},
		// 100 - (3.3 + 1.2*1.25) = 95.2
		{"rounded", domain.FeatureVector{0.0033, 51.25, 40, 4}, 95.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Health(tt.fv); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestScoreAnomalyOverride(t *testing.T) {
	s := NewScorer(DefaultWeights, nil)
	rec, err := s.Score("TS-01", domain.StateAnomalous, domain.FeatureVector{0.001, 40, 40, 4})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Health != 20 || rec.Severity != domain.SeverityCritical || !rec.Anomalous {
		t.Fatalf("expected forced health 20/Critical, got %+v", rec)
	}
	if rec.Criticality != DefaultCriticality || rec.TimeSinceMaintenance != DefaultTimeSinceMaintenance {
		t.Fatalf("expected default profile, got %+v", rec)
	}
}

func TestScoreRejectsWarming(t *testing.T) {
	s := NewScorer(DefaultWeights, nil)
	_, err := s.Score("TS-01", domain.StateWarming, domain.FeatureVector{0.001, 40, 40, 4})
	if !errors.Is(err, domain.ErrNotWarmedUp) || !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected warming rejected, got %v", err)
	}
}

func TestScoreInvalidVector(t *testing.T) {
	s := NewScorer(DefaultWeights, nil)
	if _, err := s.Score("TS-01", domain.StateNormal, domain.FeatureVector{1}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestScoreEventOverrides(t *testing.T) {
	reg := NewRegistry(StaticProfiles{"TS-07": {Criticality: 90, TimeSinceMaintenance: 12}})
	s := NewScorer(DefaultWeights, reg)
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec, err := s.ScoreEvent(domain.TelemetryEvent{AssetID: "TS-07", Timestamp: ts}, domain.StateNormal, domain.FeatureVector{0.005, 45, 50, 4})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Criticality != 90 || rec.TimeSinceMaintenance != 12 || !rec.Timestamp.Equal(ts) {
		t.Fatalf("expected profile values, got %+v", rec)
	}
	crit := 55.0
	rec, _ = s.ScoreEvent(domain.TelemetryEvent{AssetID: "TS-07", Timestamp: ts, Criticality: &crit}, domain.StateNormal, domain.FeatureVector{0.005, 45, 50, 4})
	if rec.Criticality != 55 || rec.TimeSinceMaintenance != 12 {
		t.Fatalf("expected event override, got %+v", rec)
	}
	if rec.Severity != domain.SeverityLow || rec.Health != 95 {
		t.Fatalf("unexpected health/severity %+v", rec)
	}
}

func TestParseProfiles(t *testing.T) {
	doc := []byte("assets:\n  TS-01: {criticality: 90, time_since_maint: 12}\n  TS-02:\n    criticality: 40\n    time_since_maint: 80\n")
	p, err := ParseProfiles(doc)
	if err != nil {
		t.Fatal(err)
	}
	if p.Profile("TS-02").TimeSinceMaintenance != 80 || p.Profile("TS-01").Criticality != 90 {
		t.Fatalf("unexpected profiles %+v", p)
	}
	if p.Profile("unknown").Criticality != DefaultCriticality {
		t.Fatal("unknown assets fall back to defaults")
	}
	if _, err := ParseProfiles([]byte("assets:\n  TS-01: {criticality: -1}\n")); !errors.Is(err, domain.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := ParseProfiles([]byte("assets: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRegistrySet(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Set("TS-03", Profile{Criticality: 10, TimeSinceMaintenance: 5}); err != nil {
		t.Fatal(err)
	}
	if r.Profile("TS-03").Criticality != 10 {
		t.Fatal("expected updated profile")
	}
	if err := r.Set("", Profile{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLoadSampleProfiles(t *testing.T) {
	p, err := LoadProfiles("../../configs/profiles.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Profile("CR104"); got.Criticality != 85 || got.TimeSinceMaintenance != 80 {
		t.Errorf("CR104 profile = %+v", got)
	}
	if got := p.Profile("CR999"); got.Criticality != DefaultCriticality {
		t.Errorf("unlisted asset profile = %+v", got)
	}
}
