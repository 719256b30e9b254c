package stabling

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// Constraints are the business inputs to one planning run.
type Constraints struct {
	// RiskThreshold marks an asset at risk when its failure probability exceeds it.
	RiskThreshold float64 `yaml:"risk_threshold" json:"risk_threshold"`
	// UrgencyThreshold also marks an asset at risk when its urgency exceeds it; 0 disables.
	UrgencyThreshold float64  `yaml:"urgency_threshold" json:"urgency_threshold"`
	ServiceQuota     int      `yaml:"service_quota" json:"service_quota"`
	Committed        []string `yaml:"committed" json:"committed"`
	NeedsCleaning    []string `yaml:"needs_cleaning" json:"needs_cleaning"`
	// DefaultMoveCost is charged when no route exists between two tracks.
	DefaultMoveCost float64 `yaml:"default_move_cost" json:"default_move_cost"`
}

// DefaultConstraints returns the stock rules: risk 0.6, quota 18.
func DefaultConstraints() Constraints {
	return Constraints{
		RiskThreshold:   0.6,
		ServiceQuota:    18,
		DefaultMoveCost: 500,
	}
}

// Validate checks thresholds and quota.
func (c Constraints) Validate() error {
	if math.IsNaN(c.RiskThreshold) || c.RiskThreshold < 0 || c.RiskThreshold > 1 {
		return domain.NewValidationError("risk_threshold", fmt.Sprint(c.RiskThreshold), domain.ErrOutOfRange)
	}
	if math.IsNaN(c.UrgencyThreshold) || c.UrgencyThreshold < 0 || c.UrgencyThreshold > 100 {
		return domain.NewValidationError("urgency_threshold", fmt.Sprint(c.UrgencyThreshold), domain.ErrOutOfRange)
	}
	if c.ServiceQuota < 0 {
		return domain.NewValidationError("service_quota", fmt.Sprint(c.ServiceQuota), domain.ErrOutOfRange)
	}
	if math.IsNaN(c.DefaultMoveCost) || c.DefaultMoveCost < 0 {
		return domain.NewValidationError("default_move_cost", fmt.Sprint(c.DefaultMoveCost), domain.ErrOutOfRange)
	}
	return nil
}

// LoadConstraints reads YAML over the defaults.
func LoadConstraints(path string) (Constraints, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Constraints{}, fmt.Errorf("read constraints: %w", err)
	}
	return ParseConstraints(data)
}

// ParseConstraints decodes YAML over the defaults and validates the result.
func ParseConstraints(data []byte) (Constraints, error) {
	c := DefaultConstraints()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Constraints{}, domain.NewValidationError("constraints", "yaml", fmt.Errorf("%v: %w", err, domain.ErrInvalidInput))
	}
	if err := c.Validate(); err != nil {
		return Constraints{}, err
	}
	return c, nil
}
