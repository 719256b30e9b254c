// Package mileage rates component wear against configured service life.
//
// Each part's usage is expressed as a percentage of its service life and
// classified against two thresholds. A trainset with any overused part needs
// action; the rest are nominal.
package mileage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// Status classifies one part's usage.
type Status string

const (
	Overused  Status = "Overused"
	Underused Status = "Underused"
	Balanced  Status = "Balanced"
)

// Overall summarises a trainset.
type Overall string

const (
	ActionRequired Overall = "Action Required"
	Nominal        Overall = "Nominal"
)

// IDColumn is the CSV header naming the trainset.
const IDColumn = "asset_id"

// Part is one tracked component.
type Part struct {
	Name string `yaml:"name" json:"name"`
	// Column is the CSV header carrying this part's usage; defaults to Name.
	Column      string  `yaml:"column" json:"column,omitempty"`
	ServiceLife float64 `yaml:"service_life" json:"service_life"`
	Unit        string  `yaml:"unit" json:"unit,omitempty"`
}

// Config holds the service-life table and classification thresholds, both
// in percent of service life.
type Config struct {
	OverusedPercent  float64 `yaml:"overused_percent" json:"overused_percent"`
	UnderusedPercent float64 `yaml:"underused_percent" json:"underused_percent"`
	Parts            []Part  `yaml:"parts" json:"parts"`
}

// DefaultConfig returns bogie 100000 km, brake pad 70000 km and HVAC 25000 h
// with thresholds 70/40.
func DefaultConfig() Config {
	return Config{
		OverusedPercent:  70,
		UnderusedPercent: 40,
		Parts: []Part{
			{Name: "bogie", Column: "Bogie_Mileage", ServiceLife: 100000, Unit: "km"},
			{Name: "brake_pad", Column: "BrakePad_Mileage", ServiceLife: 70000, Unit: "km"},
			{Name: "hvac", Column: "HVAC_Hours", ServiceLife: 25000, Unit: "h"},
		},
	}
}

// Validate checks thresholds and the part table.
func (c Config) Validate() error {
	if math.IsNaN(c.UnderusedPercent) || c.UnderusedPercent < 0 {
		return domain.NewValidationError("underused_percent", fmt.Sprint(c.UnderusedPercent), domain.ErrOutOfRange)
	}
	if math.IsNaN(c.OverusedPercent) || c.OverusedPercent < c.UnderusedPercent {
		return domain.NewValidationError("overused_percent", fmt.Sprint(c.OverusedPercent), domain.ErrOutOfRange)
	}
	if len(c.Parts) == 0 {
		return domain.NewValidationError("parts", "", domain.ErrMissingField)
	}
	seen := make(map[string]bool, len(c.Parts))
	for _, p := range c.Parts {
		if p.Name == "" {
			return domain.NewValidationError("parts.name", "", domain.ErrMissingField)
		}
		if seen[p.Name] {
			return domain.NewValidationError("parts.name", p.Name, domain.ErrInvalidInput)
		}
		seen[p.Name] = true
		if math.IsNaN(p.ServiceLife) || math.IsInf(p.ServiceLife, 0) || p.ServiceLife <= 0 {
			return domain.NewValidationError(p.Name+".service_life", fmt.Sprint(p.ServiceLife), domain.ErrOutOfRange)
		}
	}
	return nil
}

// Load reads a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read mileage config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. A parts list
// in the document replaces the default table.
func Parse(data []byte) (Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, domain.NewValidationError("mileage", "yaml", fmt.Errorf("%v: %w", err, domain.ErrInvalidInput))
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Usage is one trainset's accumulated usage, keyed by part name.
type Usage struct {
	AssetID  string             `json:"asset_id"`
	Readings map[string]float64 `json:"readings"`
}

// PartResult is one part's rating.
type PartResult struct {
	Part          string  `json:"part"`
	Unit          string  `json:"unit,omitempty"`
	UsagePercent  float64 `json:"usage_percent"`
	Status        Status  `json:"status"`
	RemainingLife float64 `json:"remaining_life"`
}

// Result is one trainset's rating; Parts follow the config order.
type Result struct {
	AssetID string       `json:"asset_id"`
	Parts   []PartResult `json:"parts"`
	Overall Overall      `json:"overall_status"`
}

// Analyzer rates usage against a validated Config.
type Analyzer struct {
	cfg Config
}

// New validates cfg.
func New(cfg Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Analyzer{cfg: cfg}, nil
}

// Config returns the analyzer's configuration.
func (a *Analyzer) Config() Config { return a.cfg }

// Analyze rates every trainset. It fails on the first invalid entry.
func (a *Analyzer) Analyze(usage []Usage) ([]Result, error) {
	out := make([]Result, 0, len(usage))
	for _, u := range usage {
		r, err := a.rate(u)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *Analyzer) rate(u Usage) (Result, error) {
	if err := domain.ValidateAssetID(u.AssetID); err != nil {
		return Result{}, err
	}
	r := Result{AssetID: u.AssetID, Parts: make([]PartResult, 0, len(a.cfg.Parts)), Overall: Nominal}
	for _, p := range a.cfg.Parts {
		v, ok := u.Readings[p.Name]
		if !ok {
			return Result{}, domain.NewValidationError(u.AssetID+"."+p.Name, "", domain.ErrMissingField)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return Result{}, domain.NewValidationError(u.AssetID+"."+p.Name, fmt.Sprint(v), domain.ErrOutOfRange)
		}
		pct := v * 100 / p.ServiceLife
		pr := PartResult{
			Part:          p.Name,
			Unit:          p.Unit,
			UsagePercent:  math.Round(pct*100) / 100,
			Status:        a.classify(pct),
			RemainingLife: math.Max(0, p.ServiceLife-v),
		}
		if pr.Status == Overused {
			r.Overall = ActionRequired
		}
		r.Parts = append(r.Parts, pr)
	}
	return r, nil
}

// classify uses the unrounded percentage; the thresholds are exclusive.
func (a *Analyzer) classify(pct float64) Status {
	switch {
	case pct > a.cfg.OverusedPercent:
		return Overused
	case pct < a.cfg.UnderusedPercent:
		return Underused
	default:
		return Balanced
	}
}

// ReadCSV parses a header row naming IDColumn and every part column, then one
// row per trainset. Extra columns are ignored.
func (a *Analyzer) ReadCSV(r io.Reader) ([]Usage, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.NewValidationError("csv", "", domain.ErrMissingField)
	}
	if err != nil {
		return nil, domain.NewValidationError("csv", "header", fmt.Errorf("%v: %w", err, domain.ErrInvalidInput))
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	idCol, ok := index[IDColumn]
	if !ok {
		return nil, domain.NewValidationError("csv."+IDColumn, "", domain.ErrMissingField)
	}
	cols := make([]int, len(a.cfg.Parts))
	for i, p := range a.cfg.Parts {
		name := p.Column
		if name == "" {
			name = p.Name
		}
		c, ok := index[name]
		if !ok {
			return nil, domain.NewValidationError("csv."+name, "", domain.ErrMissingField)
		}
		cols[i] = c
	}

	var out []Usage
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, domain.NewValidationError("csv", strconv.Itoa(line), fmt.Errorf("%v: %w", err, domain.ErrInvalidInput))
		}
		u := Usage{AssetID: strings.TrimSpace(rec[idCol]), Readings: make(map[string]float64, len(cols))}
		for i, c := range cols {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[c]), 64)
			if err != nil {
				return nil, domain.NewValidationError(fmt.Sprintf("csv.%s line %d", header[c], line), rec[c], domain.ErrInvalidInput)
			}
			u.Readings[a.cfg.Parts[i].Name] = v
		}
		out = append(out, u)
	}
}
