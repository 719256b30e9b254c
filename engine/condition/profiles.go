package condition

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// Fleet-wide defaults when an asset has no profile.
const (
	DefaultCriticality          = 70
	DefaultTimeSinceMaintenance = 40
)

// Profile holds the slow-changing scoring inputs of an asset.
type Profile struct {
	Criticality          float64 `yaml:"criticality" json:"criticality"`
	TimeSinceMaintenance float64 `yaml:"time_since_maint" json:"time_since_maint"`
}

// ProfileSource resolves an asset's profile, falling back to defaults.
type ProfileSource interface {
	Profile(assetID string) Profile
}

// StaticProfiles is an immutable profile table.
type StaticProfiles map[string]Profile

func (s StaticProfiles) Profile(assetID string) Profile {
	if p, ok := s[assetID]; ok {
		return p
	}
	return Profile{Criticality: DefaultCriticality, TimeSinceMaintenance: DefaultTimeSinceMaintenance}
}

// Registry is a mutable profile table safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	profiles StaticProfiles
}

// NewRegistry creates a registry seeded with initial.
func NewRegistry(initial StaticProfiles) *Registry {
	r := &Registry{profiles: StaticProfiles{}}
	for k, v := range initial {
		r.profiles[k] = v
	}
	return r
}

func (r *Registry) Profile(assetID string) Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles.Profile(assetID)
}

// Set replaces an asset's profile.
func (r *Registry) Set(assetID string, p Profile) error {
	if err := domain.ValidateAssetID(assetID); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.profiles[assetID] = p
	r.mu.Unlock()
	return nil
}

func (p Profile) validate() error {
	if p.Criticality < 0 {
		return domain.NewValidationError("criticality", fmt.Sprint(p.Criticality), domain.ErrOutOfRange)
	}
	if p.TimeSinceMaintenance < 0 {
		return domain.NewValidationError("time_since_maint", fmt.Sprint(p.TimeSinceMaintenance), domain.ErrOutOfRange)
	}
	return nil
}

// LoadProfiles reads a YAML file of the form:
//
//	assets:
//	  TS-01: {criticality: 90, time_since_maint: 12}
func LoadProfiles(path string) (StaticProfiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("condition: read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes and validates a profiles document.
func ParseProfiles(data []byte) (StaticProfiles, error) {
	var doc struct {
		Assets map[string]Profile `yaml:"assets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("condition: parse profiles: %w", err)
	}
	out := make(StaticProfiles, len(doc.Assets))
	for id, p := range doc.Assets {
		if err := domain.ValidateAssetID(id); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("asset %s: %w", id, err)
		}
		out[id] = p
	}
	return out, nil
}
