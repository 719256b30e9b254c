package depot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// ErrExists is returned when creating a depot that is already stored.
var ErrExists = errors.New("depot already exists")

// Store persists layouts.
type Store interface {
	Load(ctx context.Context, depotID string) (Layout, error)
	Create(ctx context.Context, l Layout) error
	UpdateTrackStatus(ctx context.Context, depotID, trackID string, status TrackStatus) error
	Delete(ctx context.Context, depotID string) error
}

var depotIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func checkDepotID(id string) error {
	if !depotIDPattern.MatchString(id) {
		return domain.NewValidationError("depot_id", id, domain.ErrOutOfRange)
	}
	return nil
}

// LoadFile reads a single layout from a YAML file.
func LoadFile(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("read layout: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML layout.
func Parse(data []byte) (Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Layout{}, domain.NewValidationError("layout", "yaml", fmt.Errorf("%v: %w", err, domain.ErrInvalidInput))
	}
	l = l.Normalize()
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// FileStore keeps one YAML file per depot in Dir.
type FileStore struct {
	Dir string
}

func (s FileStore) path(depotID string) string {
	return filepath.Join(s.Dir, depotID+".yaml")
}

func (s FileStore) Load(_ context.Context, depotID string) (Layout, error) {
	if err := checkDepotID(depotID); err != nil {
		return Layout{}, err
	}
	l, err := LoadFile(s.path(depotID))
	if errors.Is(err, os.ErrNotExist) {
		return Layout{}, fmt.Errorf("depot %s: %w", depotID, domain.ErrNotFound)
	}
	return l, err
}

func (s FileStore) Create(_ context.Context, l Layout) error {
	if err := checkDepotID(l.DepotID); err != nil {
		return err
	}
	if err := l.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(s.path(l.DepotID)); err == nil {
		return fmt.Errorf("depot %s: %w", l.DepotID, ErrExists)
	}
	return s.write(l)
}

func (s FileStore) UpdateTrackStatus(ctx context.Context, depotID, trackID string, status TrackStatus) error {
	l, err := s.Load(ctx, depotID)
	if err != nil {
		return err
	}
	next, err := l.WithTrackStatus(trackID, status)
	if err != nil {
		return err
	}
	return s.write(next)
}

func (s FileStore) Delete(_ context.Context, depotID string) error {
	if err := checkDepotID(depotID); err != nil {
		return err
	}
	err := os.Remove(s.path(depotID))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("depot %s: %w", depotID, domain.ErrNotFound)
	}
	return err
}

// write replaces the file atomically.
func (s FileStore) write(l Layout) error {
	data, err := yaml.Marshal(l)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, "."+l.DepotID+"-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(l.DepotID))
}

var _ Store = FileStore{}
