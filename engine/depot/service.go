package depot

import (
	"context"
	"fmt"
	"log/slog"
)

// Service serves route queries from cached graphs and applies layout
// changes through the store, swapping in a rebuilt snapshot afterwards.
type Service struct {
	store  Store
	cache  *Cache
	logger *slog.Logger
}

// NewService creates a Service over store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: NewCache(), logger: logger}
}

// Snapshot returns the current layout and graph, loading it on first use.
func (s *Service) Snapshot(ctx context.Context, depotID string) (*Snapshot, error) {
	if snap, ok := s.cache.Get(depotID); ok {
		return snap, nil
	}
	return s.Reload(ctx, depotID)
}

// Reload re-reads the layout from the store.
func (s *Service) Reload(ctx context.Context, depotID string) (*Snapshot, error) {
	l, err := s.store.Load(ctx, depotID)
	if err != nil {
		return nil, err
	}
	snap, err := s.cache.Put(l)
	if err != nil {
		return nil, err
	}
	s.logger.Info("depot graph loaded", "depot_id", depotID,
		"tracks", len(l.Tracks), "switches", len(l.Switches), "fingerprint", fmt.Sprintf("%016x", snap.Graph.Fingerprint()))
	return snap, nil
}

// Route finds a path between two tracks of a depot.
func (s *Service) Route(ctx context.Context, depotID, start, end string, mode Mode) (Path, error) {
	snap, err := s.Snapshot(ctx, depotID)
	if err != nil {
		return Path{}, err
	}
	return snap.Graph.Route(start, end, mode)
}

// Available lists a depot's operational tracks.
func (s *Service) Available(ctx context.Context, depotID string) ([]Track, error) {
	snap, err := s.Snapshot(ctx, depotID)
	if err != nil {
		return nil, err
	}
	return snap.Layout.Available(), nil
}

// SetTrackStatus persists a status change and rebuilds the depot graph.
func (s *Service) SetTrackStatus(ctx context.Context, depotID, trackID string, status TrackStatus) (*Snapshot, error) {
	if err := s.store.UpdateTrackStatus(ctx, depotID, trackID, status); err != nil {
		return nil, err
	}
	s.logger.Info("track status changed", "depot_id", depotID, "track_id", trackID, "status", status)
	return s.Reload(ctx, depotID)
}

// Create stores a new depot and caches its graph.
func (s *Service) Create(ctx context.Context, l Layout) (*Snapshot, error) {
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return s.cache.Put(l)
}

// Delete removes a depot from the store and the cache.
func (s *Service) Delete(ctx context.Context, depotID string) error {
	if err := s.store.Delete(ctx, depotID); err != nil {
		return err
	}
	s.cache.Drop(depotID)
	s.logger.Info("depot deleted", "depot_id", depotID)
	return nil
}
