// Package depot models a depot yard as tracks joined by switches and finds
// routes between tracks. Layouts are immutable values; a status change
// produces a new layout and, through the cache, a new graph.
package depot

import (
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// TrackType names the purpose of a track. Bay pools are built from it.
type TrackType string

const (
	TrackStabling    TrackType = "stabling"
	TrackMaintenance TrackType = "maintenance"
	TrackCleaning    TrackType = "cleaning"
	TrackMainline    TrackType = "mainline"
	TrackShunting    TrackType = "shunting"
)

// TrackStatus is the operational state of a track.
type TrackStatus string

const (
	StatusOperational TrackStatus = "OPERATIONAL"
	StatusClosed      TrackStatus = "CLOSED"
	StatusMaintenance TrackStatus = "UNDER_MAINTENANCE"
	StatusBlocked     TrackStatus = "BLOCKED"
)

var validStatuses = map[TrackStatus]bool{
	StatusOperational: true, StatusClosed: true, StatusMaintenance: true, StatusBlocked: true,
}

// ParseStatus normalizes a status string.
func ParseStatus(s string) (TrackStatus, error) {
	st := TrackStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !validStatuses[st] {
		return "", domain.NewValidationError("status", s, domain.ErrOutOfRange)
	}
	return st, nil
}

// Track is a graph node.
type Track struct {
	ID             string      `yaml:"id" json:"id"`
	Type           TrackType   `yaml:"type" json:"type"`
	Capacity       int         `yaml:"capacity" json:"capacity"`
	Status         TrackStatus `yaml:"status" json:"status"`
	DistanceMetres float64     `yaml:"distance_metres" json:"distance_metres"`
}

// Traversable reports whether trains may enter the track.
func (t Track) Traversable() bool { return t.Status == StatusOperational }

// EntryCost is the cost of moving onto the track; 1 when no distance is set.
func (t Track) EntryCost() float64 {
	if t.DistanceMetres <= 0 {
		return 1
	}
	return t.DistanceMetres
}

// Switch is a hyper-edge joining two or more tracks.
type Switch struct {
	ID     string   `yaml:"id" json:"id"`
	Tracks []string `yaml:"connects_tracks" json:"connects_tracks"`
}

// Layout is one depot's static topology.
type Layout struct {
	DepotID  string   `yaml:"depot_id" json:"depot_id"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Tracks   []Track  `yaml:"tracks" json:"tracks"`
	Switches []Switch `yaml:"switches" json:"switches"`
}

// Validate checks ids, numbers and that every switch joins at least two known tracks.
func (l Layout) Validate() error {
	if strings.TrimSpace(l.DepotID) == "" {
		return domain.NewValidationError("depot_id", l.DepotID, domain.ErrMissingField)
	}
	seen := make(map[string]bool, len(l.Tracks))
	for _, t := range l.Tracks {
		if strings.TrimSpace(t.ID) == "" {
			return domain.NewValidationError("tracks.id", t.ID, domain.ErrMissingField)
		}
		if seen[t.ID] {
			return domain.NewValidationError("tracks.id", t.ID, fmt.Errorf("duplicate track: %w", domain.ErrInvalidInput))
		}
		seen[t.ID] = true
		if t.Capacity < 0 {
			return domain.NewValidationError("tracks."+t.ID+".capacity", fmt.Sprint(t.Capacity), domain.ErrOutOfRange)
		}
		if math.IsNaN(t.DistanceMetres) || math.IsInf(t.DistanceMetres, 0) || t.DistanceMetres < 0 {
			return domain.NewValidationError("tracks."+t.ID+".distance_metres", fmt.Sprint(t.DistanceMetres), domain.ErrOutOfRange)
		}
		if !validStatuses[t.Status] {
			return domain.NewValidationError("tracks."+t.ID+".status", string(t.Status), domain.ErrOutOfRange)
		}
	}
	switches := make(map[string]bool, len(l.Switches))
	for _, s := range l.Switches {
		if strings.TrimSpace(s.ID) == "" {
			return domain.NewValidationError("switches.id", s.ID, domain.ErrMissingField)
		}
		if switches[s.ID] {
			return domain.NewValidationError("switches.id", s.ID, fmt.Errorf("duplicate switch: %w", domain.ErrInvalidInput))
		}
		switches[s.ID] = true
		distinct := make(map[string]bool, len(s.Tracks))
		for _, id := range s.Tracks {
			if !seen[id] {
				return domain.NewValidationError("switches."+s.ID, id, fmt.Errorf("unknown track: %w", domain.ErrNotFound))
			}
			distinct[id] = true
		}
		if len(distinct) < 2 {
			return domain.NewValidationError("switches."+s.ID, fmt.Sprint(s.Tracks), domain.ErrOutOfRange)
		}
	}
	return nil
}

// Track looks up a track by id.
func (l Layout) Track(id string) (Track, bool) {
	for _, t := range l.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// Available returns the operational tracks in layout order.
func (l Layout) Available() []Track {
	var out []Track
	for _, t := range l.Tracks {
		if t.Traversable() {
			out = append(out, t)
		}
	}
	return out
}

// WithTrackStatus returns a copy of the layout with one track's status changed.
func (l Layout) WithTrackStatus(trackID string, status TrackStatus) (Layout, error) {
	if !validStatuses[status] {
		return l, domain.NewValidationError("status", string(status), domain.ErrOutOfRange)
	}
	out := l.Clone()
	for i := range out.Tracks {
		if out.Tracks[i].ID == trackID {
			out.Tracks[i].Status = status
			return out, nil
		}
	}
	return l, fmt.Errorf("track %s: %w", trackID, domain.ErrNotFound)
}

// Clone deep-copies the layout.
func (l Layout) Clone() Layout {
	out := l
	out.Tracks = append([]Track(nil), l.Tracks...)
	out.Switches = make([]Switch, len(l.Switches))
	for i, s := range l.Switches {
		out.Switches[i] = Switch{ID: s.ID, Tracks: append([]string(nil), s.Tracks...)}
	}
	return out
}

// Normalize returns a copy with unset track statuses set to OPERATIONAL.
func (l Layout) Normalize() Layout {
	l = l.Clone()
	for i := range l.Tracks {
		if l.Tracks[i].Status == "" {
			l.Tracks[i].Status = StatusOperational
		}
	}
	return l
}

// Fingerprint identifies the layout version. Any change to topology, status,
// capacity or distance yields a different value.
func (l Layout) Fingerprint() uint64 {
	d := xxhash.New()
	fmt.Fprintf(d, "depot=%s\n", l.DepotID)
	for _, t := range l.Tracks {
		fmt.Fprintf(d, "t|%s|%s|%d|%s|%g\n", t.ID, t.Type, t.Capacity, t.Status, t.DistanceMetres)
	}
	for _, s := range l.Switches {
		fmt.Fprintf(d, "s|%s|%s\n", s.ID, strings.Join(s.Tracks, ","))
	}
	return d.Sum64()
}
