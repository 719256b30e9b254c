package ingest

import (
	"time"

	"github.com/WessleyAI/fleetops/engine/anomaly"
	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/engine/priority"
)

// Outcome labels what the pipeline did with one event.
type Outcome string

const (
	OutcomeWarming   Outcome = "warming"
	OutcomeScored    Outcome = "scored"
	OutcomeTriggered Outcome = "triggered"
)

// Result is the pipeline's answer for one telemetry event. Condition and
// Priority are nil while the asset is warming up.
type Result struct {
	AssetID   string                     `json:"asset_id"`
	Outcome   Outcome                    `json:"outcome"`
	Verdict   anomaly.Verdict            `json:"verdict"`
	Condition *domain.ConditionRecord    `json:"condition,omitempty"`
	Priority  *domain.PriorityEntry      `json:"priority,omitempty"`
	Request   *domain.MaintenanceRequest `json:"maintenance_request,omitempty"`
}

// Ranking is the fleet-wide list published after each priority update.
type Ranking struct {
	Entries []domain.PriorityEntry `json:"entries"`
	Summary priority.Summary       `json:"summary"`
	At      time.Time              `json:"at"`
}

// flow is the value threaded through the stages.
type flow struct {
	event    domain.TelemetryEvent
	features domain.FeatureVector
	result   Result
}

func (f *flow) warming() bool { return f.result.Outcome == OutcomeWarming }

// lane is the per-asset state owned by the pipeline itself.
type lane struct {
	last domain.FeatureVector
}
