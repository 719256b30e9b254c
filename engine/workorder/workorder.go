// Package workorder delivers maintenance requests to external work-order
// systems. Every sink is idempotent on the request ID, so a redelivery after
// a lost acknowledgement does not open a second order.
package workorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// ErrRejected marks a request the sink refused outright; retrying will not help.
var ErrRejected = errors.New("work order rejected")

// Sink delivers one maintenance request.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, req domain.MaintenanceRequest) error
}

// Status is a work order's lifecycle state.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "INPRG"
	StatusClosed     Status = "CLOSED"
)

// ParseStatus normalizes a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusOpen, StatusInProgress, StatusClosed:
		return st, nil
	}
	return "", domain.NewValidationError("status", s, domain.ErrOutOfRange)
}

// WorkOrder is a stored work order.
type WorkOrder struct {
	ID             int64           `json:"id"`
	RequestID      string          `json:"request_id"`
	AssetID        string          `json:"asset_id"`
	Description    string          `json:"description"`
	Priority       int             `json:"priority"`
	PriorityText   string          `json:"priority_text"`
	Status         Status          `json:"status"`
	Urgency        float64         `json:"urgency_score"`
	Severity       domain.Severity `json:"severity"`
	EstimatedHours float64         `json:"estimated_hours"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Event is published when a stored work order is created or changes status.
type Event struct {
	Type      string    `json:"event"` // created | status_changed
	WorkOrder WorkOrder `json:"work_order"`
	At        time.Time `json:"at"`
}

func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

func transient(sink string, err error) error {
	return fmt.Errorf("%s: %w: %v", sink, domain.ErrDeliveryFailure, err)
}
