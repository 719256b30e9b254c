package workorder

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/pkg/natsutil"
)

// Subjects used on the bus.
const (
	SubjectRequested  = "fleet.workorders.requested"
	SubjectDeadLetter = "fleet.workorders.dlq"
	SubjectEvents     = "fleet.workorders.events"
)

// NATSSink publishes requests for a downstream work-order service.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink publishes on subject (SubjectRequested when empty).
func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = SubjectRequested
	}
	return &NATSSink{nc: nc, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

// Deliver publishes and flushes so a dead connection surfaces as an error.
func (s *NATSSink) Deliver(ctx context.Context, req domain.MaintenanceRequest) error {
	if err := natsutil.Publish(ctx, s.nc, s.subject, req); err != nil {
		return transient(s.Name(), err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return transient(s.Name(), err)
	}
	return nil
}

// NATSDeadLetter returns a failure hook that parks undeliverable requests on subject.
func NATSDeadLetter(nc *nats.Conn, subject string, retries int) func(context.Context, domain.MaintenanceRequest, error) {
	if subject == "" {
		subject = SubjectDeadLetter
	}
	return func(ctx context.Context, req domain.MaintenanceRequest, cause error) {
		if err := natsutil.PublishDeadLetter(ctx, nc, subject, req, cause, retries); err != nil {
			slog.Error("dead-letter publish failed", "request_id", req.ID, "err", err)
		}
	}
}

// LogSink writes requests to the log. Used when no external system is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, req domain.MaintenanceRequest) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("maintenance request",
		"request_id", req.ID, "asset", req.AssetID, "priority", req.Priority,
		"priority_text", req.PriorityText, "urgency", req.Urgency, "severity", req.Severity,
		"estimated_hours", req.EstimatedHours, "justification", req.Justification)
	return nil
}
