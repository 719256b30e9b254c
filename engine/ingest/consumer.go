package ingest

import (
	"context"
	"encoding/json"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/pkg/mqttutil"
	"github.com/WessleyAI/fleetops/pkg/natsutil"
)

const (
	// TelemetrySubject matches fleet.telemetry.<asset>.
	TelemetrySubject = "fleet.telemetry.>"
	// DLQSubject receives telemetry the pipeline rejected.
	DLQSubject = "fleet.dlq.telemetry"
	// TelemetryTopic matches fleet/<asset>/telemetry.
	TelemetryTopic = "fleet/+/telemetry"
	// QueueGroup lets fleetd replicas share the telemetry subject.
	QueueGroup = "fleetd"
)

// StartConsumer feeds NATS telemetry into the pipeline. Rejected events are
// parked on DLQSubject with the error; they are not retried since every
// pipeline failure is deterministic for a given event.
func StartConsumer(nc *nats.Conn, subject string, p *Pipeline) (*nats.Subscription, error) {
	if subject == "" {
		subject = TelemetrySubject
	}
	log := p.log.With("subject", subject)
	return natsutil.Subscribe(nc, subject, natsutil.SubOpts{
		Queue: QueueGroup,
		OnError: func(msg *nats.Msg, err error) {
			var payload any = string(msg.Data)
			if json.Valid(msg.Data) {
				payload = json.RawMessage(msg.Data)
			}
			dl := natsutil.PublishDeadLetter(context.Background(), nc, DLQSubject, payload, err, natsutil.RetryCount(msg))
			if dl != nil {
				log.Error("telemetry dead-letter failed", "err", dl)
			}
		},
	}, func(ctx context.Context, ev domain.TelemetryEvent) error {
		res, err := p.Process(ctx, "nats", ev)
		if err != nil {
			return err
		}
		log.Debug("telemetry processed", "result", res.Describe())
		return nil
	})
}

// StartMQTT feeds MQTT telemetry into the pipeline. The asset ID defaults to
// the second topic level; an event naming a different asset is rejected.
// Readings of one asset reach the pipeline in arrival order.
func StartMQTT(ctx context.Context, c mqtt.Client, filter string, p *Pipeline) error {
	if filter == "" {
		filter = TelemetryTopic
	}
	log := p.log.With("filter", filter)
	opts := mqttutil.SubOpts{
		Key: func(topic string) string { return mqttutil.Segment(topic, 1) },
		OnError: func(topic string, err error) {
			log.Warn("mqtt telemetry dropped", "topic", topic, "err", err)
		},
	}
	return mqttutil.Subscribe(ctx, c, filter, opts, func(ctx context.Context, topic string, ev domain.TelemetryEvent) error {
		asset := mqttutil.Segment(topic, 1)
		switch {
		case ev.AssetID == "":
			ev.AssetID = asset
		case ev.AssetID != asset:
			return domain.NewValidationError("asset_id", ev.AssetID, domain.ErrInvalidInput)
		}
		res, err := p.Process(ctx, "mqtt", ev)
		if err != nil {
			return err
		}
		log.Debug("telemetry processed", "result", res.Describe())
		return nil
	})
}
