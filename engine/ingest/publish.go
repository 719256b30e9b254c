package ingest

import (
	"context"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/pkg/mqttutil"
	"github.com/WessleyAI/fleetops/pkg/natsutil"
)

// Bus names for pipeline output.
const (
	ConditionSubjectPrefix = "fleet.condition."
	RankedSubject          = "fleet.priority.ranked"
	RankedTopic            = "fleet/priority/ranked"
)

// Publisher fans condition records and the ranking out to a bus.
type Publisher interface {
	PublishCondition(ctx context.Context, rec domain.ConditionRecord) error
	PublishRanking(ctx context.Context, r Ranking) error
}

// ConditionSubject is the NATS subject carrying an asset's condition records.
func ConditionSubject(assetID string) string {
	return ConditionSubjectPrefix + token(assetID, ".*> ")
}

// ConditionTopic is the MQTT topic carrying an asset's condition records.
func ConditionTopic(assetID string) string {
	return "fleet/" + token(assetID, "/+#") + "/condition"
}

// token replaces characters that would split or wildcard a subject level.
func token(s, reserved string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(reserved, r) {
			return '_'
		}
		return r
	}, s)
}

// NATSPublisher publishes on core NATS with trace headers.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(nc *nats.Conn) *NATSPublisher { return &NATSPublisher{nc: nc} }

func (p *NATSPublisher) PublishCondition(ctx context.Context, rec domain.ConditionRecord) error {
	return natsutil.Publish(ctx, p.nc, ConditionSubject(rec.AssetID), rec)
}

func (p *NATSPublisher) PublishRanking(ctx context.Context, r Ranking) error {
	return natsutil.Publish(ctx, p.nc, RankedSubject, r)
}

// MQTTPublisher publishes at QoS 1 to the broker the telemetry came from.
type MQTTPublisher struct {
	c mqtt.Client
}

func NewMQTTPublisher(c mqtt.Client) *MQTTPublisher { return &MQTTPublisher{c: c} }

func (p *MQTTPublisher) PublishCondition(ctx context.Context, rec domain.ConditionRecord) error {
	return mqttutil.Publish(ctx, p.c, ConditionTopic(rec.AssetID), rec)
}

func (p *MQTTPublisher) PublishRanking(ctx context.Context, r Ranking) error {
	return mqttutil.Publish(ctx, p.c, RankedTopic, r)
}
