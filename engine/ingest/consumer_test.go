package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/pkg/natsutil"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func TestNATSConsumerEndToEnd(t *testing.T) {
	nc := startNATS(t)
	h := newHarness(t, detectorOf(domain.StateNormal))
	h.p.deps.Publishers = []Publisher{NewNATSPublisher(nc)}

	ranked := make(chan Ranking, 4)
	conds := make(chan domain.ConditionRecord, 4)
	dead := make(chan natsutil.DeadLetter[domain.TelemetryEvent], 4)
	if _, err := natsutil.Subscribe(nc, RankedSubject, natsutil.SubOpts{}, func(_ context.Context, r Ranking) error {
		ranked <- r
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := natsutil.Subscribe(nc, ConditionSubjectPrefix+">", natsutil.SubOpts{}, func(_ context.Context, rec domain.ConditionRecord) error {
		conds <- rec
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := natsutil.Subscribe(nc, DLQSubject, natsutil.SubOpts{}, func(_ context.Context, dl natsutil.DeadLetter[domain.TelemetryEvent]) error {
		dead <- dl
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	sub, err := StartConsumer(nc, "", h.p)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := natsutil.Publish(ctx, nc, "fleet.telemetry.CR101", event("CR101")); err != nil {
		t.Fatal(err)
	}
	select {
	case rec := <-conds:
		if rec.AssetID != "CR101" || rec.Health != 96 {
			t.Fatalf("condition = %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("condition record not published")
	}
	select {
	case r := <-ranked:
		if len(r.Entries) != 1 || r.Entries[0].AssetID != "CR101" {
			t.Fatalf("ranking = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ranking not published")
	}

	bad := event("CR102")
	delete(bad.Sensors, domain.SensorBearingTemp)
	if err := natsutil.Publish(ctx, nc, "fleet.telemetry.CR102", bad); err != nil {
		t.Fatal(err)
	}
	select {
	case dl := <-dead:
		if dl.Payload.AssetID != "CR102" || dl.Error == "" {
			t.Fatalf("dead letter = %+v", dl)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rejected telemetry not dead-lettered")
	}
}

func TestNATSConsumerDeadLettersGarbage(t *testing.T) {
	nc := startNATS(t)
	h := newHarness(t, detectorOf(domain.StateNormal))
	dead := make(chan natsutil.DeadLetter[string], 1)
	if _, err := natsutil.Subscribe(nc, DLQSubject, natsutil.SubOpts{}, func(_ context.Context, dl natsutil.DeadLetter[string]) error {
		dead <- dl
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := StartConsumer(nc, "", h.p); err != nil {
		t.Fatal(err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := nc.Publish("fleet.telemetry.CR101", []byte("not json")); err != nil {
		t.Fatal(err)
	}
	select {
	case dl := <-dead:
		if dl.Payload != "not json" {
			t.Fatalf("payload = %q", dl.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("garbage not dead-lettered")
	}
}

// --- MQTT ---

type doneToken struct{ ch chan struct{} }

func newToken() doneToken {
	ch := make(chan struct{})
	close(ch)
	return doneToken{ch: ch}
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{}          { return t.ch }
func (t doneToken) Error() error                   { return nil }

type mqttMessage struct {
	topic   string
	payload []byte
}

func (m mqttMessage) Duplicate() bool   { return false }
func (m mqttMessage) Qos() byte         { return 1 }
func (m mqttMessage) Retained() bool    { return false }
func (m mqttMessage) Topic() string     { return m.topic }
func (m mqttMessage) MessageID() uint16 { return 1 }
func (m mqttMessage) Payload() []byte   { return m.payload }
func (m mqttMessage) Ack()              {}

// brokerStub records publishes and hands subscribers whatever deliver sends.
type brokerStub struct {
	mu        sync.Mutex
	handler   mqtt.MessageHandler
	published []string
}

func (b *brokerStub) IsConnected() bool                       { return true }
func (b *brokerStub) IsConnectionOpen() bool                  { return true }
func (b *brokerStub) Connect() mqtt.Token                     { return newToken() }
func (b *brokerStub) Disconnect(uint)                         {}
func (b *brokerStub) Unsubscribe(...string) mqtt.Token        { return newToken() }
func (b *brokerStub) AddRoute(string, mqtt.MessageHandler)    {}
func (b *brokerStub) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (b *brokerStub) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return newToken()
}

func (b *brokerStub) Subscribe(_ string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	b.handler = cb
	b.mu.Unlock()
	return newToken()
}

func (b *brokerStub) Publish(topic string, _ byte, _ bool, _ any) mqtt.Token {
	b.mu.Lock()
	b.published = append(b.published, topic)
	b.mu.Unlock()
	return newToken()
}

func (b *brokerStub) deliver(t *testing.T, topic string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	h(b, mqttMessage{topic: topic, payload: data})
}

func (b *brokerStub) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMQTTConsumer(t *testing.T) {
	broker := &brokerStub{}
	h := newHarness(t, detectorOf(domain.StateNormal))
	h.p.deps.Publishers = []Publisher{NewMQTTPublisher(broker)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := StartMQTT(ctx, broker, "", h.p); err != nil {
		t.Fatal(err)
	}

	broker.deliver(t, "fleet/CR102/telemetry", event(""))
	want := []string{"fleet/CR102/condition", RankedTopic}
	eventually(t, "CR102 publication", func() bool { return len(broker.topics()) == 2 })
	if got := broker.topics(); got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("published %v, want %v", got, want)
	}
	if _, err := h.engine.Get("CR102"); err != nil {
		t.Fatalf("asset from topic not processed: %v", err)
	}

	// the mismatched reading is handled before the one that follows it on the same topic
	broker.deliver(t, "fleet/CR103/telemetry", event("CR999"))
	broker.deliver(t, "fleet/CR103/telemetry", event(""))
	eventually(t, "CR103", func() bool {
		_, err := h.engine.Get("CR103")
		return err == nil
	})
	if _, err := h.engine.Get("CR999"); err == nil {
		t.Fatal("event naming another asset must be dropped")
	}
	h.det.mu.Lock()
	calls := h.det.calls
	h.det.mu.Unlock()
	if calls != 2 {
		t.Fatalf("detector saw %d readings, want 2", calls)
	}
}

func TestBusNames(t *testing.T) {
	tests := []struct {
		asset, subject, topic string
	}{
		{"CR101", "fleet.condition.CR101", "fleet/CR101/condition"},
		{"CR 1.0", "fleet.condition.CR_1_0", "fleet/CR 1.0/condition"},
		{"a/b+#", "fleet.condition.a/b+#", "fleet/a_b__/condition"},
	}
	for _, tt := range tests {
		if got := ConditionSubject(tt.asset); got != tt.subject {
			t.Errorf("ConditionSubject(%q) = %q, want %q", tt.asset, got, tt.subject)
		}
		if got := ConditionTopic(tt.asset); got != tt.topic {
			t.Errorf("ConditionTopic(%q) = %q, want %q", tt.asset, got, tt.topic)
		}
	}
}
