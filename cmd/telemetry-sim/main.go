// Command telemetry-sim publishes synthetic trainset telemetry for fleetd,
// outputting JSON to stdout or publishing to NATS or MQTT.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/engine/ingest"
	"github.com/WessleyAI/fleetops/pkg/mqttutil"
	"github.com/WessleyAI/fleetops/pkg/natsutil"
)

func main() {
	natsURL := flag.String("nats", "", "NATS URL")
	broker := flag.String("mqtt", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	prefix := flag.String("prefix", "CR", "trainset id prefix")
	first := flag.Int("first", 101, "first trainset number")
	count := flag.Int("count", 25, "number of trainsets")
	faulty := flag.String("faulty", "CR104", "comma-separated trainsets that develop a fault")
	faultAfter := flag.Int("fault-after", 40, "readings before faulty trainsets start to drift")
	seed := flag.Uint64("seed", 1, "random seed")
	interval := flag.Duration("interval", 2*time.Second, "publish interval")
	rounds := flag.Int("rounds", 0, "rounds to publish (0 = until interrupted)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fleet := NewFleet(*prefix, *first, *count, *seed)
	fleet.FaultAfter = *faultAfter
	for _, id := range strings.Split(*faulty, ",") {
		if id = strings.TrimSpace(id); id != "" {
			fleet.Faulty[id] = true
		}
	}

	var sinks []sink
	if *natsURL != "" {
		nc, err := nats.Connect(*natsURL)
		if err != nil {
			log.Fatalf("nats connect: %v", err)
		}
		defer nc.Close()
		sinks = append(sinks, natsSink{nc})
		log.Printf("publishing to NATS subjects fleet.telemetry.<asset>")
	}
	if *broker != "" {
		c, err := mqttutil.Connect(*broker, "telemetry-sim", nil)
		if err != nil {
			log.Fatalf("mqtt connect: %v", err)
		}
		defer c.Disconnect(250)
		sinks = append(sinks, mqttSink{c})
		log.Printf("publishing to MQTT topics fleet/<asset>/telemetry")
	}
	if len(sinks) == 0 {
		sinks = append(sinks, newStdoutSink(os.Stdout))
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for round := 1; ; round++ {
		if err := publishRound(ctx, fleet, time.Now(), sinks); err != nil {
			log.Printf("publish error: %v", err)
		}
		if *rounds > 0 && round >= *rounds {
			return
		}
		select {
		case <-ctx.Done():
			log.Println("shutting down")
			return
		case <-ticker.C:
		}
	}
}

type sink interface {
	send(ctx context.Context, ev domain.TelemetryEvent) error
}

func publishRound(ctx context.Context, fleet *Fleet, at time.Time, sinks []sink) error {
	var failed int
	for _, ev := range fleet.Next(at) {
		for _, s := range sinks {
			if err := s.send(ctx, ev); err != nil {
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d publishes failed", failed)
	}
	return nil
}

// TelemetrySubject is where fleetd's default wildcard subscription picks readings up.
func TelemetrySubject(assetID string) string {
	return strings.TrimSuffix(ingest.TelemetrySubject, ">") + assetID
}

// TelemetryTopic is the MQTT topic for one asset.
func TelemetryTopic(assetID string) string {
	return strings.Replace(ingest.TelemetryTopic, "+", assetID, 1)
}

type natsSink struct{ nc *nats.Conn }

func (s natsSink) send(ctx context.Context, ev domain.TelemetryEvent) error {
	return natsutil.Publish(ctx, s.nc, TelemetrySubject(ev.AssetID), ev)
}

type mqttSink struct{ c mqtt.Client }

func (s mqttSink) send(ctx context.Context, ev domain.TelemetryEvent) error {
	return mqttutil.Publish(ctx, s.c, TelemetryTopic(ev.AssetID), ev)
}

type stdoutSink struct{ enc *json.Encoder }

func newStdoutSink(w io.Writer) stdoutSink { return stdoutSink{enc: json.NewEncoder(w)} }

func (s stdoutSink) send(_ context.Context, ev domain.TelemetryEvent) error { return s.enc.Encode(ev) }
