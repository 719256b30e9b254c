package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/WessleyAI/fleetops/engine/condition"
	"github.com/WessleyAI/fleetops/engine/domain"
)

var at = time.Date(2026, 3, 9, 6, 0, 0, 0, time.UTC)

func TestFleetReadingsAreValid(t *testing.T) {
	f := NewFleet("CR", 101, 3, 7)
	evs := f.Next(at)
	if len(evs) != 3 || evs[0].AssetID != "CR101" || evs[2].AssetID != "CR103" {
		t.Fatalf("events = %+v", evs)
	}
	for _, ev := range evs {
		if err := domain.ValidateTelemetry(ev); err != nil {
			t.Fatalf("%s: %v", ev.AssetID, err)
		}
	}
}

func TestFleetIsDeterministic(t *testing.T) {
	a, b := NewFleet("CR", 101, 2, 42), NewFleet("CR", 101, 2, 42)
	for i := 0; i < 5; i++ {
		ea, eb := a.Next(at), b.Next(at)
		for j := range ea {
			for k, v := range ea[j].Sensors {
				if eb[j].Sensors[k] != v {
					t.Fatalf("round %d %s/%s: %v != %v", i, ea[j].AssetID, k, v, eb[j].Sensors[k])
				}
			}
		}
	}
}

func TestFaultyAssetDegrades(t *testing.T) {
	f := NewFleet("CR", 101, 4, 1)
	f.Faulty["CR104"] = true
	f.FaultAfter = 5
	scorer := condition.NewScorer(condition.DefaultWeights, nil)

	health := map[string]float64{}
	for i := 0; i < 15; i++ {
		for _, ev := range f.Next(at.Add(time.Duration(i) * time.Second)) {
			fv, err := ev.Features()
			if err != nil {
				t.Fatal(err)
			}
			health[ev.AssetID] = scorer.Health(fv)
		}
	}
	if health["CR101"] < 85 {
		t.Fatalf("healthy asset scored %.1f", health["CR101"])
	}
	if health["CR104"] > 60 {
		t.Fatalf("faulty asset still scored %.1f", health["CR104"])
	}
}

func TestBusNames(t *testing.T) {
	if got := TelemetrySubject("CR101"); got != "fleet.telemetry.CR101" {
		t.Fatalf("subject = %s", got)
	}
	if got := TelemetryTopic("CR101"); got != "fleet/CR101/telemetry" {
		t.Fatalf("topic = %s", got)
	}
}

func TestPublishRoundToStdout(t *testing.T) {
	var buf bytes.Buffer
	f := NewFleet("CR", 101, 2, 1)
	if err := publishRound(context.Background(), f, at, []sink{newStdoutSink(&buf)}); err != nil {
		t.Fatal(err)
	}
	dec := json.NewDecoder(&buf)
	var n int
	for dec.More() {
		var ev domain.TelemetryEvent
		if err := dec.Decode(&ev); err != nil {
			t.Fatal(err)
		}
		if !ev.Timestamp.Equal(at) {
			t.Fatalf("timestamp = %v", ev.Timestamp)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("decoded %d events, want 2", n)
	}
}
