package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/WessleyAI/fleetops/engine/domain"
)

// baseline is a healthy trainset's mean reading per sensor.
var baseline = map[string]float64{
	domain.SensorVibrationAxle1:   0.0035,
	domain.SensorVibrationAxle2:   0.0030,
	domain.SensorBearingTemp:      42,
	domain.SensorMotorTemp:        48,
	domain.SensorDoorMotorCurrent: 3.8,
}

// jitter is the relative standard deviation applied around the baseline.
const jitter = 0.03

// Fleet generates readings for a fixed set of trainsets. Faulty assets drift
// away from the baseline once FaultAfter readings have been produced.
type Fleet struct {
	Assets     []string
	Faulty     map[string]bool
	FaultAfter int

	rng  *rand.Rand
	tick int
}

// NewFleet names trainsets prefix+first .. prefix+(first+n-1).
func NewFleet(prefix string, first, n int, seed uint64) *Fleet {
	f := &Fleet{Faulty: map[string]bool{}, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	for i := 0; i < n; i++ {
		f.Assets = append(f.Assets, fmt.Sprintf("%s%d", prefix, first+i))
	}
	return f
}

// Next returns one reading per asset, all stamped at.
func (f *Fleet) Next(at time.Time) []domain.TelemetryEvent {
	out := make([]domain.TelemetryEvent, 0, len(f.Assets))
	for _, id := range f.Assets {
		out = append(out, f.reading(id, at))
	}
	f.tick++
	return out
}

func (f *Fleet) reading(id string, at time.Time) domain.TelemetryEvent {
	sensors := make(map[string]float64, len(baseline))
	for name, mean := range baseline {
		sensors[name] = math.Max(0, mean*(1+jitter*f.rng.NormFloat64()))
	}
	if f.Faulty[id] && f.tick >= f.FaultAfter {
		// bearing failure signature: vibration and heat climb together
		drift := float64(f.tick-f.FaultAfter+1) / 5
		sensors[domain.SensorVibrationAxle1] *= 1 + 4*drift
		sensors[domain.SensorBearingTemp] += 12 * drift
		sensors[domain.SensorMotorTemp] += 6 * drift
	}
	return domain.TelemetryEvent{AssetID: id, Timestamp: at.UTC(), Sensors: sensors}
}
