package trigger

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/WessleyAI/fleetops/engine/domain"
)

func entry(id string, urgency float64) domain.PriorityEntry {
	return domain.PriorityEntry{AssetID: id, Urgency: urgency, Health: 20, Severity: domain.SeverityCritical}
}

func newTrigger(t *testing.T) *Trigger {
	t.Helper()
	n := 0
	tr, err := New(DefaultThreshold,
		WithIDs(func() string { n++; return fmt.Sprintf("req-%d", n) }),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestTransition(t *testing.T) {
	tests := []struct {
		cur     Episode
		urgency float64
		next    Episode
		emit    bool
	}{
		{Below, 69.9, Below, false},
		{Below, 70, Above, true},
		{Above, 85, Above, false},
		{Above, 69.9, Below, false},
	}
	for _, tt := range tests {
		next, emit := Transition(tt.cur, tt.urgency, 70)
		if next != tt.next || emit != tt.emit {
			t.Errorf("%v@%v: expected (%v,%v), got (%v,%v)", tt.cur, tt.urgency, tt.next, tt.emit, next, emit)
		}
	}
}

func TestOneRequestPerEpisode(t *testing.T) {
	tr := newTrigger(t)
	seq := []float64{50, 72, 80, 95, 60, 71, 71}
	var emitted []int
	for i, u := range seq {
		req, err := tr.Evaluate(entry("TS-01", u))
		if err != nil {
			t.Fatal(err)
		}
		if req != nil {
			emitted = append(emitted, i)
		}
	}
	if len(emitted) != 2 || emitted[0] != 1 || emitted[1] != 5 {
		t.Fatalf("expected requests at [1 5], got %v", emitted)
	}
	if tr.State("TS-01") != Above {
		t.Fatalf("expected above, got %v", tr.State("TS-01"))
	}
}

func TestAssetsHaveIndependentEpisodes(t *testing.T) {
	tr := newTrigger(t)
	a, _ := tr.Evaluate(entry("A", 80))
	b, _ := tr.Evaluate(entry("B", 80))
	if a == nil || b == nil {
		t.Fatal("each asset should get its own request")
	}
	if a.ID == b.ID {
		t.Fatal("request ids must be unique")
	}
}

func TestRequestFields(t *testing.T) {
	tr := newTrigger(t)
	req, err := tr.Evaluate(domain.PriorityEntry{AssetID: "TS-09", Urgency: 76, Health: 20, Severity: domain.SeverityCritical})
	if err != nil || req == nil {
		t.Fatalf("expected request, got %v %v", req, err)
	}
	if req.Priority != 3 || req.PriorityText != "Medium" {
		t.Fatalf("expected priority 3/Medium, got %d/%s", req.Priority, req.PriorityText)
	}
	if req.Justification != "Auto: severity=Critical, health=20.0" {
		t.Fatalf("unexpected justification %q", req.Justification)
	}
	// 4 * 2.5 * 1.5
	if req.EstimatedHours != 15 {
		t.Fatalf("expected 15h, got %v", req.EstimatedHours)
	}
	if req.ID != "req-1" || req.CreatedAt.Year() != 2026 {
		t.Fatalf("unexpected id/time %s %v", req.ID, req.CreatedAt)
	}
}

func TestExternalPriority(t *testing.T) {
	tests := []struct {
		u    float64
		want int
	}{{0, 5}, {19.9, 5}, {20, 5}, {40, 4}, {70, 3}, {80, 2}, {99, 2}, {100, 1}, {250, 1}}
	for _, tt := range tests {
		if got := ExternalPriority(tt.u); got != tt.want {
			t.Errorf("ExternalPriority(%v): expected %d, got %d", tt.u, tt.want, got)
		}
	}
}

func TestEstimateHours(t *testing.T) {
	if h := EstimateHours(domain.SeverityLow, 50); h != 2 {
		t.Fatalf("expected 2, got %v", h)
	}
	if h := EstimateHours(domain.SeverityHigh, 95); h != 12 {
		t.Fatalf("expected 12, got %v", h)
	}
}

func TestEvaluateAtCustomThreshold(t *testing.T) {
	tr := newTrigger(t)
	req, _ := tr.EvaluateAt(entry("TS-02", 55), 50)
	if req == nil {
		t.Fatal("expected request at custom threshold")
	}
	tr.Reset("TS-02")
	if tr.State("TS-02") != Below {
		t.Fatal("reset should re-arm")
	}
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	tr := newTrigger(t)
	if _, err := tr.Evaluate(entry("", 80)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := tr.Evaluate(entry("x", math.NaN())); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if tr.State("x") != Below {
		t.Fatal("invalid input must not change state")
	}
	if _, err := New(0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
