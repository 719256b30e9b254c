package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/engine/stabling"
)

const layoutYAML = `depot_id: D1
tracks:
  - {id: SB1, type: stabling, capacity: 1, distance_metres: 120}
  - {id: SB2, type: stabling, capacity: 1, distance_metres: 120}
  - {id: ML, type: mainline, capacity: 2, distance_metres: 400}
  - {id: IBL1, type: maintenance, capacity: 1, distance_metres: 90}
switches:
  - {id: SW1, connects_tracks: [SB1, SB2, ML]}
  - {id: SW2, connects_tracks: [ML, IBL1]}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRunPrintsPlan(t *testing.T) {
	o, err := parseFlags([]string{
		"-layout", writeFile(t, "depot.yaml", layoutYAML),
		"-quota", "1",
	}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	assets := `[
		{"asset_id":"CR101","risk":0.9,"mileage_km":1000,"current_track":"SB1"},
		{"asset_id":"CR102","risk":0.1,"mileage_km":500},
		{"asset_id":"CR103","risk":0.2,"mileage_km":800}
	]`
	var out bytes.Buffer
	if err := run(context.Background(), o, strings.NewReader(assets), &out, quiet()); err != nil {
		t.Fatal(err)
	}
	var plan stabling.Plan
	if err := json.Unmarshal(out.Bytes(), &plan); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if plan.DepotID != "D1" || len(plan.Assignments) != 3 {
		t.Fatalf("plan = %+v", plan)
	}
	got := map[string]stabling.Decision{}
	for _, a := range plan.Assignments {
		got[a.AssetID] = a.Decision
	}
	if got["CR101"] != stabling.Maintain || got["CR102"] != stabling.Run || got["CR103"] != stabling.Standby {
		t.Fatalf("decisions = %v", got)
	}
	if plan.Assignments[0].Track != "IBL1" || plan.Assignments[0].Move == nil {
		t.Fatalf("CR101 = %+v", plan.Assignments[0])
	}
}

func TestRunStrictOverflow(t *testing.T) {
	layout := writeFile(t, "depot.yaml", layoutYAML)
	assets := `[{"asset_id":"CR101","risk":0.9},{"asset_id":"CR102","risk":0.95}]`

	o, _ := parseFlags([]string{"-layout", layout}, io.Discard)
	if err := run(context.Background(), o, strings.NewReader(assets), io.Discard, quiet()); err != nil {
		t.Fatalf("overflow must only warn without -strict: %v", err)
	}
	o, _ = parseFlags([]string{"-layout", layout, "-strict"}, io.Discard)
	err := run(context.Background(), o, strings.NewReader(assets), io.Discard, quiet())
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestRunConstraintsFile(t *testing.T) {
	o, _ := parseFlags([]string{
		"-layout", writeFile(t, "depot.yaml", layoutYAML),
		"-constraints", writeFile(t, "c.yaml", "risk_threshold: 0.95\nservice_quota: 0\n"),
	}, io.Discard)
	var out bytes.Buffer
	err := run(context.Background(), o, strings.NewReader(`[{"asset_id":"CR101","risk":0.9}]`), &out, quiet())
	if err != nil {
		t.Fatal(err)
	}
	var plan stabling.Plan
	if err := json.Unmarshal(out.Bytes(), &plan); err != nil {
		t.Fatal(err)
	}
	if plan.Assignments[0].Decision != stabling.Standby {
		t.Fatalf("expected Standby under a 0.95 threshold and no quota, got %+v", plan.Assignments[0])
	}
}

func TestReadAssets(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty input", ""},
		{"empty list", "[]"},
		{"garbage", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := readAssets("-", strings.NewReader(tt.input)); !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	path := writeFile(t, "assets.json", `[{"asset_id":"CR101","risk":0.3}]`)
	assets, err := readAssets(path, nil)
	if err != nil || len(assets) != 1 || assets[0].ID != "CR101" {
		t.Fatalf("assets = %+v, err = %v", assets, err)
	}
}

func TestParseFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseFlags([]string{"-nope"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
