package main

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.CORSOrigin != "*" {
		t.Fatalf("expected default CORS *, got %s", cfg.CORSOrigin)
	}
	if cfg.Threshold != 70 || cfg.Window != 30 || cfg.Contamination != 0.02 {
		t.Fatalf("unexpected model defaults %+v", cfg)
	}
	if cfg.DepotID != "MUTTOM" || cfg.DepotStore != "file" || cfg.WorkOrderSink != "log" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.MaximoTimeout != 10*time.Second || cfg.DispatchDrain != 10*time.Second || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.NATSSubject != "fleet.telemetry.>" || cfg.MQTTTopic != "fleet/+/telemetry" {
		t.Fatalf("unexpected bus defaults %+v", cfg)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("PRIORITY_THRESHOLD", "65.5")
	t.Setenv("WINDOW_SIZE", "48")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEPOT_STORE", "NEO4J")
	t.Setenv("WORKORDER_SINK", "http")
	t.Setenv("MAXIMO_URL", "https://maximo.example/api")
	t.Setenv("MAXIMO_TIMEOUT", "3s")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("DISPATCH_DRAIN_TIMEOUT", "30s")
	t.Setenv("MILEAGE_CONFIG_FILE", "configs/mileage.yaml")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" || cfg.Threshold != 65.5 || cfg.Window != 48 {
		t.Fatalf("overrides ignored: %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.DepotStore != "neo4j" || !cfg.MinIOUseSSL {
		t.Fatalf("overrides ignored: %+v", cfg)
	}
	if cfg.MaximoTimeout != 3*time.Second || cfg.DispatchDrain != 30*time.Second {
		t.Fatalf("timeouts = %v, %v", cfg.MaximoTimeout, cfg.DispatchDrain)
	}
	if cfg.MileageFile != "configs/mileage.yaml" {
		t.Fatalf("mileage file = %q", cfg.MileageFile)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"threshold", map[string]string{"PRIORITY_THRESHOLD": "high"}, "PRIORITY_THRESHOLD"},
		{"zero threshold", map[string]string{"PRIORITY_THRESHOLD": "0"}, "PRIORITY_THRESHOLD"},
		{"window", map[string]string{"WINDOW_SIZE": "-3"}, "WINDOW_SIZE"},
		{"timeout", map[string]string{"MAXIMO_TIMEOUT": "soon"}, "MAXIMO_TIMEOUT"},
		{"drain timeout", map[string]string{"DISPATCH_DRAIN_TIMEOUT": "later"}, "DISPATCH_DRAIN_TIMEOUT"},
		{"log level", map[string]string{"LOG_LEVEL": "chatty"}, "LOG_LEVEL"},
		{"depot store", map[string]string{"DEPOT_STORE": "s3"}, "DEPOT_STORE"},
		{"sink", map[string]string{"WORKORDER_SINK": "fax"}, "WORKORDER_SINK"},
		{"http sink", map[string]string{"WORKORDER_SINK": "http"}, "MAXIMO_URL"},
		{"postgres sink", map[string]string{"WORKORDER_SINK": "postgres"}, "DATABASE_URL"},
		{"nats sink", map[string]string{"WORKORDER_SINK": "nats"}, "NATS_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
