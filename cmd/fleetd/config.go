package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	CORSOrigin string
	LogLevel   slog.Level

	NATSURL      string
	NATSSubject  string
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	Threshold     float64
	Window        int
	WarmupMin     int
	Contamination float64
	ProfilesFile  string

	DepotID         string
	DepotStore      string // file | neo4j
	DepotDir        string
	DepotLayoutFile string
	Neo4jURL        string
	Neo4jUser       string
	Neo4jPass       string
	Neo4jDatabase   string
	ConstraintsFile string
	MileageFile     string

	WorkOrderSink   string // http | postgres | nats | log
	MaximoURL       string
	MaximoAPIKey    string
	MaximoTimeout   time.Duration
	DatabaseURL     string
	DispatchWorkers int
	DispatchQueue   int
	DispatchRate    float64
	DispatchDrain   time.Duration

	QdrantURL        string
	QdrantCollection string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	OTelExporter string
	OTelEndpoint string
}

func loadConfig() (Config, error) {
	_ = godotenv.Load() // a missing .env is fine

	cfg := Config{
		Port:             envOr("HTTP_PORT", "8080"),
		CORSOrigin:       envOr("CORS_ORIGIN", "*"),
		NATSURL:          os.Getenv("NATS_URL"),
		NATSSubject:      envOr("NATS_TELEMETRY_SUBJECT", "fleet.telemetry.>"),
		MQTTBroker:       os.Getenv("MQTT_BROKER"),
		MQTTTopic:        envOr("MQTT_TELEMETRY_TOPIC", "fleet/+/telemetry"),
		MQTTClientID:     envOr("MQTT_CLIENT_ID", "fleetd"),
		ProfilesFile:     os.Getenv("ASSET_PROFILES_FILE"),
		DepotID:          envOr("DEPOT_ID", "MUTTOM"),
		DepotStore:       strings.ToLower(envOr("DEPOT_STORE", "file")),
		DepotDir:         envOr("DEPOT_DIR", "depots"),
		DepotLayoutFile:  os.Getenv("DEPOT_LAYOUT_FILE"),
		Neo4jURL:         envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:        envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:        envOr("NEO4J_PASS", "password"),
		Neo4jDatabase:    os.Getenv("NEO4J_DATABASE"),
		ConstraintsFile:  os.Getenv("PLANNING_CONSTRAINTS_FILE"),
		MileageFile:      os.Getenv("MILEAGE_CONFIG_FILE"),
		WorkOrderSink:    strings.ToLower(envOr("WORKORDER_SINK", "log")),
		MaximoURL:        os.Getenv("MAXIMO_URL"),
		MaximoAPIKey:     os.Getenv("MAXIMO_API_KEY"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		QdrantURL:        os.Getenv("QDRANT_URL"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "fleet_anomalies"),
		MinIOEndpoint:    os.Getenv("MINIO_ENDPOINT"),
		MinIOAccessKey:   os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey:   os.Getenv("MINIO_SECRET_KEY"),
		MinIOBucket:      envOr("MINIO_BUCKET", "fleet-plans"),
		OTelExporter:     envOr("OTEL_EXPORTER", "none"),
		OTelEndpoint:     os.Getenv("OTEL_ENDPOINT"),
	}

	var err error
	if cfg.LogLevel, err = envLevel("LOG_LEVEL", slog.LevelInfo); err != nil {
		return cfg, err
	}
	if cfg.Threshold, err = envFloat("PRIORITY_THRESHOLD", 70); err != nil {
		return cfg, err
	}
	if cfg.Threshold <= 0 {
		return cfg, fmt.Errorf("invalid PRIORITY_THRESHOLD: %v", cfg.Threshold)
	}
	if cfg.Window, err = envInt("WINDOW_SIZE", 30); err != nil {
		return cfg, err
	}
	if cfg.WarmupMin, err = envInt("WARMUP_MIN", 0); err != nil {
		return cfg, err
	}
	if cfg.Contamination, err = envFloat("CONTAMINATION", 0.02); err != nil {
		return cfg, err
	}
	if cfg.MaximoTimeout, err = envDuration("MAXIMO_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.DispatchWorkers, err = envInt("DISPATCH_WORKERS", 2); err != nil {
		return cfg, err
	}
	if cfg.DispatchQueue, err = envInt("DISPATCH_QUEUE", 256); err != nil {
		return cfg, err
	}
	if cfg.DispatchRate, err = envFloat("DISPATCH_RATE", 5); err != nil {
		return cfg, err
	}
	if cfg.DispatchDrain, err = envDuration("DISPATCH_DRAIN_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MinIOUseSSL, err = envBool("MINIO_USE_SSL", false); err != nil {
		return cfg, err
	}

	switch cfg.DepotStore {
	case "file", "neo4j":
	default:
		return cfg, fmt.Errorf("invalid DEPOT_STORE: %s", cfg.DepotStore)
	}
	switch cfg.WorkOrderSink {
	case "log", "nats":
	case "http":
		if cfg.MaximoURL == "" {
			return cfg, fmt.Errorf("MAXIMO_URL is required when WORKORDER_SINK=http")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required when WORKORDER_SINK=postgres")
		}
	default:
		return cfg, fmt.Errorf("invalid WORKORDER_SINK: %s", cfg.WorkOrderSink)
	}
	if cfg.WorkOrderSink == "nats" && cfg.NATSURL == "" {
		return cfg, fmt.Errorf("NATS_URL is required when WORKORDER_SINK=nats")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return d, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %s", key, v)
	}
	return b, nil
}

func envLevel(key string, fallback slog.Level) (slog.Level, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return fallback, fmt.Errorf("invalid %s: %s", key, v)
	}
	return l, nil
}
