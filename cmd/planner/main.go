// Command planner computes one night's stabling plan for a depot and prints it
// as JSON. The layout comes from a YAML file or from Neo4j; assets come from a
// JSON file. With -minio set the plan is also archived as a report.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/fleetops/engine/depot"
	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/engine/report"
	"github.com/WessleyAI/fleetops/engine/stabling"
)

type options struct {
	layoutFile      string
	depotID         string
	neo4jURL        string
	neo4jUser       string
	neo4jPass       string
	assetsFile      string
	constraintsFile string
	quota           int
	minio           string
	minioAccess     string
	minioSecret     string
	bucket          string
	strict          bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("planner", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.layoutFile, "layout", "", "depot layout YAML (if empty, load -depot from Neo4j)")
	fs.StringVar(&o.depotID, "depot", "MUTTOM", "depot id to load from Neo4j")
	fs.StringVar(&o.neo4jURL, "neo4j", envOr("NEO4J_URL", "neo4j://localhost:7687"), "Neo4j bolt URL")
	fs.StringVar(&o.neo4jUser, "neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j username")
	fs.StringVar(&o.neo4jPass, "neo4j-pass", envOr("NEO4J_PASS", "password"), "Neo4j password")
	fs.StringVar(&o.assetsFile, "assets", "-", "assets JSON array (- for stdin)")
	fs.StringVar(&o.constraintsFile, "constraints", "", "constraints YAML (defaults when empty)")
	fs.IntVar(&o.quota, "quota", -1, "service quota override")
	fs.StringVar(&o.minio, "minio", os.Getenv("MINIO_ENDPOINT"), "MinIO endpoint for plan reports (if empty, no archive)")
	fs.StringVar(&o.minioAccess, "minio-access", os.Getenv("MINIO_ACCESS_KEY"), "MinIO access key")
	fs.StringVar(&o.minioSecret, "minio-secret", os.Getenv("MINIO_SECRET_KEY"), "MinIO secret key")
	fs.StringVar(&o.bucket, "bucket", report.DefaultBucket, "MinIO bucket")
	fs.BoolVar(&o.strict, "strict", false, "exit non-zero when any bay pool overflows")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}
	if err := run(ctx, o, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("planning failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	snap, err := loadSnapshot(ctx, o, logger)
	if err != nil {
		return err
	}
	c := stabling.DefaultConstraints()
	if o.constraintsFile != "" {
		if c, err = stabling.LoadConstraints(o.constraintsFile); err != nil {
			return err
		}
	}
	if o.quota >= 0 {
		c.ServiceQuota = o.quota
	}
	assets, err := readAssets(o.assetsFile, stdin)
	if err != nil {
		return err
	}

	plan, err := stabling.New(snap).Plan(assets, c)
	if err != nil {
		return err
	}
	logger.Info("stabling plan computed", "depot_id", plan.DepotID, "summary", plan.Summary())

	if o.minio != "" {
		reports, err := report.New(report.Config{
			Endpoint:  o.minio,
			AccessKey: o.minioAccess,
			SecretKey: o.minioSecret,
			Bucket:    o.bucket,
		})
		if err != nil {
			return err
		}
		if err := reports.EnsureBucket(ctx); err != nil {
			return err
		}
		key, err := reports.Save(ctx, report.NewReport(plan, c, time.Now()))
		if err != nil {
			return err
		}
		logger.Info("plan archived", "bucket", reports.Bucket(), "key", key)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plan); err != nil {
		return err
	}
	if err := plan.Exhausted(); err != nil {
		if o.strict {
			return err
		}
		logger.Warn("bay pools exhausted", "overflow", plan.Overflow)
	}
	return nil
}

func loadSnapshot(ctx context.Context, o options, logger *slog.Logger) (*depot.Snapshot, error) {
	if o.layoutFile != "" {
		l, err := depot.LoadFile(o.layoutFile)
		if err != nil {
			return nil, err
		}
		g, err := depot.Build(l)
		if err != nil {
			return nil, err
		}
		return &depot.Snapshot{Layout: l, Graph: g}, nil
	}
	driver, err := neo4j.NewDriverWithContext(o.neo4jURL, neo4j.BasicAuth(o.neo4jUser, o.neo4jPass, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j connect: %w", err)
	}
	defer driver.Close(ctx)
	return depot.NewService(depot.NewGraphStore(driver, ""), logger).Snapshot(ctx, o.depotID)
}

func readAssets(path string, stdin io.Reader) ([]stabling.Asset, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open assets: %w", err)
		}
		defer f.Close()
		r = f
	}
	var assets []stabling.Asset
	if err := json.NewDecoder(r).Decode(&assets); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.NewValidationError("assets", "", domain.ErrMissingField)
		}
		return nil, domain.NewValidationError("assets", "", fmt.Errorf("%v: %w", err, domain.ErrInvalidInput))
	}
	if len(assets) == 0 {
		return nil, domain.NewValidationError("assets", "[]", domain.ErrMissingField)
	}
	return assets, nil
}
