// Package main implements fleetd, the fleet condition and stabling server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/fleetops/engine/anomaly"
	"github.com/WessleyAI/fleetops/engine/archive"
	"github.com/WessleyAI/fleetops/engine/condition"
	"github.com/WessleyAI/fleetops/engine/depot"
	"github.com/WessleyAI/fleetops/engine/ingest"
	"github.com/WessleyAI/fleetops/engine/mileage"
	"github.com/WessleyAI/fleetops/engine/priority"
	"github.com/WessleyAI/fleetops/engine/report"
	"github.com/WessleyAI/fleetops/engine/stabling"
	"github.com/WessleyAI/fleetops/engine/trigger"
	"github.com/WessleyAI/fleetops/engine/workorder"
	"github.com/WessleyAI/fleetops/pkg/fn"
	"github.com/WessleyAI/fleetops/pkg/metrics"
	"github.com/WessleyAI/fleetops/pkg/mid"
	"github.com/WessleyAI/fleetops/pkg/mqttutil"
	"github.com/WessleyAI/fleetops/pkg/natsutil"
	"github.com/WessleyAI/fleetops/pkg/tracing"
)

const serviceName = "fleetd"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Service:  serviceName,
		Exporter: cfg.OTelExporter,
		Endpoint: cfg.OTelEndpoint,
		Insecure: true,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	fleetMetrics := metrics.New()

	// --- Message bus ---
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = natsutil.Connect(cfg.NATSURL, serviceName, logger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
	}
	var mc mqtt.Client
	if cfg.MQTTBroker != "" {
		mc, err = mqttutil.Connect(cfg.MQTTBroker, cfg.MQTTClientID, logger)
		if err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		defer mc.Disconnect(250)
	}

	// --- Condition models ---
	forest := anomaly.DefaultForestOpts
	forest.Contamination = cfg.Contamination
	detector, err := anomaly.NewDetector(anomaly.Config{Window: cfg.Window, WarmupMin: cfg.WarmupMin, Forest: forest}, logger)
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	profiles := condition.StaticProfiles{}
	if cfg.ProfilesFile != "" {
		if profiles, err = condition.LoadProfiles(cfg.ProfilesFile); err != nil {
			return err
		}
	}
	scorer := condition.NewScorer(condition.DefaultWeights, condition.NewRegistry(profiles))
	engine := priority.NewEngine(priority.DefaultWeights)
	trig, err := trigger.New(cfg.Threshold)
	if err != nil {
		return fmt.Errorf("trigger: %w", err)
	}

	// --- Depot ---
	depots, closeDepots, err := openDepots(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDepots()
	constraints := stabling.DefaultConstraints()
	if cfg.ConstraintsFile != "" {
		if constraints, err = stabling.LoadConstraints(cfg.ConstraintsFile); err != nil {
			return err
		}
	}

	wearCfg := mileage.DefaultConfig()
	if cfg.MileageFile != "" {
		if wearCfg, err = mileage.Load(cfg.MileageFile); err != nil {
			return err
		}
	}
	wear, err := mileage.New(wearCfg)
	if err != nil {
		return err
	}

	srv := &server{
		engine:      engine,
		wear:        wear,
		rearm:       trig.Reset,
		depots:      depots,
		depotID:     cfg.DepotID,
		constraints: constraints,
		metrics:     fleetMetrics,
		logger:      logger,
		now:         time.Now,
	}

	// --- Work orders ---
	sink, closeSink, err := openSink(ctx, cfg, nc, logger)
	if err != nil {
		return err
	}
	defer closeSink()
	if store, ok := sink.(*workorder.Store); ok {
		srv.orders = store
	}
	opts := workorder.DispatcherOpts{
		Workers:      cfg.DispatchWorkers,
		QueueSize:    cfg.DispatchQueue,
		Rate:         cfg.DispatchRate,
		DrainTimeout: cfg.DispatchDrain,
		Metrics:      fleetMetrics,
		Logger:       logger,
	}
	if nc != nil {
		opts.DeadLetter = workorder.NATSDeadLetter(nc, "", fn.DefaultRetry.MaxAttempts)
	}
	dispatcher := workorder.NewDispatcher(sink, opts)
	dispatcher.Start(ctx)
	defer dispatcher.Close()
	srv.dispatch = dispatcher

	// --- Archives ---
	deps := ingest.Deps{
		Detector:   detector,
		Scorer:     scorer,
		Engine:     engine,
		Trigger:    trig,
		Dispatcher: dispatcher,
		Metrics:    fleetMetrics,
		Logger:     logger,
	}
	if cfg.QdrantURL != "" {
		anomalies, err := archive.New(cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			return fmt.Errorf("qdrant connect: %w", err)
		}
		defer anomalies.Close()
		if err := anomalies.EnsureCollection(ctx); err != nil {
			return err
		}
		deps.Archive = anomalies
		srv.similar = anomalies
	}
	if cfg.MinIOEndpoint != "" {
		reports, err := report.New(report.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return err
		}
		if err := reports.EnsureBucket(ctx); err != nil {
			return err
		}
		srv.reports = reports
	}

	// --- Pipeline ---
	if nc != nil {
		deps.Publishers = append(deps.Publishers, ingest.NewNATSPublisher(nc))
	}
	if mc != nil {
		deps.Publishers = append(deps.Publishers, ingest.NewMQTTPublisher(mc))
	}
	pipeline, err := ingest.New(deps)
	if err != nil {
		return err
	}
	srv.pipeline = pipeline

	if nc != nil {
		sub, err := ingest.StartConsumer(nc, cfg.NATSSubject, pipeline)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.NATSSubject, err)
		}
		defer sub.Unsubscribe()
		logger.Info("consuming telemetry", "transport", "nats", "subject", cfg.NATSSubject)
	}
	if mc != nil {
		if err := ingest.StartMQTT(ctx, mc, cfg.MQTTTopic, pipeline); err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.MQTTTopic, err)
		}
		logger.Info("consuming telemetry", "transport", "mqtt", "topic", cfg.MQTTTopic)
	}

	// --- HTTP server ---
	handler := mid.Chain(srv.routes(),
		mid.RequestID(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel(serviceName),
		mid.Observe(fleetMetrics.ObserveHTTP),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("fleetd starting", "port", cfg.Port, "depot_id", cfg.DepotID, "sink", sink.Name())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// openDepots builds the depot service over the configured store. A file store
// is seeded from DEPOT_LAYOUT_FILE when the depot is not stored yet.
func openDepots(ctx context.Context, cfg Config, logger *slog.Logger) (*depot.Service, func(), error) {
	var (
		store depot.Store
		done  = func() {}
	)
	switch cfg.DepotStore {
	case "neo4j":
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			return nil, nil, fmt.Errorf("neo4j driver: %w", err)
		}
		store = depot.NewGraphStore(driver, cfg.Neo4jDatabase)
		done = func() { driver.Close(context.Background()) }
	default:
		if err := os.MkdirAll(cfg.DepotDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("depot dir: %w", err)
		}
		store = depot.FileStore{Dir: cfg.DepotDir}
	}

	svc := depot.NewService(store, logger)
	if cfg.DepotLayoutFile != "" {
		l, err := depot.LoadFile(cfg.DepotLayoutFile)
		if err != nil {
			done()
			return nil, nil, err
		}
		if _, err := svc.Create(ctx, l); err != nil && !errors.Is(err, depot.ErrExists) {
			done()
			return nil, nil, fmt.Errorf("seed depot %s: %w", l.DepotID, err)
		}
	}
	return svc, done, nil
}

// openSink selects the work-order sink named by WORKORDER_SINK. The returned
// func releases the sink's connections and must run after the dispatcher drains.
func openSink(ctx context.Context, cfg Config, nc *nats.Conn, logger *slog.Logger) (workorder.Sink, func(), error) {
	done := func() {}
	switch cfg.WorkOrderSink {
	case "http":
		return workorder.NewMaximoSink(cfg.MaximoURL, cfg.MaximoAPIKey, cfg.MaximoTimeout), done, nil
	case "postgres":
		pool, err := workorder.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		var opts []workorder.StoreOption
		if nc != nil {
			opts = append(opts, workorder.WithNotify(func(ctx context.Context, ev workorder.Event) {
				if err := natsutil.Publish(ctx, nc, workorder.SubjectEvents, ev); err != nil {
					logger.Warn("work order event not published", "work_order", ev.WorkOrder.ID, "err", err)
				}
			}))
		}
		store := workorder.NewStore(pool, opts...)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case "nats":
		return workorder.NewNATSSink(nc, ""), done, nil
	default:
		return workorder.LogSink{Logger: logger}, done, nil
	}
}
