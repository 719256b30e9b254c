// Package metrics owns the Prometheus collectors exported by fleet services.
// Every process builds one Fleet and serves it on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/WessleyAI/fleetops/pkg/resilience"
)

const namespace = "fleetops"

// StageBuckets cover sub-millisecond scoring up to slow sink calls (seconds).
var StageBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Fleet groups the collectors for the telemetry pipeline, dispatch and planning.
type Fleet struct {
	Registry *prometheus.Registry

	TelemetryReceived *prometheus.CounterVec   // source
	TelemetryRejected *prometheus.CounterVec   // reason
	AnomalyVerdicts   *prometheus.CounterVec   // state
	StageLatency      *prometheus.HistogramVec // stage
	Urgency           *prometheus.GaugeVec     // asset_id
	Health            *prometheus.GaugeVec     // asset_id
	RequestsEmitted   prometheus.Counter
	Deliveries        *prometheus.CounterVec // sink, outcome
	BreakerState      *prometheus.GaugeVec   // name
	OutboxDepth       prometheus.Gauge
	PathQueries       *prometheus.CounterVec // mode, outcome
	PlanDuration      prometheus.Histogram
	PlanOverflow      prometheus.Counter
	HTTPRequests      *prometheus.CounterVec   // method, route, code
	HTTPDuration      *prometheus.HistogramVec // method, route
}

// New registers all fleet collectors plus the Go and process collectors.
func New() *Fleet {
	reg := prometheus.NewRegistry()
	f := &Fleet{
		Registry: reg,
		TelemetryReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "telemetry_received_total",
			Help: "Telemetry events accepted, by transport.",
		}, []string{"source"}),
		TelemetryRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "telemetry_rejected_total",
			Help: "Telemetry events rejected before reaching model state.",
		}, []string{"reason"}),
		AnomalyVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "anomaly_verdicts_total",
			Help: "Detector verdicts by state.",
		}, []string{"state"}),
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help: "Latency of each pipeline stage.", Buckets: StageBuckets,
		}, []string{"stage"}),
		Urgency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "asset_urgency_score",
			Help: "Latest urgency score per trainset.",
		}, []string{"asset_id"}),
		Health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "asset_health_score",
			Help: "Latest health score per trainset.",
		}, []string{"asset_id"}),
		RequestsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "maintenance_requests_total",
			Help: "Maintenance requests emitted on threshold crossings.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workorder_deliveries_total",
			Help: "Work-order delivery outcomes by sink.",
		}, []string{"sink", "outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_depth",
			Help: "Maintenance requests waiting for a dispatch worker.",
		}),
		PathQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "depot_path_queries_total",
			Help: "Depot path queries by mode and outcome.",
		}, []string{"mode", "outcome"}),
		PlanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stabling_plan_duration_seconds",
			Help: "Wall time to compute a stabling plan.", Buckets: prometheus.DefBuckets,
		}),
		PlanOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stabling_overflow_total",
			Help: "Assets that could not be given a bay.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help: "HTTP request latency.", Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		f.TelemetryReceived, f.TelemetryRejected, f.AnomalyVerdicts, f.StageLatency,
		f.Urgency, f.Health, f.RequestsEmitted, f.Deliveries, f.BreakerState,
		f.OutboxDepth, f.PathQueries, f.PlanDuration, f.PlanOverflow,
		f.HTTPRequests, f.HTTPDuration,
	)
	return f
}

// Handler serves the registry in the Prometheus exposition format.
func (f *Fleet) Handler() http.Handler {
	return promhttp.HandlerFor(f.Registry, promhttp.HandlerOpts{Registry: f.Registry})
}

// ObserveStage records the time since start against a pipeline stage.
func (f *Fleet) ObserveStage(stage string, start time.Time) {
	f.StageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// ObserveHTTP matches the mid.Observe callback signature.
func (f *Fleet) ObserveHTTP(method, route string, status int, d time.Duration) {
	f.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	f.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// BreakerHook feeds breaker transitions into the BreakerState gauge.
func (f *Fleet) BreakerHook(name string, _, to resilience.State) {
	f.BreakerState.WithLabelValues(name).Set(float64(to))
}

// ForgetAsset drops per-asset series once an asset leaves the fleet.
func (f *Fleet) ForgetAsset(assetID string) {
	f.Urgency.DeleteLabelValues(assetID)
	f.Health.DeleteLabelValues(assetID)
}
