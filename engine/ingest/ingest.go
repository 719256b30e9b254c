// Package ingest runs telemetry events through detection, scoring, ranking and
// triggering, and fans the results out to the bus, the archive and the
// work-order dispatcher.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/fleetops/engine/anomaly"
	"github.com/WessleyAI/fleetops/engine/archive"
	"github.com/WessleyAI/fleetops/engine/condition"
	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/engine/priority"
	"github.com/WessleyAI/fleetops/engine/trigger"
	"github.com/WessleyAI/fleetops/pkg/fn"
	"github.com/WessleyAI/fleetops/pkg/metrics"
	"github.com/WessleyAI/fleetops/pkg/partition"
)

const (
	// ArchiveTimeout bounds one archive write.
	ArchiveTimeout = 5 * time.Second
	// PublishTimeout bounds one round of bus publication.
	PublishTimeout = 2 * time.Second
)

// Detector classifies feature vectors per asset.
type Detector interface {
	ObserveScored(assetID string, fv domain.FeatureVector) (anomaly.Verdict, error)
	Forget(assetID string)
}

// Dispatcher accepts maintenance requests without blocking.
type Dispatcher interface {
	Submit(req domain.MaintenanceRequest) error
}

// Archiver stores anomalous readings.
type Archiver interface {
	Store(ctx context.Context, e archive.Entry) (string, error)
}

// Deps holds the collaborators of the pipeline. Detector, Scorer, Engine and
// Trigger are required.
type Deps struct {
	Detector   Detector
	Scorer     *condition.Scorer
	Engine     *priority.Engine
	Trigger    *trigger.Trigger
	Dispatcher Dispatcher
	Publishers []Publisher
	Archive    Archiver
	Metrics    *metrics.Fleet
	Logger     *slog.Logger
}

// Pipeline processes telemetry one event at a time per asset.
type Pipeline struct {
	deps  Deps
	log   *slog.Logger
	run   fn.Stage[*flow, *flow]
	lanes *partition.Map[string, lane]
	now   func() time.Time

	publishTimeout time.Duration
}

// New wires the stages: extract -> detect -> score -> rank -> trigger.
func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Detector == nil:
		return nil, errors.New("ingest: detector is required")
	case deps.Scorer == nil:
		return nil, errors.New("ingest: scorer is required")
	case deps.Engine == nil:
		return nil, errors.New("ingest: priority engine is required")
	case deps.Trigger == nil:
		return nil, errors.New("ingest: trigger is required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		deps:  deps,
		log:   log,
		lanes: partition.New[string, lane](nil),
		now:   time.Now,

		publishTimeout: PublishTimeout,
	}
	p.run = fn.Pipeline(
		p.stage("extract", extract),
		p.stage("detect", p.detect),
		p.stage("score", p.score),
		p.stage("rank", p.rank),
		p.stage("trigger", p.trigger),
	)
	return p, nil
}

// stage traces and times f. Stages after a warming verdict are skipped.
func (p *Pipeline) stage(name string, f func(context.Context, *flow) error) fn.Stage[*flow, *flow] {
	return fn.TracedStage("ingest."+name, func(ctx context.Context, fl *flow) fn.Result[*flow] {
		if fl.warming() {
			return fn.Ok(fl)
		}
		start := time.Now()
		err := f(ctx, fl)
		if p.deps.Metrics != nil {
			p.deps.Metrics.ObserveStage(name, start)
		}
		if err != nil {
			return fn.Errf[*flow]("%s: %w", name, err)
		}
		return fn.Ok(fl)
	})
}

func extract(_ context.Context, fl *flow) error {
	fv, err := fl.event.Features()
	if err != nil {
		return err
	}
	fl.features = fv
	return nil
}

func (p *Pipeline) detect(_ context.Context, fl *flow) error {
	v, err := p.deps.Detector.ObserveScored(fl.event.AssetID, fl.features)
	if err != nil {
		return err
	}
	fl.result.Verdict = v
	if v.State == domain.StateWarming {
		fl.result.Outcome = OutcomeWarming
	}
	return nil
}

func (p *Pipeline) score(_ context.Context, fl *flow) error {
	rec, err := p.deps.Scorer.ScoreEvent(fl.event, fl.result.Verdict.State, fl.features)
	if err != nil {
		return err
	}
	fl.result.Condition = &rec
	return nil
}

func (p *Pipeline) rank(_ context.Context, fl *flow) error {
	entry, err := p.deps.Engine.Update(*fl.result.Condition)
	if err != nil {
		return err
	}
	fl.result.Priority = &entry
	return nil
}

func (p *Pipeline) trigger(_ context.Context, fl *flow) error {
	req, err := p.deps.Trigger.Evaluate(*fl.result.Priority)
	if err != nil {
		return err
	}
	fl.result.Outcome = OutcomeScored
	if req != nil {
		fl.result.Request = req
		fl.result.Outcome = OutcomeTriggered
	}
	return nil
}

// Process runs one event. Events of one asset are processed in arrival order
// and maintenance requests are queued in that order. Bus publication happens
// after the asset's lane is released, bounded by PublishTimeout. Delivery
// failures are logged and never undo the trigger's state change.
func (p *Pipeline) Process(ctx context.Context, source string, ev domain.TelemetryEvent) (Result, error) {
	if err := domain.ValidateAssetID(ev.AssetID); err != nil {
		p.reject(source, err)
		return Result{}, err
	}
	var (
		out Result
		fv  domain.FeatureVector
	)
	err := p.lanes.With(ev.AssetID, func(l *lane) error {
		fl, err := p.run(ctx, &flow{event: ev, result: Result{AssetID: ev.AssetID}}).Unwrap()
		if err != nil {
			return err
		}
		l.last = fl.features
		out, fv = fl.result, fl.features
		if out.Request != nil {
			p.dispatch(*out.Request)
		}
		return nil
	})
	if err != nil {
		p.reject(source, err)
		return Result{}, err
	}
	p.observe(source, out)
	if out.Outcome != OutcomeWarming {
		p.publishCondition(ctx, *out.Condition)
		p.publishRanking(ctx)
	}
	if out.Verdict.State == domain.StateAnomalous {
		p.archive(ctx, out, fv)
	}
	return out, nil
}

// LastFeatures returns the most recent accepted feature vector of an asset.
func (p *Pipeline) LastFeatures(assetID string) (domain.FeatureVector, bool) {
	var fv domain.FeatureVector
	p.lanes.Peek(assetID, func(l lane) {
		if l.last != nil {
			fv = l.last.Clone()
		}
	})
	return fv, fv != nil
}

// Assets lists the assets the pipeline has accepted telemetry for.
func (p *Pipeline) Assets() []string { return p.lanes.Keys() }

// Forget withdraws an asset from every stateful stage.
func (p *Pipeline) Forget(assetID string) {
	p.deps.Detector.Forget(assetID)
	p.deps.Engine.Remove(assetID)
	p.deps.Trigger.Reset(assetID)
	p.lanes.Delete(assetID)
	if p.deps.Metrics != nil {
		p.deps.Metrics.ForgetAsset(assetID)
	}
	p.log.Info("asset forgotten", "asset", assetID)
}

func (p *Pipeline) dispatch(req domain.MaintenanceRequest) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.RequestsEmitted.Inc()
	}
	p.log.Info("maintenance requested",
		"asset", req.AssetID, "request_id", req.ID,
		"priority", req.Priority, "urgency", req.Urgency)
	if p.deps.Dispatcher == nil {
		return
	}
	if err := p.deps.Dispatcher.Submit(req); err != nil {
		p.log.Error("maintenance request not queued", "request_id", req.ID, "err", err)
	}
}

func (p *Pipeline) publishCondition(ctx context.Context, rec domain.ConditionRecord) {
	if len(p.deps.Publishers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	for _, pub := range p.deps.Publishers {
		if err := pub.PublishCondition(ctx, rec); err != nil {
			p.log.Warn("condition publish failed", "asset", rec.AssetID, "err", err)
		}
	}
}

func (p *Pipeline) publishRanking(ctx context.Context) {
	if len(p.deps.Publishers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	entries := p.deps.Engine.Rank()
	r := Ranking{Entries: entries, Summary: priority.Summarize(entries), At: p.now().UTC()}
	for _, pub := range p.deps.Publishers {
		if err := pub.PublishRanking(ctx, r); err != nil {
			p.log.Warn("ranking publish failed", "err", err)
		}
	}
}

func (p *Pipeline) archive(ctx context.Context, out Result, fv domain.FeatureVector) {
	if p.deps.Archive == nil || out.Condition == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, ArchiveTimeout)
	defer cancel()
	_, err := p.deps.Archive.Store(ctx, archive.Entry{
		AssetID:   out.AssetID,
		Features:  fv,
		Health:    out.Condition.Health,
		Severity:  out.Condition.Severity,
		Score:     out.Verdict.Score,
		Timestamp: out.Condition.Timestamp,
	})
	if err != nil {
		p.log.Warn("anomaly archive failed", "asset", out.AssetID, "err", err)
	}
}

func (p *Pipeline) observe(source string, out Result) {
	m := p.deps.Metrics
	if m == nil {
		return
	}
	m.TelemetryReceived.WithLabelValues(source).Inc()
	m.AnomalyVerdicts.WithLabelValues(out.Verdict.State.String()).Inc()
	if out.Priority != nil {
		m.Urgency.WithLabelValues(out.AssetID).Set(out.Priority.Urgency)
		m.Health.WithLabelValues(out.AssetID).Set(out.Priority.Health)
	}
}

func (p *Pipeline) reject(source string, err error) {
	p.log.Warn("telemetry rejected", "source", source, "err", err)
	if p.deps.Metrics != nil {
		p.deps.Metrics.TelemetryRejected.WithLabelValues(RejectReason(err)).Inc()
	}
}

// RejectReason is a low-cardinality label for a pipeline error.
func RejectReason(err error) string {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return ve.Wrapped.Error()
	}
	if errors.Is(err, domain.ErrInvalidInput) {
		return domain.ErrInvalidInput.Error()
	}
	return "internal"
}

// Describe is a one-line summary for logs.
func (r Result) Describe() string {
	if r.Priority == nil {
		return fmt.Sprintf("%s %s", r.AssetID, r.Outcome)
	}
	return fmt.Sprintf("%s %s urgency=%.1f health=%.1f", r.AssetID, r.Outcome, r.Priority.Urgency, r.Priority.Health)
}
