package workorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/fleetops/engine/domain"
	"github.com/WessleyAI/fleetops/pkg/fn"
	"github.com/WessleyAI/fleetops/pkg/metrics"
	"github.com/WessleyAI/fleetops/pkg/resilience"
)

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	Workers   int
	QueueSize int
	// Rate caps deliveries per second; 0 is unlimited.
	Rate  float64
	Burst int
	// DrainTimeout bounds how long Close keeps delivering queued requests.
	DrainTimeout time.Duration
	Retry        fn.RetryOpts
	Breaker      resilience.BreakerOpts
	Metrics      *metrics.Fleet
	Logger       *slog.Logger
	// DeadLetter receives requests whose retries are exhausted.
	DeadLetter func(context.Context, domain.MaintenanceRequest, error)
}

// Dispatcher hands maintenance requests to a sink off the pipeline's hot path.
// A failed delivery never feeds back into trigger state.
type Dispatcher struct {
	sink    Sink
	outbox  *resilience.Outbox[domain.MaintenanceRequest]
	breaker *resilience.Breaker
	metrics *metrics.Fleet
	logger  *slog.Logger
}

// NewDispatcher wires sink behind a rate limiter, circuit breaker and retries.
func NewDispatcher(sink Sink, opts DispatcherOpts) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{sink: sink, metrics: opts.Metrics, logger: opts.Logger}

	bo := opts.Breaker
	if bo.Name == "" {
		bo.Name = sink.Name()
	}
	if opts.Metrics != nil && bo.OnStateChange == nil {
		bo.OnStateChange = opts.Metrics.BreakerHook
	}
	d.breaker = resilience.NewBreaker(bo)

	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = fn.DefaultRetry
	}
	retry.Retryable = func(err error) bool {
		return !errors.Is(err, ErrRejected) && !errors.Is(err, context.Canceled)
	}
	retry.OnRetry = func(attempt int, err error) {
		d.logger.Warn("work order delivery retry", "sink", sink.Name(), "attempt", attempt, "err", err)
		d.count("retry")
	}

	d.outbox = resilience.NewOutbox(resilience.OutboxOpts[domain.MaintenanceRequest]{
		Workers:      opts.Workers,
		QueueSize:    opts.QueueSize,
		Retry:        retry,
		Breaker:      d.breaker,
		Limiter:      resilience.NewLimiter(resilience.LimiterOpts{Rate: opts.Rate, Burst: opts.Burst}),
		Logger:       opts.Logger,
		DrainTimeout: opts.DrainTimeout,
		OnSuccess: func(req domain.MaintenanceRequest) {
			d.count("delivered")
			d.logger.Info("work order delivered", "sink", sink.Name(), "request_id", req.ID, "asset", req.AssetID)
			d.gauge()
		},
		OnFailure: func(ctx context.Context, req domain.MaintenanceRequest, err error) {
			d.count("failed")
			d.logger.Error("work order undeliverable", "sink", sink.Name(), "request_id", req.ID, "asset", req.AssetID, "err", err)
			if opts.DeadLetter != nil {
				opts.DeadLetter(context.WithoutCancel(ctx), req, err)
			}
			d.gauge()
		},
	}, sink.Deliver)
	return d
}

// Start launches the delivery workers. Cancelling ctx does not drop queued
// requests; Close drains them.
func (d *Dispatcher) Start(ctx context.Context) { d.outbox.Start(ctx) }

// Submit queues a request. A full queue is reported, not retried.
func (d *Dispatcher) Submit(req domain.MaintenanceRequest) error {
	if err := domain.ValidateMaintenanceRequest(req); err != nil {
		return err
	}
	if err := d.outbox.Enqueue(req); err != nil {
		d.count("dropped")
		return fmt.Errorf("queue %s: %w: %v", req.ID, domain.ErrDeliveryFailure, err)
	}
	d.gauge()
	return nil
}

// Close drains queued requests and stops the workers.
func (d *Dispatcher) Close() { d.outbox.Close() }

// Depth is the number of requests waiting.
func (d *Dispatcher) Depth() int { return d.outbox.Depth() }

// Stats returns delivered and failed counts.
func (d *Dispatcher) Stats() (delivered, failed int64) { return d.outbox.Stats() }

// BreakerState reports the sink breaker.
func (d *Dispatcher) BreakerState() resilience.State { return d.breaker.State() }

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.Deliveries.WithLabelValues(d.sink.Name(), outcome).Inc()
	}
}

func (d *Dispatcher) gauge() {
	if d.metrics != nil {
		d.metrics.OutboxDepth.Set(float64(d.outbox.Depth()))
	}
}
