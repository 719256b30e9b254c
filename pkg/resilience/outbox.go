package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WessleyAI/fleetops/pkg/fn"
)

var (
	ErrQueueFull    = errors.New("outbox queue full")
	ErrOutboxClosed = errors.New("outbox closed")
)

// OutboxOpts configures an Outbox.
type OutboxOpts[T any] struct {
	Workers   int
	QueueSize int
	Retry     fn.RetryOpts
	Breaker   *Breaker // optional
	Limiter   *Limiter // optional
	Logger    *slog.Logger
	// DrainTimeout bounds how long Close keeps delivering queued items
	// (default 10s). Cancelling Start's context does not abort deliveries.
	DrainTimeout time.Duration
	// OnFailure receives items whose retries are exhausted.
	OnFailure func(ctx context.Context, item T, err error)
	// OnSuccess is called after each delivered item.
	OnSuccess func(item T)
}

// Outbox decouples producers from a slow or flaky consumer. Enqueue never
// blocks; workers deliver with rate limiting, breaker protection and retries.
type Outbox[T any] struct {
	opts    OutboxOpts[T]
	send    fn.Stage[T, struct{}]
	queue   chan T
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	failed  atomic.Int64
	sent    atomic.Int64
}

// NewOutbox creates an outbox around deliver. Call Start before Enqueue.
func NewOutbox[T any](opts OutboxOpts[T], deliver func(context.Context, T) error) *Outbox[T] {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = fn.DefaultRetry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	return &Outbox[T]{opts: opts, send: deliveryStage(opts, deliver), queue: make(chan T, opts.QueueSize)}
}

// deliveryStage composes one delivery: wait for a token, pass the breaker,
// call deliver; the whole attempt is retried.
func deliveryStage[T any](opts OutboxOpts[T], deliver func(context.Context, T) error) fn.Stage[T, struct{}] {
	stage := fn.Lift(func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, deliver(ctx, item)
	})
	if opts.Breaker != nil {
		stage = BreakerStage(opts.Breaker, stage)
	}
	if opts.Limiter != nil {
		stage = LimiterStageWait(opts.Limiter, stage)
	}
	return fn.RetryStage(opts.Retry, stage)
}

// Start launches the workers. They exit when Close drains the queue; ctx
// supplies values only, so queued items survive its cancellation.
func (o *Outbox[T]) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
}

// Enqueue hands item to the workers without blocking.
func (o *Outbox[T]) Enqueue(item T) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.queue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting items and waits for queued ones to be attempted.
// Deliveries still running after DrainTimeout are cancelled and the
// remaining items fail.
func (o *Outbox[T]) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()
	if o.cancel == nil {
		return
	}
	stop := time.AfterFunc(o.opts.DrainTimeout, o.cancel)
	o.wg.Wait()
	stop.Stop()
	o.cancel()
}

// Depth is the number of items waiting for a worker.
func (o *Outbox[T]) Depth() int { return len(o.queue) }

// Stats returns delivered and failed counts.
func (o *Outbox[T]) Stats() (sent, failed int64) { return o.sent.Load(), o.failed.Load() }

func (o *Outbox[T]) worker(ctx context.Context) {
	defer o.wg.Done()
	for item := range o.queue {
		_, err := o.send(ctx, item).Unwrap()
		if err != nil {
			o.failed.Add(1)
			o.opts.Logger.Error("outbox delivery failed", "err", err)
			if o.opts.OnFailure != nil {
				o.opts.OnFailure(ctx, item, err)
			}
			continue
		}
		o.sent.Add(1)
		if o.opts.OnSuccess != nil {
			o.opts.OnSuccess(item)
		}
	}
}
