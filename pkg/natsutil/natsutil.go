// Package natsutil provides typed NATS publish/subscribe helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// Headers used by the retry and dead-letter flow.
const (
	HeaderRetryCount = "X-Retry-Count"
	HeaderError      = "X-Error"
)

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Connect dials NATS with reconnect handling logged through log.
func Connect(url, name string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

func newMsg[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: marshal %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes to subject, injecting trace context.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := newMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Handler processes one decoded message. A returned error is reported to the
// subscription's error callback; the message is not redelivered.
type Handler[T any] func(context.Context, T) error

// SubOpts tune Subscribe.
type SubOpts struct {
	// Queue joins a queue group so replicas share the subject.
	Queue string
	// OnError receives decode and handler failures. Defaults to slog.
	OnError func(msg *nats.Msg, err error)
}

// Subscribe registers a handler that decodes JSON messages of type T.
func Subscribe[T any](nc *nats.Conn, subject string, opts SubOpts, handler Handler[T]) (*nats.Subscription, error) {
	onErr := opts.OnError
	if onErr == nil {
		onErr = func(msg *nats.Msg, err error) {
			slog.Warn("natsutil: message dropped", "subject", msg.Subject, "error", err)
		}
	}
	cb := func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			onErr(msg, fmt.Errorf("decode: %w", err))
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		if err := handler(ctx, v); err != nil {
			onErr(msg, err)
		}
	}
	if opts.Queue != "" {
		return nc.QueueSubscribe(subject, opts.Queue, cb)
	}
	return nc.Subscribe(subject, cb)
}

// RetryCount reads the retry header, 0 when absent or malformed.
func RetryCount(msg *nats.Msg) int {
	if msg == nil || msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(HeaderRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// DeadLetter is the envelope published to a dead-letter subject.
type DeadLetter[T any] struct {
	Payload  T         `json:"payload"`
	Error    string    `json:"error"`
	Retries  int       `json:"retries"`
	FailedAt time.Time `json:"failed_at"`
}

// PublishDeadLetter publishes v with its failure to a DLQ subject.
func PublishDeadLetter[T any](ctx context.Context, nc *nats.Conn, subject string, v T, cause error, retries int) error {
	dl := DeadLetter[T]{Payload: v, Retries: retries, FailedAt: time.Now().UTC()}
	if cause != nil {
		dl.Error = cause.Error()
	}
	msg, err := newMsg(ctx, subject, dl)
	if err != nil {
		return err
	}
	msg.Header.Set(HeaderRetryCount, strconv.Itoa(retries))
	msg.Header.Set(HeaderError, dl.Error)
	return nc.PublishMsg(msg)
}
