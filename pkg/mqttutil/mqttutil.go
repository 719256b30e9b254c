// Package mqttutil provides typed JSON publish/subscribe over an MQTT broker.
package mqttutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt: timed out")

// Connect dials broker (tcp://host:1883) with auto-reconnect. Messages are
// handed to subscription callbacks in arrival order.
func Connect(broker, clientID string, log *slog.Logger) (mqtt.Client, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", "broker", broker, "err", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt connected", "broker", broker)
		})
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect %s: %w", broker, ErrTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", broker, err)
	}
	return c, nil
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish encodes v as JSON and publishes it at QoS 1.
func Publish[T any](ctx context.Context, c mqtt.Client, topic string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mqtt: marshal %s: %w", topic, err)
	}
	if err := wait(ctx, c.Publish(topic, 1, false, data)); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Handler processes one decoded message; topic is the concrete topic it arrived on.
type Handler[T any] func(ctx context.Context, topic string, v T) error

// SubOpts tunes Subscribe.
type SubOpts struct {
	// Key maps a topic to its ordering key; nil uses the whole topic.
	// Messages sharing a key are handled one at a time in arrival order.
	Key func(topic string) string
	// Lanes is the number of handler goroutines (default 4).
	Lanes int
	// Buffer is the queue length of each lane (default 64).
	Buffer int
	// OnError receives decode and handler failures (slog when nil).
	OnError func(topic string, err error)
}

type delivery[T any] struct {
	topic string
	v     T
}

// Subscribe decodes JSON messages on filter into T and runs handler on one of
// opts.Lanes goroutines chosen by key, so the client's callback never waits
// on handler I/O. Messages are not redelivered. Lanes stop when ctx ends.
func Subscribe[T any](ctx context.Context, c mqtt.Client, filter string, opts SubOpts, handler Handler[T]) error {
	onErr := opts.OnError
	if onErr == nil {
		onErr = func(topic string, err error) {
			slog.Warn("mqttutil: message dropped", "topic", topic, "err", err)
		}
	}
	key := opts.Key
	if key == nil {
		key = func(topic string) string { return topic }
	}
	if opts.Lanes <= 0 {
		opts.Lanes = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}

	lanes := make([]chan delivery[T], opts.Lanes)
	for i := range lanes {
		lanes[i] = make(chan delivery[T], opts.Buffer)
		go func(in <-chan delivery[T]) {
			for {
				select {
				case <-ctx.Done():
					return
				case d := <-in:
					if err := handler(ctx, d.topic, d.v); err != nil {
						onErr(d.topic, err)
					}
				}
			}
		}(lanes[i])
	}

	cb := func(_ mqtt.Client, msg mqtt.Message) {
		var v T
		if err := json.Unmarshal(msg.Payload(), &v); err != nil {
			onErr(msg.Topic(), fmt.Errorf("decode: %w", err))
			return
		}
		lane := lanes[xxhash.Sum64String(key(msg.Topic()))%uint64(len(lanes))]
		select {
		case lane <- delivery[T]{topic: msg.Topic(), v: v}:
		case <-ctx.Done():
		}
	}
	if err := wait(ctx, c.Subscribe(filter, 1, cb)); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", filter, err)
	}
	return nil
}

// Segment returns the i-th level of a topic, or "" when out of range.
// Segment("fleet/CR101/telemetry", 1) is "CR101".
func Segment(topic string, i int) string {
	parts := strings.Split(topic, "/")
	if i < 0 || i >= len(parts) {
		return ""
	}
	return parts[i]
}
