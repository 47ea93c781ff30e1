// Package events is an in-process publish/subscribe bus for session
// lifecycle and analytics events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// DefaultBuffer is the per-subscriber channel buffer.
const DefaultBuffer = 64

// Bus publishes JSON payloads to named topics.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    *slog.Logger
}

// NewBus returns a bus backed by an in-memory go channel pub/sub.
// Messages published to a topic with no subscribers are dropped.
func NewBus(log *slog.Logger, buffer int64) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: buffer,
		}, watermill.NewSlogLogger(log)),
		log: log,
	}
}

// Publish marshals payload as JSON and publishes it on topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	return b.pubsub.Publish(topic, msg)
}

// Subscribe returns the raw message channel for topic. Callers must Ack every
// message. The channel closes when ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// HandlerFunc processes one event payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Consume delivers every message on topic to fn until ctx is done or the bus
// is closed. Handler errors are logged and the message is still acked.
func (b *Bus) Consume(ctx context.Context, topic string, fn HandlerFunc) error {
	msgs, err := b.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	for msg := range msgs {
		if err := fn(msg.Context(), msg.Payload); err != nil {
			b.log.Warn("event handler failed",
				slog.String("topic", topic),
				slog.String("message_id", msg.UUID),
				slog.Any("error", err),
			)
		}
		msg.Ack()
	}
	return ctx.Err()
}

// Consumer wraps Consume as a long-running service with a name.
func (b *Bus) Consumer(topic string, fn HandlerFunc) *Consumer {
	return &Consumer{bus: b, topic: topic, fn: fn}
}

// Close closes every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Consumer is a topic subscription that runs under a supervisor.
type Consumer struct {
	bus   *Bus
	topic string
	fn    HandlerFunc
}

// Serve consumes until ctx is done.
func (c *Consumer) Serve(ctx context.Context) error {
	return c.bus.Consume(ctx, c.topic, c.fn)
}

func (c *Consumer) String() string {
	return "events-consumer-" + c.topic
}
