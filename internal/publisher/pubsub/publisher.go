// Package pubsub publishes verdict change events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

// EventType is the "event" attribute carried by every change message.
const EventType = "availability_changed"

// Publisher sends ChangeEvents to one topic. Messages are ordered per task so
// a subscriber replays one task's transitions in the order they were recorded.
type Publisher struct {
	publisher *pubsub.Publisher
	logger    *zap.Logger
}

// New wraps a topic publisher and enables message ordering on it.
func New(publisher *pubsub.Publisher, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher != nil {
		publisher.EnableMessageOrdering = true
	}
	return &Publisher{publisher: publisher, logger: logger.Named("pubsub_publisher")}
}

// Publish sends the event as JSON keyed by its task ID.
func (p *Publisher) Publish(ctx context.Context, event monitor.ChangeEvent) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := newMessage(event)
	if err != nil {
		return "", err
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		// A failed ordered publish pauses its key until resumed.
		p.publisher.ResumePublish(msg.OrderingKey)
		return "", fmt.Errorf("publish change for task %s: %w", event.TaskID, err)
	}
	p.logger.Debug("change event published",
		zap.String("message_id", id),
		zap.String("task_id", event.TaskID),
		zap.String("url", event.URL),
		zap.String("current", string(event.Current)))
	return id, nil
}

func newMessage(event monitor.ChangeEvent) (*pubsub.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal change event: %w", err)
	}
	attrs := map[string]string{
		"event":    EventType,
		"task_id":  event.TaskID,
		"previous": string(event.Previous),
		"current":  string(event.Current),
	}
	if !event.CheckedAt.IsZero() {
		attrs["checked_at"] = event.CheckedAt.UTC().Format(time.RFC3339)
	}
	return &pubsub.Message{Data: data, Attributes: attrs, OrderingKey: event.TaskID}, nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
