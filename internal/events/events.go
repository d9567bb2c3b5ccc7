// Package events publishes security-relevant occurrences (abuse blocks,
// health transitions, failed config reloads) to a durable event bus for
// downstream security tooling. Publishing is fire-and-forget: a failure
// here never affects the admit/reject decision that produced the event.
package events

import (
	"context"
	"encoding/json"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/saidutt46/tollbooth/internal/logging"
)

// Kind enumerates the security event kinds named in SPEC_FULL.md 3.
type Kind string

const (
	KindAbuseBlocked       Kind = "abuse.blocked"
	KindHealthTransition   Kind = "health.transition"
	KindConfigReloadFailed Kind = "config.reload_failed"
)

// Event is the ambient security-event record.
type Event struct {
	Kind       Kind      `json:"kind"`
	SourceAddr string    `json:"source_addr,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher is the interface consumers depend on, so the orchestrator,
// abuse subsystem, and config loader never import kafka-go directly.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Topic is the Kafka topic security events are published to.
const Topic = "gateway.security.events"

// writeDeadline bounds how long a single publish attempt may block; a
// slow or unreachable broker must never add latency to the request path
// that triggered the event.
const writeDeadline = 200 * time.Millisecond

// KafkaBus publishes events to Kafka, fire-and-forget.
type KafkaBus struct {
	writer *kafka.Writer
}

// NewKafkaBus creates a bus writing to Topic on the given brokers. If
// brokers is empty, NewKafkaBus returns a NoopBus instead — the audit
// side-channel is optional infrastructure, per SPEC_FULL.md 6.
func NewKafkaBus(brokers []string) Publisher {
	if len(brokers) == 0 {
		return NoopBus{}
	}
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			Async:        true,
		},
	}
}

// Publish writes event to Kafka without blocking the caller on broker
// availability beyond writeDeadline. Errors are logged, never returned:
// this is an observability side-channel (SPEC_FULL.md 7).
func (b *KafkaBus) Publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.WithComponent("events").Error().Err(err).Msg("failed to encode security event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.Kind),
		Value: payload,
		Time:  event.OccurredAt,
	}

	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		logging.LogError(err, "failed to publish security event", map[string]interface{}{
			"component": "events",
			"kind":      string(event.Kind),
		})
	}
}

// Close releases the Kafka writer's resources.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

// NoopBus discards events. Used when no Kafka brokers are configured.
type NoopBus struct{}

// Publish does nothing.
func (NoopBus) Publish(context.Context, Event) {}
