// Package events provides best-effort Kafka fan-out of job-created and
// job-terminal notifications for the supplemental webhook notifier. No
// SPEC_FULL.md correctness property depends on this package: segment claim
// and dispatch talk to the database directly, never through a queue.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// JobEvent is the message shape published on job creation and on every
// terminal job transition (succeeded/failed).
type JobEvent struct {
	JobID uuid.UUID `json:"job_id"`
	Event string    `json:"event"` // "job_created", "job_succeeded", "job_failed"
}

// Producer publishes JobEvents. A nil brokers list yields a no-op producer
// so the engine runs with Kafka entirely absent.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer creates a new Kafka producer. Returns a no-op producer if
// brokers is empty.
func NewProducer(brokers []string, topic string) *Producer {
	if len(brokers) == 0 {
		log.Info().Msg("no KAFKA_BROKERS configured, job events disabled")
		return &Producer{}
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
	}

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("Kafka event producer initialized")

	return &Producer{writer: writer, topic: topic}
}

// Publish publishes a JobEvent. No-op when the producer was constructed
// without brokers.
func (p *Producer) Publish(ctx context.Context, jobID uuid.UUID, event string) error {
	if p.writer == nil {
		return nil
	}

	data, err := json.Marshal(JobEvent{JobID: jobID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	msg := kafka.Message{Key: []byte(jobID.String()), Value: data}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write job event: %w", err)
	}

	log.Info().Str("job_id", jobID.String()).Str("event", event).Msg("job event published")
	return nil
}

// Close closes the underlying writer, if any.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
