package engagement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventStatusChanged is the event_type header on published status changes.
const EventStatusChanged = "verification.status_changed"

// StatusChange is published after a webhook moves an activity's status.
type StatusChange struct {
	ActivityID string    `json:"activity_id"`
	TenantID   string    `json:"tenant_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	EventType  string    `json:"event_type"`
	FlowID     string    `json:"flow_id"`
	Provider   string    `json:"provider"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher announces status changes to downstream systems.
type Publisher interface {
	PublishStatusChange(ctx context.Context, change StatusChange) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishStatusChange(context.Context, StatusChange) error { return nil }
func (NopPublisher) Close() error                                            { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes status changes to a Kafka topic keyed by activity id,
// so all changes for one activity land on one partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates an asynchronous writer; delivery failures are
// logged from the completion callback and never block the webhook response.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("publishing verification events failed", "error", err, "count", len(messages), "topic", topic)
			}
		},
	}
	return &KafkaPublisher{writer: w}
}

func newKafkaPublisherWithWriter(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) PublishStatusChange(ctx context.Context, change StatusChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encoding status change: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(change.ActivityID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventStatusChanged)},
			{Key: "tenant_id", Value: []byte(change.TenantID)},
		},
		Time: change.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("writing status change: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
