// Package events publishes resolution outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Type names what happened.
type Type string

const (
	EntityCreated   Type = "entity.created"
	EntityUpdated   Type = "entity.updated"
	EntityMerged    Type = "entity.merged"
	ReviewFlagged   Type = "review.flagged"
	ObservationFail Type = "observation.rejected"
)

// Event is one resolution outcome.
type Event struct {
	Type          Type      `json:"type"`
	TenantID      string    `json:"tenant_id"`
	ObservationID string    `json:"observation_id,omitempty"`
	EntityID      string    `json:"entity_id,omitempty"`
	// Related holds other entity ids involved, e.g. review candidates or a
	// merged subordinate.
	Related       []string  `json:"related,omitempty"`
	Basis         string    `json:"basis,omitempty"`
	Score         int       `json:"score,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }

func (Nop) Close() error { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" mapstructure:"brokers"`
	Topic        string        `yaml:"topic" mapstructure:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes events as JSON messages keyed by entity id, so every
// event about one entity lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a Kafka publisher.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, eris.New("events: at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, eris.New("events: kafka topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, topic: cfg.Topic}, nil
}

func (k *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return eris.Wrap(err, "events: marshal event")
		}
		key := ev.EntityID
		if key == "" {
			key = ev.ObservationID
		}
		msgs = append(msgs, kafka.Message{
			Topic: k.topic,
			Key:   []byte(key),
			Value: data,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(ev.Type)},
				{Key: "tenant_id", Value: []byte(ev.TenantID)},
			},
		})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return eris.Wrapf(err, "events: write %d messages to %s", len(msgs), k.topic)
	}
	zap.L().Debug("events: published", zap.String("topic", k.topic), zap.Int("count", len(msgs)))
	return nil
}

func (k *KafkaPublisher) Close() error {
	return eris.Wrap(k.writer.Close(), "events: close kafka writer")
}
