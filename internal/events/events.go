// Package events publishes job outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"docproc/internal/kafka"
)

type Type string

const (
	JobCompleted Type = "job.completed"
	JobFailed    Type = "job.failed"
	JobRetrying  Type = "job.retrying"
)

type Event struct {
	Type       Type      `json:"type"`
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
	Questions  int       `json:"question_count,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// KafkaPublisher writes events keyed by job id so all events for one job land
// on the same partition.
type KafkaPublisher struct {
	topic    string
	producer kafka.Producer
}

func NewKafkaPublisher(cfg kafka.Config, producer kafka.Producer) (*KafkaPublisher, error) {
	if err := cfg.ValidateEvents(); err != nil {
		return nil, err
	}
	if producer == nil {
		producer = &kafka.NoopProducer{}
	}
	return &KafkaPublisher{topic: cfg.EventsTopic, producer: producer}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka publisher not configured")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.producer.Publish(ctx, p.topic, kafka.Message{Key: evt.JobID, Value: payload})
}

type Noop struct{}

func (Noop) Publish(ctx context.Context, evt Event) error {
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
