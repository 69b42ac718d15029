package kafka

import (
	"context"
	"fmt"
	"strings"
)

type Config struct {
	Brokers     []string `yaml:"brokers"`
	EventsTopic string   `yaml:"events_topic"`
	ClientID    string   `yaml:"client_id"`
}

// Enabled reports whether any broker is configured. Without brokers the
// services run with events switched off.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

func (c Config) ValidateEvents() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if strings.TrimSpace(c.EventsTopic) == "" {
		return fmt.Errorf("kafka.events_topic is required")
	}
	return nil
}

type Message struct {
	Key   string
	Value []byte
}

type Producer interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

type NoopProducer struct{}

func (p *NoopProducer) Publish(ctx context.Context, topic string, msg Message) error {
	return nil
}
