package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// CompletionPublisher publishes inbound completion notifications to Kafka so
// the webhook endpoint can acknowledge quickly and processing is durable.
type CompletionPublisher struct {
	writer *kafka.Writer
}

// NewCompletionPublisher constructs a publisher for the given topic.
func NewCompletionPublisher(k *Kafka, topic string) *CompletionPublisher {
	return &CompletionPublisher{writer: k.NewWriter(topic)}
}

// Publish writes the completion message, keyed by call reference so duplicate
// deliveries land on the same partition.
func (p *CompletionPublisher) Publish(ctx context.Context, msg CompletionMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("completion publisher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   []byte(msg.CallReference),
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("completion publisher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *CompletionPublisher) Close() error {
	return p.writer.Close()
}
