// Package events publishes committed ledger activity to Kafka.
package events

import (
	"context"
	"encoding/json"
	"log"

	skafka "github.com/segmentio/kafka-go"
)

// Writer defines the subset of segmentio kafka.Writer we need
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Publisher is what the ledger executor publishes through
type Publisher interface {
	Publish(ctx context.Context, key string, value any) error
	Close() error
}

// KafkaProducer wraps a kafka writer and implements Publisher
type KafkaProducer struct {
	writer Writer
}

// NewKafkaProducer writes to topic on brokerURL
func NewKafkaProducer(brokerURL, topic string) *KafkaProducer {
	w := &skafka.Writer{
		Addr:                   skafka.TCP(brokerURL),
		Topic:                  topic,
		Balancer:               &skafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w}
}

func NewKafkaProducerWithWriter(w Writer) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

// Publish marshals value to JSON and writes it under key. Messages with the same key land on the same partition.
func (p *KafkaProducer) Publish(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		log.Printf("[EVENTS] Failed to marshal event %s: %v", key, err)
		return err
	}
	msg := skafka.Message{Key: []byte(key), Value: b}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("[EVENTS] Kafka write error for %s: %v", key, err)
		return err
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// NoopPublisher drops every event; used when no broker is configured
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, key string, value any) error { return nil }

func (NoopPublisher) Close() error { return nil }
