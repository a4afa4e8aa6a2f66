// Package broker is the C2 broker adapter: publish/subscribe over Kafka
// via twmb/franz-go. Grounded directly on payment_success_consumer.go's
// *kgo.Client usage rather than the reference codebase's pkg/kafka
// wrapper, which the pack never actually ships — see DESIGN.md. The
// Producer interface and its recording mock mirror kafka_producer.go's
// SagaProducer / MockSagaProducer shape.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/telemetry"
)

// Producer publishes JSON-encoded payloads to named topics.
type Producer interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
	Close() error
}

// KafkaProducer is the Producer backed by a franz-go client.
type KafkaProducer struct {
	client *kgo.Client
}

// KafkaProducerConfig configures the underlying kgo client.
type KafkaProducerConfig struct {
	Brokers  []string
	ClientID string
}

// NewKafkaProducer dials the cluster and verifies connectivity with a ping.
func NewKafkaProducer(ctx context.Context, cfg *KafkaProducerConfig) (*KafkaProducer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka: %w", err)
	}

	return &KafkaProducer{client: client}, nil
}

// Publish JSON-marshals payload and synchronously produces it, keyed for
// partition affinity (records for the same requestId land on one partition).
func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	ctx, span := telemetry.StartSpan(ctx, "broker.publish")
	defer span.End()
	span.SetAttributes(attribute.String("topic", topic), attribute.String("key", key))

	value, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal message for topic %s: %w", topic, err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Close flushes and closes the underlying client.
func (p *KafkaProducer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
	return nil
}

var _ Producer = (*KafkaProducer)(nil)
