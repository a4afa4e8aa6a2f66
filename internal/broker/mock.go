package broker

import (
	"context"
	"fmt"
	"sync"
)

// PublishedMessage records one call to MockProducer.Publish.
type PublishedMessage struct {
	Topic   string
	Key     string
	Payload interface{}
}

// MockProducer is an in-memory Producer recording every publish, for
// orchestrator unit tests. Mirrors kafka_producer.go's MockSagaProducer.
type MockProducer struct {
	mu           sync.Mutex
	Messages     []PublishedMessage
	ShouldFail   bool
	FailureError error
}

// NewMockProducer returns an empty recording producer.
func NewMockProducer() *MockProducer {
	return &MockProducer{Messages: make([]PublishedMessage, 0)}
}

// Publish records the call, or returns the configured failure.
func (m *MockProducer) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		if m.FailureError != nil {
			return m.FailureError
		}
		return fmt.Errorf("mock producer configured to fail")
	}

	m.Messages = append(m.Messages, PublishedMessage{Topic: topic, Key: key, Payload: payload})
	return nil
}

// Close is a no-op for the mock.
func (m *MockProducer) Close() error { return nil }

// MessagesOnTopic returns every recorded message published to topic, in order.
func (m *MockProducer) MessagesOnTopic(topic string) []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PublishedMessage
	for _, msg := range m.Messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

var _ Producer = (*MockProducer)(nil)
