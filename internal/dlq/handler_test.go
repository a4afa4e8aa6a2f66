package dlq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/travel-saga-orchestrator/internal/broker"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/domain"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/retry"
)

// fakeProducer fails Publish on every topic in FailTopics and records every
// call, letting a test exercise "cancel retries fail, dead-letter publish
// succeeds" without the all-or-nothing broker.MockProducer.
type fakeProducer struct {
	mu         sync.Mutex
	FailTopics map[string]error
	Published  []broker.PublishedMessage
}

func newFakeProducer(failTopics ...string) *fakeProducer {
	fail := make(map[string]error, len(failTopics))
	for _, t := range failTopics {
		fail[t] = errors.New("publish failed: " + t)
	}
	return &fakeProducer{FailTopics: fail}
}

func (f *fakeProducer) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailTopics[topic]; ok {
		return err
	}
	f.Published = append(f.Published, broker.PublishedMessage{Topic: topic, Key: key, Payload: payload})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func (f *fakeProducer) messagesOnTopic(topic string) []broker.PublishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broker.PublishedMessage
	for _, m := range f.Published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeStore struct {
	mu      sync.Mutex
	records []*Record
}

func (s *fakeStore) SaveDeadLetter(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) CountUnprocessedDeadLetters(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)), nil
}

func fastRetryConfig() *retry.Config {
	return &retry.Config{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestHandler_HandleCompensationFailure_RecoversOnRetry(t *testing.T) {
	producer := newFakeProducer() // cancel retry succeeds
	store := &fakeStore{}
	h := NewHandler(producer, store, fastRetryConfig(), nil)

	recovered, err := h.HandleCompensationFailure(context.Background(), "req-1", nil, domain.LegFlight, "res-1", errors.New("transient broker error"))
	if err != nil {
		t.Fatalf("HandleCompensationFailure() error = %v", err)
	}
	if !recovered {
		t.Fatal("recovered = false, want true when the retried cancel publish succeeds")
	}
	if len(store.records) != 0 {
		t.Fatalf("records = %v, want no dead letter recorded on recovery", store.records)
	}
	if len(producer.messagesOnTopic(broker.CancelTopic(domain.LegFlight))) != 1 {
		t.Fatal("want exactly one cancel republish on the flight cancel topic")
	}
}

func TestHandler_HandleCompensationFailure_DeadLettersAfterExhaustingRetries(t *testing.T) {
	producer := newFakeProducer(broker.CancelTopic(domain.LegHotel))
	store := &fakeStore{}
	h := NewHandler(producer, store, fastRetryConfig(), nil)

	bookingID := "TRV-123"
	recovered, err := h.HandleCompensationFailure(context.Background(), "req-2", &bookingID, domain.LegHotel, "res-2", errors.New("cancel provider unreachable"))
	if err != nil {
		t.Fatalf("HandleCompensationFailure() error = %v", err)
	}
	if recovered {
		t.Fatal("recovered = true, want false once every retry fails")
	}

	if len(store.records) != 1 {
		t.Fatalf("records = %v, want exactly one saved dead letter", store.records)
	}
	rec := store.records[0]
	if rec.RequestID != "req-2" || rec.Leg != domain.LegHotel || rec.ReservationID != "res-2" {
		t.Errorf("saved record = %+v, want matching request/leg/reservation", rec)
	}
	if rec.BookingID == nil || *rec.BookingID != bookingID {
		t.Errorf("saved record booking id = %v, want %q", rec.BookingID, bookingID)
	}

	dlqMessages := producer.messagesOnTopic(broker.TopicCompensationFailed)
	if len(dlqMessages) != 1 {
		t.Fatalf("dead-letter topic messages = %d, want 1", len(dlqMessages))
	}
	event, ok := dlqMessages[0].Payload.(broker.CompensationFailedEvent)
	if !ok {
		t.Fatalf("payload type = %T, want broker.CompensationFailedEvent", dlqMessages[0].Payload)
	}
	if event.RequestID != "req-2" || event.BookingID != bookingID {
		t.Errorf("dead-letter event = %+v, want requestId=req-2 bookingId=%s", event, bookingID)
	}
}

func TestHandler_HandleCompensationFailure_NonRetryableErrorSkipsRetry(t *testing.T) {
	producer := newFakeProducer()
	producer.FailTopics[broker.CancelTopic(domain.LegCar)] = errors.New("reservation not found")
	store := &fakeStore{}
	h := NewHandler(producer, store, &retry.Config{MaxRetries: 5, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)

	recovered, err := h.HandleCompensationFailure(context.Background(), "req-3", nil, domain.LegCar, "res-3", errors.New("cancel provider unreachable"))
	if err != nil {
		t.Fatalf("HandleCompensationFailure() error = %v", err)
	}
	if recovered {
		t.Fatal("recovered = true, want false for a non-retryable error")
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %v, want one dead letter without exhausting all 5 configured retries", store.records)
	}
	if store.records[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1 (single attempt, retry short-circuited)", store.records[0].RetryCount)
	}
}

func TestHandler_HandleCompensationFailure_NoStoreStillPublishes(t *testing.T) {
	producer := newFakeProducer(broker.CancelTopic(domain.LegFlight))
	h := NewHandler(producer, nil, fastRetryConfig(), nil)

	recovered, err := h.HandleCompensationFailure(context.Background(), "req-4", nil, domain.LegFlight, "res-4", errors.New("boom"))
	if err != nil {
		t.Fatalf("HandleCompensationFailure() error = %v", err)
	}
	if recovered {
		t.Fatal("recovered = true, want false")
	}
	if len(producer.messagesOnTopic(broker.TopicCompensationFailed)) != 1 {
		t.Fatal("want the dead-letter event published even without a configured store")
	}
}
