package notify

import (
	"context"
	"testing"
	"time"

	"github.com/prohmpiriya/travel-saga-orchestrator/internal/domain"
)

func TestHub_PublishAfterSubscribe_DeliversOnce(t *testing.T) {
	h := NewHub(time.Minute)
	ch, cancel := h.Subscribe("req-1")
	defer cancel()

	snapshot := &domain.SagaRecord{RequestID: "req-1", Status: domain.StatusConfirmed}
	h.PublishTerminal(context.Background(), "req-1", domain.StatusConfirmed, snapshot)

	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before delivering event")
		}
		if event.Status != domain.StatusConfirmed {
			t.Errorf("Status = %v, want CONFIRMED", event.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after delivering its one event")
	}
}

func TestHub_PublishWithoutSubscriber_IsNoOp(t *testing.T) {
	h := NewHub(time.Minute)
	h.PublishTerminal(context.Background(), "req-nobody-listening", domain.StatusCompensated, &domain.SagaRecord{})
	if h.ActiveSubscriptions() != 0 {
		t.Errorf("ActiveSubscriptions() = %d, want 0", h.ActiveSubscriptions())
	}
}

func TestHub_SubscriptionTimesOut(t *testing.T) {
	h := NewHub(20 * time.Millisecond)
	ch, cancel := h.Subscribe("req-timeout")
	defer cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close on timeout without an event")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription did not time out")
	}
}

func TestHub_Cancel_ClosesChannel(t *testing.T) {
	h := NewHub(time.Minute)
	ch, cancel := h.Subscribe("req-cancel")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close on cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel did not close after cancel")
	}

	if h.ActiveSubscriptions() != 0 {
		t.Errorf("ActiveSubscriptions() = %d, want 0 after cancel", h.ActiveSubscriptions())
	}
}
