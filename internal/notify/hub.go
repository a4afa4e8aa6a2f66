// Package notify is the notification hub (C7): a per-request-id reactive
// stream that delivers the saga's terminal event exactly once to
// whichever external subscriber is listening when it fires. A late
// subscriber — one that joins after the event was already delivered or
// dropped — gets nothing from the hub itself; SPEC_FULL.md's prescribed
// snapshot-then-complete behavior for that case is the caller's job
// (internal/api looks the saga up in the durable store first and only
// falls through to Subscribe when it is still non-terminal).
//
// Grounded on pkg/saga.Instance's mutex-guarded shared-state idiom,
// applied here to a registry of channels instead of a single struct.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/prohmpiriya/travel-saga-orchestrator/internal/domain"
)

// Event is delivered to a subscriber exactly once.
type Event struct {
	RequestID string
	Status    domain.Status
	Snapshot  *domain.SagaRecord
}

type subscription struct {
	ch    chan Event
	timer *time.Timer
}

// Hub is a mutex-guarded registry of per-request-id subscriptions.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*subscription
	timeout time.Duration
}

// NewHub returns a Hub whose subscriptions auto-close after timeout if no
// terminal event arrives (default 5 minutes, per SAGA_NOTIFICATION_TIMEOUT_SECONDS).
func NewHub(timeout time.Duration) *Hub {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Hub{
		subs:    make(map[string]*subscription),
		timeout: timeout,
	}
}

// Subscribe registers a listener for requestId's terminal event. The
// returned channel receives at most one Event and is then closed — by
// PublishTerminal, by the subscription timeout, or by calling the
// returned cancel function (e.g. when the client disconnects).
func (h *Hub) Subscribe(requestID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.subs[requestID]; ok {
		existing.timer.Stop()
		close(existing.ch)
		delete(h.subs, requestID)
	}

	ch := make(chan Event, 1)
	sub := &subscription{ch: ch}
	sub.timer = time.AfterFunc(h.timeout, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if current, ok := h.subs[requestID]; ok && current == sub {
			delete(h.subs, requestID)
			close(ch)
		}
	})
	h.subs[requestID] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if current, ok := h.subs[requestID]; ok && current == sub {
			current.timer.Stop()
			delete(h.subs, requestID)
			close(ch)
		}
	}
	return ch, cancel
}

// PublishTerminal delivers requestId's terminal event to its subscriber,
// if one is currently registered, and closes the channel. If nobody is
// subscribed the event is dropped — a subsequent lookup falls back to the
// durable store, which already has the authoritative terminal state.
func (h *Hub) PublishTerminal(ctx context.Context, requestID string, status domain.Status, snapshot *domain.SagaRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[requestID]
	if !ok {
		return
	}
	delete(h.subs, requestID)
	sub.timer.Stop()

	sub.ch <- Event{RequestID: requestID, Status: status, Snapshot: snapshot}
	close(sub.ch)
}

// ActiveSubscriptions reports the number of pending subscriptions, for
// health/metrics endpoints.
func (h *Hub) ActiveSubscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
