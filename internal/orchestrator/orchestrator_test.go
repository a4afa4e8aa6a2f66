package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/travel-saga-orchestrator/internal/broker"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/domain"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/retry"
)

// memoryStore is an in-memory StateRepository fake, grounded on the same
// conditional-write semantics postgres.Store enforces (write-once legs,
// forward-only status).
type memoryStore struct {
	mu      sync.Mutex
	records map[string]*domain.SagaRecord
	byBooking map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		records:   make(map[string]*domain.SagaRecord),
		byBooking: make(map[string]string),
	}
}

func (s *memoryStore) Create(ctx context.Context, record *domain.SagaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	record.CreatedAt = now
	record.UpdatedAt = now
	cp := *record
	s.records[record.RequestID] = &cp
	return nil
}

func (s *memoryStore) FindByRequestID(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[requestID]
	if !ok {
		return nil, domain.ErrSagaNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memoryStore) FindByBookingID(ctx context.Context, bookingID string) (*domain.SagaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requestID, ok := s.byBooking[bookingID]
	if !ok {
		return nil, domain.ErrSagaNotFound
	}
	cp := *s.records[requestID]
	return &cp, nil
}

func (s *memoryStore) UpdateStatus(ctx context.Context, requestID string, from, to domain.Status, bookingID, errorMessage *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[requestID]
	if !ok {
		return false, domain.ErrSagaNotFound
	}
	if r.Status != from {
		return false, nil
	}
	if to == domain.StatusConfirmed && r.BookingID != nil {
		return false, nil
	}
	r.Status = to
	if bookingID != nil {
		r.BookingID = bookingID
		s.byBooking[*bookingID] = requestID
	}
	if errorMessage != nil {
		r.ErrorMsg = errorMessage
	}
	r.UpdatedAt = time.Now()
	return true, nil
}

func (s *memoryStore) SaveConfirmedReservation(ctx context.Context, leg domain.Leg, requestID, reservationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[requestID]
	if !ok {
		return false, domain.ErrSagaNotFound
	}
	if r.ReservationID(leg) != nil {
		return false, nil
	}
	id := reservationID
	switch leg {
	case domain.LegFlight:
		r.FlightReservationID = &id
	case domain.LegHotel:
		r.HotelReservationID = &id
	case domain.LegCar:
		r.CarReservationID = &id
	}
	return true, nil
}

func (s *memoryStore) MarkLegCancelled(ctx context.Context, leg domain.Leg, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[requestID]
	if !ok {
		return domain.ErrSagaNotFound
	}
	cancelled := "cancelled"
	switch leg {
	case domain.LegFlight:
		r.FlightReservationID = &cancelled
	case domain.LegHotel:
		r.HotelReservationID = &cancelled
	case domain.LegCar:
		r.CarReservationID = &cancelled
	}
	return nil
}

func (s *memoryStore) SetError(ctx context.Context, requestID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[requestID]
	if !ok {
		return domain.ErrSagaNotFound
	}
	r.ErrorMsg = &message
	return nil
}

// memoryCoordinator is an in-memory Coordinator fake.
type memoryCoordinator struct {
	mu       sync.Mutex
	locks    map[string]bool
	rates    map[string]int64
	hotCache map[string]*domain.SagaRecord
	pending  map[string]float64
	steps    map[string]map[string]int64
	metadata map[string]map[string]string
}

func newMemoryCoordinator() *memoryCoordinator {
	return &memoryCoordinator{
		locks:    make(map[string]bool),
		rates:    make(map[string]int64),
		hotCache: make(map[string]*domain.SagaRecord),
		pending:  make(map[string]float64),
		steps:    make(map[string]map[string]int64),
		metadata: make(map[string]map[string]string),
	}
}

func (c *memoryCoordinator) AcquireLock(ctx context.Context, id string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[id] {
		return "", false, nil
	}
	c.locks[id] = true
	return "token", true, nil
}

func (c *memoryCoordinator) ReleaseLock(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, id)
	return nil
}

func (c *memoryCoordinator) CheckRateLimit(ctx context.Context, userID string, limit int64, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[userID]++
	return c.rates[userID] <= limit, nil
}

func (c *memoryCoordinator) CacheActiveSagaState(ctx context.Context, requestID string, record *domain.SagaRecord, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *record
	c.hotCache[requestID] = &cp
	return nil
}

func (c *memoryCoordinator) GetActiveSagaState(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hotCache[requestID], nil
}

func (c *memoryCoordinator) ClearActiveSagaState(ctx context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hotCache, requestID)
	return nil
}

func (c *memoryCoordinator) AddToPendingQueue(ctx context.Context, requestID string, score float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[requestID] = score
	return nil
}

func (c *memoryCoordinator) RemoveFromPendingQueue(ctx context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
	return nil
}

func (c *memoryCoordinator) IncrementStepCounter(ctx context.Context, requestID, stepName string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.steps[requestID] == nil {
		c.steps[requestID] = make(map[string]int64)
	}
	c.steps[requestID][stepName]++
	return c.steps[requestID][stepName], nil
}

func (c *memoryCoordinator) SetSagaMetadata(ctx context.Context, requestID string, fields map[string]string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metadata[requestID] == nil {
		c.metadata[requestID] = make(map[string]string)
	}
	for k, v := range fields {
		c.metadata[requestID][k] = v
	}
	return nil
}

func (c *memoryCoordinator) GetSagaMetadata(ctx context.Context, requestID string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadata[requestID], nil
}

func (c *memoryCoordinator) Cleanup(ctx context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hotCache, requestID)
	delete(c.steps, requestID)
	delete(c.metadata, requestID)
	delete(c.pending, requestID)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Status
}

func (n *recordingNotifier) PublishTerminal(ctx context.Context, requestID string, status domain.Status, snapshot *domain.SagaRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, status)
}

func newTestRequest(id string) domain.BookingRequest {
	now := time.Now()
	return domain.BookingRequest{
		RequestID: id,
		UserID:    "user-1",
		Flight: domain.FlightSegment{
			Origin: "LAX", Destination: "JFK",
			DepartureDate: now, ReturnDate: now.Add(48 * time.Hour),
		},
		Hotel: domain.HotelSegment{
			HotelID: "hotel-1", CheckInDate: now, CheckOutDate: now.Add(48 * time.Hour),
		},
		Car: domain.CarSegment{
			PickupLocation: "LAX", DropoffLocation: "LAX",
			PickupDate: now, DropoffDate: now.Add(48 * time.Hour),
		},
		TotalAmount: 1200.50,
	}
}

func newTestOrchestrator() (*Orchestrator, *memoryStore, *memoryCoordinator, *broker.MockProducer, *recordingNotifier) {
	store := newMemoryStore()
	coord := newMemoryCoordinator()
	producer := broker.NewMockProducer()
	notifier := &recordingNotifier{}
	o := NewOrchestrator(&Config{
		Store: store, Coordinator: coord, Producer: producer, Notifier: notifier,
		RateLimitPerUserPerMinute: 5,
		// Zero retries keeps the compensation-failure tests fast and
		// deterministic; production defaults live in dlq.DefaultRetryConfig.
		DLQRetry: &retry.Config{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	return o, store, coord, producer, notifier
}

func TestOrchestrator_Execute_AdmitsAndPublishesThreeCommands(t *testing.T) {
	o, _, _, producer, _ := newTestOrchestrator()
	ctx := context.Background()

	record, err := o.Execute(ctx, newTestRequest("req-1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.Status != domain.StatusPending {
		t.Errorf("Status = %v, want PENDING", record.Status)
	}

	for _, topic := range []string{broker.TopicReserveFlight, broker.TopicReserveHotel, broker.TopicReserveCar} {
		if len(producer.MessagesOnTopic(topic)) != 1 {
			t.Errorf("MessagesOnTopic(%s) len = %d, want 1", topic, len(producer.MessagesOnTopic(topic)))
		}
	}
}

func TestOrchestrator_Execute_RateLimited(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		req := newTestRequest("req-limit-" + string(rune('a'+i)))
		if _, err := o.Execute(ctx, req); err != nil {
			t.Fatalf("Execute() #%d error = %v", i, err)
		}
	}

	record, err := o.Execute(ctx, newTestRequest("req-limit-over"))
	if err != domain.ErrRateLimitExceeded {
		t.Fatalf("Execute() error = %v, want ErrRateLimitExceeded", err)
	}
	if record.Status != domain.StatusFailed {
		t.Errorf("Status = %v, want FAILED", record.Status)
	}
}

func TestOrchestrator_Execute_IdempotentReplay(t *testing.T) {
	o, store, _, _, _ := newTestOrchestrator()
	ctx := context.Background()

	bookingID := "TRV-existing"
	existing := &domain.SagaRecord{
		RequestID: "req-replay", UserID: "user-1", Status: domain.StatusConfirmed, BookingID: &bookingID,
	}
	_ = store.Create(ctx, existing)
	store.byBooking[bookingID] = "req-replay"

	record, err := o.Execute(ctx, newTestRequest("req-replay"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if record.Status != domain.StatusConfirmed {
		t.Errorf("Status = %v, want CONFIRMED (replayed)", record.Status)
	}
	if record.BookingID == nil || *record.BookingID != bookingID {
		t.Errorf("BookingID = %v, want %v", record.BookingID, bookingID)
	}
}

func TestOrchestrator_AllLegsConfirm_TransitionsToConfirmed(t *testing.T) {
	o, _, _, _, notifier := newTestOrchestrator()
	ctx := context.Background()

	if _, err := o.Execute(ctx, newTestRequest("req-confirm")); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	for _, leg := range domain.Legs {
		if err := o.HandleLegConfirmed(ctx, leg, broker.ReservationEvent{
			RequestID: "req-confirm", ReservationID: string(leg) + "-res-1", Status: "confirmed",
		}); err != nil {
			t.Fatalf("HandleLegConfirmed(%v) error = %v", leg, err)
		}
	}

	final, err := o.FindByRequestID(ctx, "req-confirm")
	if err != nil {
		t.Fatalf("FindByRequestID() error = %v", err)
	}
	if final.Status != domain.StatusConfirmed {
		t.Fatalf("Status = %v, want CONFIRMED", final.Status)
	}
	if final.BookingID == nil {
		t.Fatal("BookingID is nil after confirmation")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 1 || notifier.events[0] != domain.StatusConfirmed {
		t.Errorf("notifier events = %v, want [CONFIRMED]", notifier.events)
	}
}

func TestOrchestrator_LegFailure_TriggersCompensation_CancelsMadeLegs(t *testing.T) {
	o, _, _, producer, notifier := newTestOrchestrator()
	ctx := context.Background()

	if _, err := o.Execute(ctx, newTestRequest("req-fail")); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if err := o.HandleLegConfirmed(ctx, domain.LegFlight, broker.ReservationEvent{
		RequestID: "req-fail", ReservationID: "flight-res-1", Status: "confirmed",
	}); err != nil {
		t.Fatalf("HandleLegConfirmed(flight) error = %v", err)
	}
	if err := o.HandleLegConfirmed(ctx, domain.LegHotel, broker.ReservationEvent{
		RequestID: "req-fail", ReservationID: "hotel-res-1", Status: "confirmed",
	}); err != nil {
		t.Fatalf("HandleLegConfirmed(hotel) error = %v", err)
	}
	if err := o.HandleLegFailed(ctx, domain.LegCar, broker.ReservationEvent{
		RequestID: "req-fail", Status: "failed", Reason: "no cars available",
	}); err != nil {
		t.Fatalf("HandleLegFailed(car) error = %v", err)
	}

	final, err := o.FindByRequestID(ctx, "req-fail")
	if err != nil {
		t.Fatalf("FindByRequestID() error = %v", err)
	}
	if final.Status != domain.StatusCompensated {
		t.Fatalf("Status = %v, want COMPENSATED", final.Status)
	}

	if len(producer.MessagesOnTopic(broker.TopicCancelHotel)) != 1 {
		t.Errorf("expected a hotel cancel command")
	}
	if len(producer.MessagesOnTopic(broker.TopicCancelFlight)) != 1 {
		t.Errorf("expected a flight cancel command")
	}
	if len(producer.MessagesOnTopic(broker.TopicCancelCar)) != 0 {
		t.Errorf("car leg was never confirmed, should not be cancelled")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 1 || notifier.events[0] != domain.StatusCompensated {
		t.Errorf("notifier events = %v, want [COMPENSATED]", notifier.events)
	}
}

func TestOrchestrator_Compensation_ContinuesPastIndividualCancelFailure(t *testing.T) {
	o, _, _, producer, _ := newTestOrchestrator()
	ctx := context.Background()

	if _, err := o.Execute(ctx, newTestRequest("req-partial-fail")); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, leg := range []domain.Leg{domain.LegFlight, domain.LegHotel} {
		if err := o.HandleLegConfirmed(ctx, leg, broker.ReservationEvent{
			RequestID: "req-partial-fail", ReservationID: string(leg) + "-res", Status: "confirmed",
		}); err != nil {
			t.Fatalf("HandleLegConfirmed(%v) error = %v", leg, err)
		}
	}

	producer.ShouldFail = true
	if err := o.HandleLegFailed(ctx, domain.LegCar, broker.ReservationEvent{
		RequestID: "req-partial-fail", Status: "failed", Reason: "no cars",
	}); err != nil {
		t.Fatalf("HandleLegFailed() error = %v", err)
	}

	final, err := o.FindByRequestID(ctx, "req-partial-fail")
	if err != nil {
		t.Fatalf("FindByRequestID() error = %v", err)
	}
	if final.Status != domain.StatusCompensated {
		t.Fatalf("Status = %v, want COMPENSATED even though every cancel publish failed", final.Status)
	}
}
