// Package orchestrator is the saga state machine (C5): admission,
// fan-out, per-leg correlation, aggregation, and compensation. Grounded
// on pkg/saga/orchestrator.go's compensate-in-reverse-order loop that
// continues past individual step failures, and on
// orchestrator_handler.go's HandleStepSuccess/HandleStepFailure/
// startCompensation split, generalized from the teacher's sequential
// 4-step saga to this repository's parallel 3-leg fan-out.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prohmpiriya/travel-saga-orchestrator/internal/broker"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/dlq"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/domain"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/logger"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/retry"
)

// Logger is the reference codebase's own saga.Logger shape, accepted so
// tests can inject a recording fake instead of calling the global logger.
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// defaultLogger adapts the global pkg/logger.Logger to the Logger interface.
type defaultLogger struct{}

func (defaultLogger) Info(msg string, fields ...interface{})  { logger.Get().Info(msg, fields...) }
func (defaultLogger) Warn(msg string, fields ...interface{})  { logger.Get().Warn(msg, fields...) }
func (defaultLogger) Error(msg string, fields ...interface{}) { logger.Get().Error(msg, fields...) }

// StateRepository is the C3 contract the orchestrator depends on.
type StateRepository interface {
	Create(ctx context.Context, record *domain.SagaRecord) error
	FindByRequestID(ctx context.Context, requestID string) (*domain.SagaRecord, error)
	FindByBookingID(ctx context.Context, bookingID string) (*domain.SagaRecord, error)
	UpdateStatus(ctx context.Context, requestID string, from, to domain.Status, bookingID, errorMessage *string) (bool, error)
	SaveConfirmedReservation(ctx context.Context, leg domain.Leg, requestID, reservationID string) (bool, error)
	MarkLegCancelled(ctx context.Context, leg domain.Leg, requestID string) error
	SetError(ctx context.Context, requestID, message string) error
}

// Coordinator is the C4 contract the orchestrator depends on.
type Coordinator interface {
	AcquireLock(ctx context.Context, id string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, id string) error
	CheckRateLimit(ctx context.Context, userID string, limit int64, window time.Duration) (bool, error)
	CacheActiveSagaState(ctx context.Context, requestID string, record *domain.SagaRecord, ttl time.Duration) error
	GetActiveSagaState(ctx context.Context, requestID string) (*domain.SagaRecord, error)
	ClearActiveSagaState(ctx context.Context, requestID string) error
	AddToPendingQueue(ctx context.Context, requestID string, score float64) error
	RemoveFromPendingQueue(ctx context.Context, requestID string) error
	IncrementStepCounter(ctx context.Context, requestID, stepName string, ttl time.Duration) (int64, error)
	SetSagaMetadata(ctx context.Context, requestID string, fields map[string]string, ttl time.Duration) error
	GetSagaMetadata(ctx context.Context, requestID string) (map[string]string, error)
	Cleanup(ctx context.Context, requestID string) error
}

// Notifier is the C7 contract the orchestrator depends on.
type Notifier interface {
	PublishTerminal(ctx context.Context, requestID string, status domain.Status, snapshot *domain.SagaRecord)
}

// Config configures an Orchestrator. Legs not present here (reservation
// clients, C1) are modeled as direct broker publishes of the reserve/
// cancel topics — "send a reservation command, expose cancel" is exactly
// what Producer.Publish already does, so no separate client type is
// needed; see DESIGN.md.
type Config struct {
	Store       StateRepository
	Coordinator Coordinator
	Producer    broker.Producer
	Notifier    Notifier
	Logger      Logger

	// DeadLetterStore persists exhausted compensation failures for
	// operator triage (§1, §4.1's dead-letter channel). May be nil, in
	// which case failures are still republished to the dead-letter
	// topic but not durably recorded.
	DeadLetterStore dlq.Store

	RateLimitPerUserPerMinute int64
	LockTTL                   time.Duration
	HotCacheTTL               time.Duration
	StepsTTL                  time.Duration
	BookingIDPrefix           string

	// PublishRetry bounds retries for broker publishes (reservation
	// commands, cancels, terminal events) against transient broker
	// errors. Defaults to a couple of short, jittered retries — the
	// saga step this guards is already synchronous and latency-
	// sensitive, so it deliberately does not use retry.DefaultConfig's
	// multi-second backoff.
	PublishRetry *retry.Config

	// DLQRetry bounds the dead-letter handler's own retry of a failed
	// leg-cancel compensation before it is durably recorded. Defaults to
	// dlq.DefaultRetryConfig.
	DLQRetry *retry.Config
}

func defaultPublishRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:      2,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
		Multiplier:      2.0,
		JitterFactor:    0.1,
	}
}

// Orchestrator implements the C5 saga state machine.
type Orchestrator struct {
	store       StateRepository
	coordinator Coordinator
	producer    broker.Producer
	notifier    Notifier
	logger      Logger
	retrier     *retry.Retrier
	dlq         *dlq.Handler

	rateLimit       int64
	lockTTL         time.Duration
	hotCacheTTL     time.Duration
	stepsTTL        time.Duration
	bookingIDPrefix string
}

// NewOrchestrator wires the saga state machine from its collaborators.
func NewOrchestrator(cfg *Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = defaultLogger{}
	}

	rateLimit := cfg.RateLimitPerUserPerMinute
	if rateLimit == 0 {
		rateLimit = 5
	}
	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 300 * time.Second
	}
	hotCacheTTL := cfg.HotCacheTTL
	if hotCacheTTL == 0 {
		hotCacheTTL = 3600 * time.Second
	}
	stepsTTL := cfg.StepsTTL
	if stepsTTL == 0 {
		stepsTTL = 7200 * time.Second
	}
	prefix := cfg.BookingIDPrefix
	if prefix == "" {
		prefix = "TRV-"
	}
	publishRetry := cfg.PublishRetry
	if publishRetry == nil {
		publishRetry = defaultPublishRetryConfig()
	}

	return &Orchestrator{
		store:           cfg.Store,
		coordinator:     cfg.Coordinator,
		producer:        cfg.Producer,
		notifier:        cfg.Notifier,
		logger:          log,
		retrier:         retry.New(publishRetry),
		dlq:             dlq.NewHandler(cfg.Producer, cfg.DeadLetterStore, cfg.DLQRetry, log),
		rateLimit:       rateLimit,
		lockTTL:         lockTTL,
		hotCacheTTL:     hotCacheTTL,
		stepsTTL:        stepsTTL,
		bookingIDPrefix: prefix,
	}
}

// Execute is the synchronous admission entry point (§4.1). It never
// blocks on downstream reservation confirmations.
func (o *Orchestrator) Execute(ctx context.Context, req domain.BookingRequest) (*domain.SagaRecord, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Step 1: per-user rate limit.
	allowed, err := o.coordinator.CheckRateLimit(ctx, req.UserID, o.rateLimit, 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !allowed {
		return o.rejected(req, "rate limit exceeded for user"), domain.ErrRateLimitExceeded
	}

	// Step 2: distributed lock, keyed by request-id.
	_, acquired, err := o.coordinator.AcquireLock(ctx, req.RequestID, o.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire saga lock: %w", err)
	}
	if !acquired {
		return o.rejected(req, "concurrent execution: lock not acquired"), domain.ErrLockNotAcquired
	}
	defer func() {
		if err := o.coordinator.ReleaseLock(ctx, req.RequestID); err != nil {
			o.logger.Warn("failed to release saga lock", "requestId", req.RequestID, "error", err)
		}
	}()

	// Step 3: idempotent replay of an already-terminal request.
	existing, err := o.FindByRequestID(ctx, req.RequestID)
	if err == nil && existing.Status.IsTerminal() {
		return existing, nil
	}
	if err != nil && err != domain.ErrSagaNotFound {
		return nil, fmt.Errorf("failed to look up existing saga: %w", err)
	}

	// Step 4: persist PENDING.
	record := &domain.SagaRecord{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Request:   req,
		Status:    domain.StatusPending,
	}
	if err := o.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create saga record: %w", err)
	}

	// Step 5: hot cache.
	if err := o.coordinator.CacheActiveSagaState(ctx, req.RequestID, record, o.hotCacheTTL); err != nil {
		o.logger.Warn("failed to cache active saga state", "requestId", req.RequestID, "error", err)
	}

	// Step 6: metadata + pending queue.
	now := time.Now()
	if err := o.coordinator.SetSagaMetadata(ctx, req.RequestID, map[string]string{
		"userId":    req.UserID,
		"lastStep":  "admitted",
		"createdAt": now.Format(time.RFC3339),
	}, o.stepsTTL); err != nil {
		o.logger.Warn("failed to set saga metadata", "requestId", req.RequestID, "error", err)
	}
	if err := o.coordinator.AddToPendingQueue(ctx, req.RequestID, float64(now.UnixMilli())); err != nil {
		o.logger.Warn("failed to add saga to pending queue", "requestId", req.RequestID, "error", err)
	}

	// Step 7: fan out reservation commands.
	if err := o.publishReservationCommands(ctx, req); err != nil {
		errMsg := fmt.Sprintf("failed to publish reservation commands: %v", err)
		_, _ = o.store.UpdateStatus(ctx, req.RequestID, domain.StatusPending, domain.StatusFailed, nil, &errMsg)
		_ = o.store.SetError(ctx, req.RequestID, errMsg)
		record.Status = domain.StatusFailed
		errMsgPtr := errMsg
		record.ErrorMsg = &errMsgPtr
		return record, nil
	}

	// Step 8: lock is released by the deferred call above.
	return record, nil
}

func (o *Orchestrator) rejected(req domain.BookingRequest, reason string) *domain.SagaRecord {
	return &domain.SagaRecord{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Request:   req,
		Status:    domain.StatusFailed,
		ErrorMsg:  &reason,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// publish retries a broker publish with bounded exponential backoff before
// surfacing the failure, absorbing the broker's own transient blips (a
// dropped connection mid-rebalance, a leader election) without failing a
// saga admission or compensation step outright.
func (o *Orchestrator) publish(ctx context.Context, topic, key string, payload interface{}) error {
	result := o.retrier.Do(ctx, func(ctx context.Context) error {
		return o.producer.Publish(ctx, topic, key, payload)
	})
	if result.Err == nil {
		return nil
	}
	if result.LastError != nil {
		return result.LastError
	}
	return result.Err
}

func (o *Orchestrator) publishReservationCommands(ctx context.Context, req domain.BookingRequest) error {
	for _, leg := range domain.Legs {
		cmd := o.reserveCommandFor(leg, req)
		topic := broker.ReserveTopic(leg)
		if err := o.publish(ctx, topic, req.RequestID, cmd); err != nil {
			return fmt.Errorf("failed to publish %s reservation command: %w", leg, err)
		}
	}
	return nil
}

func (o *Orchestrator) reserveCommandFor(leg domain.Leg, req domain.BookingRequest) broker.ReserveCommand {
	key := fmt.Sprintf("%s|%s", req.RequestID, leg)
	switch leg {
	case domain.LegFlight:
		return broker.ReserveCommand{
			RequestID: req.RequestID, UserID: req.UserID, IdempotencyKey: key,
			Origin: req.Flight.Origin, Destination: req.Flight.Destination,
			DepartureDate: req.Flight.DepartureDate, ReturnDate: req.Flight.ReturnDate,
		}
	case domain.LegHotel:
		return broker.ReserveCommand{
			RequestID: req.RequestID, UserID: req.UserID, IdempotencyKey: key,
			HotelID: req.Hotel.HotelID, CheckInDate: req.Hotel.CheckInDate, CheckOutDate: req.Hotel.CheckOutDate,
		}
	case domain.LegCar:
		return broker.ReserveCommand{
			RequestID: req.RequestID, UserID: req.UserID, IdempotencyKey: key,
			PickupLocation: req.Car.PickupLocation, DropoffLocation: req.Car.DropoffLocation,
			PickupDate: req.Car.PickupDate, DropoffDate: req.Car.DropoffDate,
		}
	default:
		return broker.ReserveCommand{RequestID: req.RequestID, UserID: req.UserID, IdempotencyKey: key}
	}
}

// FindByRequestID looks up a saga record, hot cache first (§4.1 lookups).
func (o *Orchestrator) FindByRequestID(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	if cached, err := o.coordinator.GetActiveSagaState(ctx, requestID); err == nil && cached != nil {
		return cached, nil
	}
	return o.store.FindByRequestID(ctx, requestID)
}

// FindByBookingID returns a not-found error for any saga not yet
// CONFIRMED, resolved by (I1): booking-id is null until CONFIRMED.
func (o *Orchestrator) FindByBookingID(ctx context.Context, bookingID string) (*domain.SagaRecord, error) {
	return o.store.FindByBookingID(ctx, bookingID)
}

// HandleLegConfirmed is the per-leg confirmation handler (§4.1
// Correlation). It is safe to call redundantly for a late or duplicate
// event; I3's write-once semantics make the repository call idempotent.
func (o *Orchestrator) HandleLegConfirmed(ctx context.Context, leg domain.Leg, event broker.ReservationEvent) error {
	record, err := o.store.FindByRequestID(ctx, event.RequestID)
	if err != nil {
		if err == domain.ErrSagaNotFound {
			o.logger.Warn("confirmation for unknown saga", "requestId", event.RequestID, "leg", leg)
			return nil
		}
		return fmt.Errorf("failed to look up saga for confirmation: %w", err)
	}

	if record.Status.IsTerminal() {
		o.logger.Info("confirmation for terminal saga, ignoring", "requestId", event.RequestID, "leg", leg)
		return nil
	}

	applied, err := o.store.SaveConfirmedReservation(ctx, leg, event.RequestID, event.ReservationID)
	if err != nil {
		return fmt.Errorf("failed to save %s reservation: %w", leg, err)
	}
	if applied {
		stepName := strings.ToUpper(string(leg)) + "_CONFIRMED"
		if _, err := o.coordinator.IncrementStepCounter(ctx, event.RequestID, stepName, o.stepsTTL); err != nil {
			o.logger.Warn("failed to increment step counter", "requestId", event.RequestID, "step", stepName, "error", err)
		}
		o.refreshActiveSagaCache(ctx, event.RequestID)
	}

	_, err = o.AggregateResults(ctx, event.RequestID)
	return err
}

// refreshActiveSagaCache re-reads the durable record and re-caches it so the
// cache-first FindByRequestID reflects the leg write that was just applied,
// instead of serving the initial PENDING snapshot for the saga's whole
// in-flight lifetime. No-op for a terminal record: finalize already owns
// clearing the cache for those.
func (o *Orchestrator) refreshActiveSagaCache(ctx context.Context, requestID string) {
	record, err := o.store.FindByRequestID(ctx, requestID)
	if err != nil {
		o.logger.Warn("failed to reload saga for cache refresh", "requestId", requestID, "error", err)
		return
	}
	if record.Status.IsTerminal() {
		return
	}
	if err := o.coordinator.CacheActiveSagaState(ctx, requestID, record, o.hotCacheTTL); err != nil {
		o.logger.Warn("failed to refresh active saga cache", "requestId", requestID, "error", err)
	}
}

// HandleLegFailed triggers compensation immediately, without waiting for
// the other legs (§4.1 Correlation).
func (o *Orchestrator) HandleLegFailed(ctx context.Context, leg domain.Leg, event broker.ReservationEvent) error {
	record, err := o.store.FindByRequestID(ctx, event.RequestID)
	if err != nil {
		if err == domain.ErrSagaNotFound {
			o.logger.Warn("failure for unknown saga", "requestId", event.RequestID, "leg", leg)
			return nil
		}
		return fmt.Errorf("failed to look up saga for failure: %w", err)
	}

	if record.Status.IsTerminal() {
		o.logger.Info("failure for terminal saga, ignoring", "requestId", event.RequestID, "leg", leg)
		return nil
	}

	stepName := strings.ToUpper(string(leg)) + "_FAILED"
	if _, err := o.coordinator.IncrementStepCounter(ctx, event.RequestID, stepName, o.stepsTTL); err != nil {
		o.logger.Warn("failed to increment step counter", "requestId", event.RequestID, "step", stepName, "error", err)
	}
	if err := o.coordinator.SetSagaMetadata(ctx, event.RequestID, map[string]string{
		"failedLeg": string(leg),
	}, o.stepsTTL); err != nil {
		o.logger.Warn("failed to set failed-leg metadata", "requestId", event.RequestID, "error", err)
	}
	o.refreshActiveSagaCache(ctx, event.RequestID)

	reason := fmt.Sprintf("%s leg failed: %s", leg, event.Reason)
	_, err = o.compensate(ctx, event.RequestID, reason)
	return err
}

// AggregateResults is the idempotent finaliser (§4.1 Aggregation). Both
// the event-driven path (HandleLegConfirmed) and an explicit external
// caller may invoke it; the conditional durable-store transition, not
// caller discipline, is what enforces single aggregation.
func (o *Orchestrator) AggregateResults(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	record, err := o.store.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up saga for aggregation: %w", err)
	}

	if record.Status.IsTerminal() {
		return record, nil
	}

	if record.AllLegsConfirmed() {
		return o.confirm(ctx, requestID)
	}

	meta, err := o.coordinator.GetSagaMetadata(ctx, requestID)
	if err == nil && meta["failedLeg"] != "" {
		return o.compensate(ctx, requestID, fmt.Sprintf("%s leg failed", meta["failedLeg"]))
	}

	return record, nil
}

// SweepStale forces a still-PENDING saga to a terminal state, for the
// sweeper (internal/sweep): CONFIRMED if all three legs are already
// recorded, otherwise COMPENSATED. A saga stuck in PENDING past its
// deadline may never receive a confirmation or failure event for every
// leg, so waiting on AggregateResults's AllLegsConfirmed/failedLeg checks
// would wait forever.
func (o *Orchestrator) SweepStale(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	record, err := o.store.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up saga for sweep: %w", err)
	}
	if record.Status.IsTerminal() {
		return record, nil
	}
	if record.AllLegsConfirmed() {
		return o.confirm(ctx, requestID)
	}
	return o.compensate(ctx, requestID, "saga timed out in PENDING and was swept")
}

func (o *Orchestrator) confirm(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	bookingID := o.bookingIDPrefix + uuid.NewString()

	applied, err := o.store.UpdateStatus(ctx, requestID, domain.StatusPending, domain.StatusConfirmed, &bookingID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm saga: %w", err)
	}

	final, err := o.store.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read confirmed saga: %w", err)
	}

	if applied {
		o.finalize(ctx, requestID, domain.StatusConfirmed, final)
	}
	return final, nil
}

// compensate cancels every made leg in reverse acquisition order,
// continuing past individual cancel failures, and transitions to
// COMPENSATED regardless of individual outcomes (§4.1 Compensation protocol).
func (o *Orchestrator) compensate(ctx context.Context, requestID, reason string) (*domain.SagaRecord, error) {
	record, err := o.store.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up saga for compensation: %w", err)
	}
	if record.Status.IsTerminal() {
		return record, nil
	}

	if reason != "" {
		if err := o.store.SetError(ctx, requestID, reason); err != nil {
			o.logger.Warn("failed to record compensation reason", "requestId", requestID, "error", err)
		}
	}

	for _, leg := range record.MadeLegs() {
		reservationID := record.ReservationID(leg)
		if reservationID == nil {
			continue
		}

		cancelErr := o.publish(ctx, broker.CancelTopic(leg), requestID, broker.CancelCommand{
			RequestID:     requestID,
			ReservationID: *reservationID,
		})
		if cancelErr == nil {
			if err := o.store.MarkLegCancelled(ctx, leg, requestID); err != nil {
				o.logger.Warn("failed to mark leg cancelled", "requestId", requestID, "leg", leg, "error", err)
			}
			continue
		}

		o.recordCompensationFailure(ctx, requestID, record.BookingID, leg, *reservationID, cancelErr)
	}

	if _, err := o.store.UpdateStatus(ctx, requestID, domain.StatusPending, domain.StatusCompensated, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to transition saga to compensated: %w", err)
	}

	final, err := o.store.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read compensated saga: %w", err)
	}

	o.finalize(ctx, requestID, domain.StatusCompensated, final)
	return final, nil
}

// recordCompensationFailure hands a failed leg-cancel off to the dead-letter
// handler, which retries it independently and, if every retry fails, durably
// records the failure and republishes it to the dead-letter topic.
func (o *Orchestrator) recordCompensationFailure(ctx context.Context, requestID string, bookingID *string, leg domain.Leg, reservationID string, cancelErr error) {
	recovered, err := o.dlq.HandleCompensationFailure(ctx, requestID, bookingID, leg, reservationID, cancelErr)
	if err != nil {
		o.logger.Error("failed to dead-letter compensation failure", "requestId", requestID, "leg", leg, "error", err)
		return
	}
	if recovered {
		if err := o.store.MarkLegCancelled(ctx, leg, requestID); err != nil {
			o.logger.Warn("failed to mark leg cancelled after recovered retry", "requestId", requestID, "leg", leg, "error", err)
		}
		return
	}

	msg := fmt.Sprintf("compensation failed for %s leg: %v", leg, cancelErr)
	if err := o.store.SetError(ctx, requestID, msg); err != nil {
		o.logger.Warn("failed to append compensation failure", "requestId", requestID, "error", err)
	}
}

func (o *Orchestrator) finalize(ctx context.Context, requestID string, status domain.Status, snapshot *domain.SagaRecord) {
	if err := o.coordinator.ClearActiveSagaState(ctx, requestID); err != nil {
		o.logger.Warn("failed to clear active saga hot cache", "requestId", requestID, "error", err)
	}
	if err := o.coordinator.Cleanup(ctx, requestID); err != nil {
		o.logger.Warn("failed to clean up coordination keys", "requestId", requestID, "error", err)
	}

	topic := broker.TopicBookingConfirmed
	if status != domain.StatusConfirmed {
		topic = broker.TopicBookingFailed
	}
	terminal := broker.TerminalEvent{
		RequestID: requestID,
		Status:    string(status),
		Snapshot:  snapshot,
	}
	if snapshot.BookingID != nil {
		terminal.BookingID = *snapshot.BookingID
	}
	if err := o.publish(ctx, topic, requestID, terminal); err != nil {
		o.logger.Warn("failed to publish terminal event to broker", "requestId", requestID, "error", err)
	}

	if o.notifier != nil {
		o.notifier.PublishTerminal(ctx, requestID, status, snapshot)
	}
}
