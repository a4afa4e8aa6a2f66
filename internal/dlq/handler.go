// Package dlq is the compensation dead-letter channel (§1, §4.1): when a
// leg's compensating cancel cannot be made to succeed, the failure is
// durably recorded and republished for operator alerting instead of being
// silently logged and forgotten. Grounded on
// backend-booking/internal/saga/dlq_handler.go's DLQHandler
// (HandleFailedMessage/ShouldRetry/RetryMessage/GetDLQStats), adapted from
// its generic failed-Kafka-message shape to this saga's specific
// leg-cancel-failure domain, and from its dedicated `pkgsaga.PostgresStore`
// DLQ table to this repo's own `internal/store.Store` (one Postgres
// database, not a separate DLQ store) via the Store interface below.
package dlq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prohmpiriya/travel-saga-orchestrator/internal/broker"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/domain"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/retry"
)

// MaxRetryAttempts bounds how many times a failed leg cancel is retried
// before the failure is considered dead and recorded for operator triage.
const MaxRetryAttempts = 3

// Logger matches internal/orchestrator.Logger so both packages can share a
// logging fake in tests without either importing the other.
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// noOpLogger discards everything; used when no logger is configured.
type noOpLogger struct{}

func (noOpLogger) Info(string, ...interface{})  {}
func (noOpLogger) Warn(string, ...interface{})  {}
func (noOpLogger) Error(string, ...interface{}) {}

// Record is one exhausted compensation failure, durably stored for
// operator triage and republished to the dead-letter topic for alerting.
type Record struct {
	RequestID     string
	BookingID     *string
	Leg           domain.Leg
	ReservationID string
	ErrorMessage  string
	RetryCount    int
	FirstFailedAt time.Time
	LastFailedAt  time.Time
}

// Store persists compensation dead letters. Satisfied structurally by
// internal/store.Store.
type Store interface {
	SaveDeadLetter(ctx context.Context, rec *Record) error
	CountUnprocessedDeadLetters(ctx context.Context) (int64, error)
}

// Handler retries a failed leg-cancel publish with bounded backoff, then,
// once retries are exhausted, durably records the failure and republishes
// it to the dead-letter topic.
type Handler struct {
	producer broker.Producer
	store    Store
	retrier  *retry.Retrier
	logger   Logger
}

// DefaultRetryConfig bounds the handler's own retry of the failed cancel
// publish at MaxRetryAttempts, with a slightly longer backoff than the
// orchestrator's own publish retrier since by this point the saga step is
// already off the critical synchronous path.
func DefaultRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:      MaxRetryAttempts,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2.0,
		JitterFactor:    0.1,
	}
}

// NewHandler wires a DLQ handler from its collaborators. store may be nil,
// in which case failures are still republished to the dead-letter topic but
// not persisted (matching the teacher's own "store if available" shape).
// retryCfg defaults to DefaultRetryConfig when nil.
func NewHandler(producer broker.Producer, store Store, retryCfg *retry.Config, logger Logger) *Handler {
	if logger == nil {
		logger = noOpLogger{}
	}
	if retryCfg == nil {
		retryCfg = DefaultRetryConfig()
	}
	return &Handler{
		producer: producer,
		store:    store,
		retrier:  retry.New(retryCfg),
		logger:   logger,
	}
}

// HandleCompensationFailure retries the leg's cancel command with bounded
// backoff. If a retry eventually succeeds, recovered is true and the
// caller should mark the leg cancelled. If every retry fails (or the error
// is non-retryable), the failure is durably recorded and republished to
// compensation.failed (broker.TopicCompensationFailed) for operator alerting.
func (h *Handler) HandleCompensationFailure(ctx context.Context, requestID string, bookingID *string, leg domain.Leg, reservationID string, firstErr error) (recovered bool, err error) {
	firstFailedAt := time.Now()
	lastErr := firstErr

	result := h.retrier.DoWithCallback(ctx, func(ctx context.Context) error {
		err := h.producer.Publish(ctx, broker.CancelTopic(leg), requestID, broker.CancelCommand{
			RequestID:     requestID,
			ReservationID: reservationID,
		})
		if err != nil && isNonRetryableError(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		lastErr = err
	})

	if result.Err == nil {
		h.logger.Info("compensation retry recovered", "requestId", requestID, "leg", leg, "attempts", result.Attempts)
		return true, nil
	}
	if result.LastError != nil {
		lastErr = result.LastError
	}

	h.logger.Error("compensation failed after retries, sending to dead-letter channel",
		"requestId", requestID, "leg", leg, "attempts", result.Attempts, "error", lastErr)

	rec := &Record{
		RequestID:     requestID,
		BookingID:     bookingID,
		Leg:           leg,
		ReservationID: reservationID,
		ErrorMessage:  lastErr.Error(),
		RetryCount:    result.Attempts,
		FirstFailedAt: firstFailedAt,
		LastFailedAt:  time.Now(),
	}

	if h.store != nil {
		if storeErr := h.store.SaveDeadLetter(ctx, rec); storeErr != nil {
			h.logger.Error("failed to save dead letter", "requestId", requestID, "error", storeErr)
		}
	}

	return false, h.publishDeadLetterEvent(ctx, rec)
}

func (h *Handler) publishDeadLetterEvent(ctx context.Context, rec *Record) error {
	event := broker.CompensationFailedEvent{
		RequestID:        rec.RequestID,
		CompensationType: string(rec.Leg),
		ReservationID:    rec.ReservationID,
		ErrorMessage:     rec.ErrorMessage,
		Timestamp:        rec.LastFailedAt,
	}
	if rec.BookingID != nil {
		event.BookingID = *rec.BookingID
	}
	if err := h.producer.Publish(ctx, broker.TopicCompensationFailed, rec.RequestID, event); err != nil {
		h.logger.Error("failed to publish dead-letter compensation event", "requestId", rec.RequestID, "leg", rec.Leg, "error", err)
		return fmt.Errorf("failed to publish dead-letter event: %w", err)
	}
	return nil
}

// isNonRetryableError reports whether err reflects a condition no amount
// of retrying will fix (a bad request, an already-cancelled reservation),
// so the retrier should give up immediately rather than burn its budget.
func isNonRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"invalid request", "validation failed", "not found", "unauthorized",
		"forbidden", "duplicate", "already exists",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
