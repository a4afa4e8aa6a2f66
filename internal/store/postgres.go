// Package store is the durable saga state repository (C3): one row per
// request-id in Postgres, with conditional updates enforcing the
// write-once reservation fields and the forward-only status machine.
// Grounded on postgres_booking_repository.go's Confirm/Cancel pattern —
// conditional UPDATE ... WHERE status = $from, row-count-checked.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prohmpiriya/travel-saga-orchestrator/internal/dlq"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/domain"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/database"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func marshalRequest(req domain.BookingRequest) ([]byte, error) {
	return json.Marshal(req)
}

func unmarshalRequest(data []byte) (domain.BookingRequest, error) {
	var req domain.BookingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return domain.BookingRequest{}, err
	}
	return req, nil
}

// Store is the Postgres-backed saga_states repository.
type Store struct {
	db *database.PostgresDB
}

// NewStore wraps a Postgres pool as the saga state repository.
func NewStore(db *database.PostgresDB) *Store {
	return &Store{db: db}
}

// legColumn maps a Leg to its saga_states column name.
func legColumn(leg domain.Leg) (string, error) {
	switch leg {
	case domain.LegFlight:
		return "flight_reservation_id", nil
	case domain.LegHotel:
		return "hotel_reservation_id", nil
	case domain.LegCar:
		return "car_rental_reservation_id", nil
	default:
		return "", fmt.Errorf("unknown leg %q", leg)
	}
}

// Create inserts a new PENDING saga record. Fails if request-id already exists.
func (s *Store) Create(ctx context.Context, record *domain.SagaRecord) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.store.saga.create")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", record.RequestID))

	reqData, err := marshalRequest(record.Request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal booking request: %w", err)
	}

	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	const query = `
		INSERT INTO saga_states (
			request_id, user_id, request_payload, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)`

	err = s.db.Exec(ctx, query,
		record.RequestID, record.UserID, reqData, record.Status,
		record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert saga record: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// FindByRequestID looks up a saga record by its primary key.
func (s *Store) FindByRequestID(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.store.saga.findByRequestId")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	const query = `
		SELECT request_id, booking_id, user_id, request_payload, status, error_message,
			flight_reservation_id, hotel_reservation_id, car_rental_reservation_id,
			created_at, updated_at
		FROM saga_states WHERE request_id = $1`

	record, err := s.scanRow(s.db.QueryRow(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "not found")
			return nil, domain.ErrSagaNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find saga by request id: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return record, nil
}

// FindByBookingID looks up a saga record by its booking-id. Per (I1), the
// booking-id only exists once a saga has reached CONFIRMED, so there is
// no need to filter by status separately — a non-null booking-id implies it.
func (s *Store) FindByBookingID(ctx context.Context, bookingID string) (*domain.SagaRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.store.saga.findByBookingId")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	const query = `
		SELECT request_id, booking_id, user_id, request_payload, status, error_message,
			flight_reservation_id, hotel_reservation_id, car_rental_reservation_id,
			created_at, updated_at
		FROM saga_states WHERE booking_id = $1`

	record, err := s.scanRow(s.db.QueryRow(ctx, query, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "not found")
			return nil, domain.ErrSagaNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find saga by booking id: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return record, nil
}

// UpdateStatus applies the status transition from -> to iff the row's
// current status equals from, enforcing (I4). When to is CONFIRMED,
// bookingID must be non-empty and is written atomically with the
// transition (requires booking_id IS NULL too, enforcing (I1)).
func (s *Store) UpdateStatus(ctx context.Context, requestID string, from, to domain.Status, bookingID, errorMessage *string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.store.saga.updateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	)

	now := time.Now().UTC()

	var query string
	var args []interface{}
	if to == domain.StatusConfirmed {
		query = `
			UPDATE saga_states
			SET status = $1, booking_id = $2, updated_at = $3
			WHERE request_id = $4 AND status = $5 AND booking_id IS NULL`
		args = []interface{}{to, bookingID, now, requestID, from}
	} else {
		query = `
			UPDATE saga_states
			SET status = $1, error_message = COALESCE($2, error_message), updated_at = $3
			WHERE request_id = $4 AND status = $5`
		args = []interface{}{to, errorMessage, now, requestID, from}
	}

	tag, err := s.execCommandTag(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to update saga status: %w", err)
	}

	applied := tag > 0
	span.SetAttributes(attribute.Bool("applied", applied))
	span.SetStatus(codes.Ok, "")
	return applied, nil
}

// SaveConfirmedReservation sets a leg's reservation-id column iff it is
// currently NULL, enforcing (I3). Increments a step counter column is the
// coordinator's job (hot store); this only persists the durable field.
// A no-op (already set) is reported via applied=false, not an error.
func (s *Store) SaveConfirmedReservation(ctx context.Context, leg domain.Leg, requestID, reservationID string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.store.saga.saveConfirmedReservation")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID), attribute.String("leg", string(leg)))

	column, err := legColumn(leg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE saga_states
		SET %s = $1, updated_at = $2
		WHERE request_id = $3 AND %s IS NULL`, column, column)

	tag, err := s.execCommandTag(ctx, query, reservationID, time.Now().UTC(), requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to save %s reservation: %w", leg, err)
	}

	applied := tag > 0
	span.SetAttributes(attribute.Bool("applied", applied))
	span.SetStatus(codes.Ok, "")
	return applied, nil
}

// MarkLegCancelled overwrites a leg's reservation-id column with
// "cancelled" for audit, without clearing it, once its compensating
// cancel has succeeded.
func (s *Store) MarkLegCancelled(ctx context.Context, leg domain.Leg, requestID string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.store.saga.markLegCancelled")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID), attribute.String("leg", string(leg)))

	column, err := legColumn(leg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	query := fmt.Sprintf(`
		UPDATE saga_states SET %s = 'cancelled', updated_at = $1 WHERE request_id = $2`, column)

	if err := s.db.Exec(ctx, query, time.Now().UTC(), requestID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark %s cancelled: %w", leg, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// SetError appends a human-readable reason to the saga's error_message.
func (s *Store) SetError(ctx context.Context, requestID, message string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.store.saga.setError")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	const query = `
		UPDATE saga_states
		SET error_message = CASE
				WHEN error_message IS NULL OR error_message = '' THEN $1
				ELSE error_message || '; ' || $1
			END,
			updated_at = $2
		WHERE request_id = $3`

	if err := s.db.Exec(ctx, query, message, time.Now().UTC(), requestID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to set saga error: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// DeleteByUserID removes every saga row for a user. Test-only; never
// called from production code paths.
func (s *Store) DeleteByUserID(ctx context.Context, userID string) error {
	const query = `DELETE FROM saga_states WHERE user_id = $1`
	if err := s.db.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to delete saga records for user: %w", err)
	}
	return nil
}

// SaveDeadLetter persists an exhausted compensation failure for operator
// triage. Implements dlq.Store.
func (s *Store) SaveDeadLetter(ctx context.Context, rec *dlq.Record) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.store.deadletter.save")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", rec.RequestID), attribute.String("leg", string(rec.Leg)))

	var bookingID *string
	if rec.BookingID != nil {
		bookingID = rec.BookingID
	}

	const query = `
		INSERT INTO saga_dead_letters (
			request_id, booking_id, leg, reservation_id, error_message,
			retry_count, first_failed_at, last_failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if err := s.db.Exec(ctx, query,
		rec.RequestID, bookingID, string(rec.Leg), rec.ReservationID, rec.ErrorMessage,
		rec.RetryCount, rec.FirstFailedAt, rec.LastFailedAt,
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// CountUnprocessedDeadLetters reports how many compensation failures are on
// record — used by operator-facing stats, the store-backed analogue of the
// teacher's GetDLQStats.
func (s *Store) CountUnprocessedDeadLetters(ctx context.Context) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.store.deadletter.count")
	defer span.End()

	const query = `SELECT COUNT(*) FROM saga_dead_letters`

	var count int64
	if err := s.db.QueryRow(ctx, query).Scan(&count); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return count, nil
}

func (s *Store) execCommandTag(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) scanRow(row pgx.Row) (*domain.SagaRecord, error) {
	var (
		record                                                  domain.SagaRecord
		bookingID, errorMessage                                 *string
		flightReservationID, hotelReservationID, carReservationID *string
		requestPayload                                          []byte
	)

	if err := row.Scan(
		&record.RequestID, &bookingID, &record.UserID, &requestPayload, &record.Status, &errorMessage,
		&flightReservationID, &hotelReservationID, &carReservationID,
		&record.CreatedAt, &record.UpdatedAt,
	); err != nil {
		return nil, err
	}

	req, err := unmarshalRequest(requestPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal booking request: %w", err)
	}

	record.BookingID = bookingID
	record.ErrorMsg = errorMessage
	record.Request = req
	record.FlightReservationID = flightReservationID
	record.HotelReservationID = hotelReservationID
	record.CarReservationID = carReservationID

	return &record, nil
}
