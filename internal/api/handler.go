// Package api is the C6 command dispatcher: a single booking command
// endpoint plus an SSE subscription endpoint wired to the notification
// hub. Grounded on pkg/response.Response's JSON envelope. pkg/middleware's
// idempotency dedup (keyed on the X-Idempotency-Key header) is mounted
// router-wide in cmd/orchestrator, not here; the body's requestId is
// deduplicated by the orchestrator's lock and replay.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/travel-saga-orchestrator/internal/domain"
	"github.com/prohmpiriya/travel-saga-orchestrator/internal/notify"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/logger"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/response"
)

// Orchestrator is the subset of internal/orchestrator's contract the
// handler depends on.
type Orchestrator interface {
	Execute(ctx context.Context, req domain.BookingRequest) (*domain.SagaRecord, error)
	FindByRequestID(ctx context.Context, requestID string) (*domain.SagaRecord, error)
	FindByBookingID(ctx context.Context, bookingID string) (*domain.SagaRecord, error)
}

// Subscriber is the subset of the notification hub's contract the handler
// depends on.
type Subscriber interface {
	Subscribe(requestID string) (<-chan notify.Event, func())
}

// Handler wires the booking command and subscription endpoints.
type Handler struct {
	orch Orchestrator
	hub  Subscriber
}

// NewHandler builds a Handler from its collaborators.
func NewHandler(orch Orchestrator, hub Subscriber) *Handler {
	return &Handler{orch: orch, hub: hub}
}

// Register mounts the booking routes on a gin router group.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/bookings", h.createBooking)
	r.GET("/bookings/:requestId", h.getByRequestID)
	r.GET("/bookings/:requestId/stream", h.streamTerminalEvent)
	r.GET("/bookings/by-booking-id/:bookingId", h.getByBookingID)
}

type createBookingRequest struct {
	RequestID string               `json:"requestId"`
	UserID    string               `json:"userId" binding:"required"`
	Flight    domain.FlightSegment `json:"flight"`
	Hotel     domain.HotelSegment  `json:"hotel"`
	Car       domain.CarSegment    `json:"car"`
	Total     float64              `json:"totalAmount"`
}

func (h *Handler) createBooking(c *gin.Context) {
	var body createBookingRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, fmt.Sprintf("invalid booking request: %v", err))
		return
	}

	req := domain.BookingRequest{
		RequestID:   body.RequestID,
		UserID:      body.UserID,
		Flight:      body.Flight,
		Hotel:       body.Hotel,
		Car:         body.Car,
		TotalAmount: body.Total,
	}

	record, err := h.orch.Execute(c.Request.Context(), req)
	if err != nil {
		h.handleExecuteError(c, err)
		return
	}

	if record.Status == domain.StatusFailed {
		response.Error(c, http.StatusConflict, "SAGA_REJECTED", "booking request was rejected", errMessageOf(record))
		return
	}

	response.Created(c, sagaView(record))
}

func (h *Handler) handleExecuteError(c *gin.Context, err error) {
	switch {
	case domain.IsValidationError(err):
		response.BadRequest(c, err.Error())
	case errors.Is(err, domain.ErrRateLimitExceeded):
		response.Error(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", err.Error(), "")
	case errors.Is(err, domain.ErrLockNotAcquired):
		response.Error(c, http.StatusConflict, "CONCURRENT_REQUEST", err.Error(), "")
	default:
		logger.Get().Error("booking command failed", "error", err)
		response.InternalError(c, err)
	}
}

func (h *Handler) getByRequestID(c *gin.Context) {
	requestID := c.Param("requestId")
	record, err := h.orch.FindByRequestID(c.Request.Context(), requestID)
	if err != nil {
		h.handleLookupError(c, err)
		return
	}
	response.Success(c, sagaView(record))
}

func (h *Handler) getByBookingID(c *gin.Context) {
	bookingID := c.Param("bookingId")
	record, err := h.orch.FindByBookingID(c.Request.Context(), bookingID)
	if err != nil {
		h.handleLookupError(c, err)
		return
	}
	response.Success(c, sagaView(record))
}

func (h *Handler) handleLookupError(c *gin.Context, err error) {
	if domain.IsNotFoundError(err) {
		response.NotFound(c, "saga not found")
		return
	}
	response.InternalError(c, err)
}

// streamTerminalEvent serves a one-shot SSE stream: if the saga is
// already terminal, it replies with a snapshot immediately (the late-join
// case from SPEC_FULL.md §4.5); otherwise it subscribes to the
// notification hub and waits for the terminal event, the client
// disconnect, or the request's own deadline.
func (h *Handler) streamTerminalEvent(c *gin.Context) {
	requestID := c.Param("requestId")
	ctx := c.Request.Context()

	record, err := h.orch.FindByRequestID(ctx, requestID)
	if err != nil {
		h.handleLookupError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	if record.Status.IsTerminal() {
		writeSSEEvent(c, string(record.Status), sagaView(record))
		return
	}

	ch, cancel := h.hub.Subscribe(requestID)
	defer cancel()

	select {
	case event, ok := <-ch:
		if !ok {
			// Subscription timed out with no terminal event — fall back to
			// whatever the durable store has recorded by now.
			final, err := h.orch.FindByRequestID(ctx, requestID)
			if err != nil {
				writeSSEEvent(c, "error", gin.H{"message": "saga lookup failed"})
				return
			}
			writeSSEEvent(c, string(final.Status), sagaView(final))
			return
		}
		writeSSEEvent(c, string(event.Status), sagaView(event.Snapshot))
	case <-ctx.Done():
		return
	}
}

func writeSSEEvent(c *gin.Context, event string, data interface{}) {
	c.SSEvent(event, data)
	if f, ok := c.Writer.(http.Flusher); ok {
		f.Flush()
	}
}

func errMessageOf(record *domain.SagaRecord) string {
	if record == nil || record.ErrorMsg == nil {
		return ""
	}
	return *record.ErrorMsg
}

type sagaResponse struct {
	RequestID string        `json:"requestId"`
	BookingID *string       `json:"bookingId,omitempty"`
	Status    domain.Status `json:"status"`
	Error     *string       `json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func sagaView(record *domain.SagaRecord) sagaResponse {
	if record == nil {
		return sagaResponse{}
	}
	return sagaResponse{
		RequestID: record.RequestID,
		BookingID: record.BookingID,
		Status:    record.Status,
		Error:     record.ErrorMsg,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}
