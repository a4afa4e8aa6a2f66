package broker

import "time"

// ReserveCommand is the outbound payload for booking.reserve.{flight,hotel,car}.
type ReserveCommand struct {
	RequestID      string    `json:"requestId"`
	UserID         string    `json:"userId"`
	IdempotencyKey string    `json:"idempotencyKey"`

	Origin        string    `json:"origin,omitempty"`
	Destination   string    `json:"destination,omitempty"`
	DepartureDate time.Time `json:"departureDate,omitempty"`
	ReturnDate    time.Time `json:"returnDate,omitempty"`

	HotelID      string    `json:"hotelId,omitempty"`
	CheckInDate  time.Time `json:"checkInDate,omitempty"`
	CheckOutDate time.Time `json:"checkOutDate,omitempty"`

	PickupLocation  string    `json:"pickupLocation,omitempty"`
	DropoffLocation string    `json:"dropoffLocation,omitempty"`
	PickupDate      time.Time `json:"pickupDate,omitempty"`
	DropoffDate     time.Time `json:"dropoffDate,omitempty"`
}

// ReservationEvent is the inbound payload for the confirmed/failed topics.
type ReservationEvent struct {
	RequestID        string  `json:"requestId"`
	ReservationID    string  `json:"reservationId,omitempty"`
	ConfirmationCode string  `json:"confirmationCode,omitempty"`
	Amount           float64 `json:"amount,omitempty"`
	Status           string  `json:"status"`
	Reason           string  `json:"reason,omitempty"`
}

// CancelCommand is the outbound payload for booking.cancel.{flight,hotel,car}.
type CancelCommand struct {
	RequestID     string `json:"requestId"`
	ReservationID string `json:"reservationId"`
}

// TerminalEvent is the outbound payload for booking.confirmed / booking.failed.
type TerminalEvent struct {
	RequestID string      `json:"requestId"`
	BookingID string      `json:"bookingId,omitempty"`
	Status    string      `json:"status"`
	Snapshot  interface{} `json:"snapshot"`
}

// CompensationFailedEvent is the dead-letter payload for compensation.failed.
type CompensationFailedEvent struct {
	RequestID         string    `json:"requestId"`
	BookingID         string    `json:"bookingId,omitempty"`
	CompensationType  string    `json:"compensationType"`
	ReservationID     string    `json:"reservationId"`
	ErrorMessage      string    `json:"errorMessage"`
	ErrorStack        string    `json:"errorStack,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
