package broker

import "github.com/prohmpiriya/travel-saga-orchestrator/internal/domain"

// Topic names for the travel-booking saga, per the broker contract's
// command/event table. Grounded on kafka_topics.go's naming convention
// and Step-to-topic lookup tables, generalized from its four sequential
// steps to the three parallel reservation legs.
const (
	TopicReserveFlight = "booking.reserve.flight"
	TopicReserveHotel  = "booking.reserve.hotel"
	TopicReserveCar    = "booking.reserve.car"

	TopicFlightConfirmed = "booking.reserve.flight.confirmed"
	TopicFlightFailed    = "booking.reserve.flight.failed"
	TopicHotelConfirmed  = "booking.reserve.hotel.confirmed"
	TopicHotelFailed     = "booking.reserve.hotel.failed"
	TopicCarConfirmed    = "booking.reserve.car.confirmed"
	TopicCarFailed       = "booking.reserve.car.failed"

	TopicCancelFlight = "booking.cancel.flight"
	TopicCancelHotel  = "booking.cancel.hotel"
	TopicCancelCar    = "booking.cancel.car"

	TopicBookingConfirmed = "booking.confirmed"
	TopicBookingFailed    = "booking.failed"

	TopicCompensationFailed = "compensation.failed"
)

// ReserveTopic returns the outbound reservation-command topic for a leg.
func ReserveTopic(leg domain.Leg) string {
	switch leg {
	case domain.LegFlight:
		return TopicReserveFlight
	case domain.LegHotel:
		return TopicReserveHotel
	case domain.LegCar:
		return TopicReserveCar
	default:
		return ""
	}
}

// CancelTopic returns the outbound compensation-command topic for a leg.
func CancelTopic(leg domain.Leg) string {
	switch leg {
	case domain.LegFlight:
		return TopicCancelFlight
	case domain.LegHotel:
		return TopicCancelHotel
	case domain.LegCar:
		return TopicCancelCar
	default:
		return ""
	}
}

// ConfirmedTopic returns the inbound confirmation-event topic for a leg.
func ConfirmedTopic(leg domain.Leg) string {
	switch leg {
	case domain.LegFlight:
		return TopicFlightConfirmed
	case domain.LegHotel:
		return TopicHotelConfirmed
	case domain.LegCar:
		return TopicCarConfirmed
	default:
		return ""
	}
}

// FailedTopic returns the inbound failure-event topic for a leg.
func FailedTopic(leg domain.Leg) string {
	switch leg {
	case domain.LegFlight:
		return TopicFlightFailed
	case domain.LegHotel:
		return TopicHotelFailed
	case domain.LegCar:
		return TopicCarFailed
	default:
		return ""
	}
}

// LegFromConfirmedTopic resolves a confirmation topic back to its leg.
func LegFromConfirmedTopic(topic string) (domain.Leg, bool) {
	switch topic {
	case TopicFlightConfirmed:
		return domain.LegFlight, true
	case TopicHotelConfirmed:
		return domain.LegHotel, true
	case TopicCarConfirmed:
		return domain.LegCar, true
	default:
		return "", false
	}
}

// LegFromFailedTopic resolves a failure topic back to its leg.
func LegFromFailedTopic(topic string) (domain.Leg, bool) {
	switch topic {
	case TopicFlightFailed:
		return domain.LegFlight, true
	case TopicHotelFailed:
		return domain.LegHotel, true
	case TopicCarFailed:
		return domain.LegCar, true
	default:
		return "", false
	}
}

// AllConfirmationTopics lists every inbound confirm/fail topic the saga
// consumer group subscribes to.
func AllConfirmationTopics() []string {
	return []string{
		TopicFlightConfirmed, TopicFlightFailed,
		TopicHotelConfirmed, TopicHotelFailed,
		TopicCarConfirmed, TopicCarFailed,
	}
}
