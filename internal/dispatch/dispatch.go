package dispatch

import (
	"errors"
	"time"

	"github.com/example/ride-offers/internal/models"
)

const EventRideAssigned = "ride.assigned"

var ErrNoSession = errors.New("no ws session")

// RideEvent is the message a driver app receives for a claimed ride.
type RideEvent struct {
	Type           string       `json:"type"`
	RideID         string       `json:"rideId"`
	RequestID      string       `json:"requestId"`
	RiderID        string       `json:"riderId"`
	Pickup         models.Coord `json:"pickup"`
	Dropoff        models.Coord `json:"dropoff"`
	EstimatedPrice float64      `json:"estimatedPrice"`
	PaymentMethod  string       `json:"paymentMethod,omitempty"`
	Notes          string       `json:"notes,omitempty"`
	SentAt         time.Time    `json:"sentAt"`
}

func NewRideEvent(r models.Ride) RideEvent {
	return RideEvent{
		Type:           EventRideAssigned,
		RideID:         r.ID,
		RequestID:      r.RequestID,
		RiderID:        r.RiderID,
		Pickup:         r.Pickup,
		Dropoff:        r.Dropoff,
		EstimatedPrice: r.EstimatedPrice,
		PaymentMethod:  r.PaymentMethod,
		Notes:          r.Notes,
		SentAt:         time.Now().UTC(),
	}
}
