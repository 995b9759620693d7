package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Tariff is a driver-owned pricing configuration. A tariff is only usable by
// the engine once an administrator approved it.
type Tariff struct {
	ID               string    `json:"id" db:"id"`
	DriverID         string    `json:"driver_id" db:"driver_id"`
	BaseFare         float64   `json:"base_fare" db:"base_fare"`
	PricePerKm       float64   `json:"price_per_km" db:"price_per_km"`
	PricePerMinute   float64   `json:"price_per_minute" db:"price_per_minute"`
	MinimumFare      float64   `json:"minimum_fare" db:"minimum_fare"`
	NightSurcharge   float64   `json:"night_surcharge" db:"night_surcharge"`
	WeekendSurcharge float64   `json:"weekend_surcharge" db:"weekend_surcharge"`
	AirportSurcharge float64   `json:"airport_surcharge" db:"airport_surcharge"`
	Region           string    `json:"region" db:"region"`
	Currency         string    `json:"currency" db:"currency"`
	IsApproved       bool      `json:"is_approved" db:"is_approved"`
	IsActive         bool      `json:"is_active" db:"is_active"`
	ValidFrom        time.Time `json:"valid_from" db:"valid_from"`
	ValidUntil       time.Time `json:"valid_until,omitempty" db:"valid_until"`
}

// UsableAt is true for an approved, active tariff whose validity window
// contains t. A zero ValidUntil means open ended.
func (t *Tariff) UsableAt(at time.Time) bool {
	if t == nil || !t.IsApproved || !t.IsActive {
		return false
	}
	if !t.ValidFrom.IsZero() && at.Before(t.ValidFrom) {
		return false
	}
	if !t.ValidUntil.IsZero() && !at.Before(t.ValidUntil) {
		return false
	}
	return true
}

// Edited returns a copy that needs approval again.
func (t Tariff) Edited() Tariff {
	t.IsApproved = false
	return t
}

type Driver struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Loc               Coord     `json:"loc"`
	Online            bool      `json:"online"`
	Available         bool      `json:"available"`
	HasAirportLicense bool      `json:"has_airport_license"`
	Rating            float64   `json:"rating"` // 0..5
	TripsCount        int       `json:"trips_count"`
	Vehicle           string    `json:"vehicle,omitempty"`
	PhotoURL          string    `json:"photo,omitempty"`
	CurrentRideID     string    `json:"current_ride_id,omitempty"`
	Tariff            *Tariff   `json:"tariff,omitempty"`
	Updated           time.Time `json:"updated"`
}

// Bookable reports whether the driver can take a new ride right now.
func (d Driver) Bookable() bool { return d.Online && d.Available }

type RideRequest struct {
	RiderID        string            `json:"rider_id"`
	Pickup         Coord             `json:"pickup"`
	Dropoff        Coord             `json:"dropoff"`
	RequestTime    time.Time         `json:"request_time"`
	PassengerCount int               `json:"passenger_count,omitempty"`
	Preferences    map[string]string `json:"preferences,omitempty"`
	Region         string            `json:"region,omitempty"`
	EventType      string            `json:"event_type,omitempty"`
	Weather        string            `json:"weather,omitempty"`
}

type RouteEstimate struct {
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes float64 `json:"eta_minutes"`
	Degraded   bool    `json:"degraded,omitempty"`
}

type PricingContext struct {
	RequestTime time.Time
	Location    Coord
	Region      string
	EventType   string
	Weather     string
}

type Pricing struct {
	BaseFare         float64 `json:"baseFare"`
	DistanceCost     float64 `json:"distanceCost"`
	TimeCost         float64 `json:"timeCost"`
	Surcharges       float64 `json:"surcharges"`
	DemandMultiplier float64 `json:"demandMultiplier"`
	TotalCost        float64 `json:"totalCost"`
	Currency         string  `json:"currency"`
}

type Logistics struct {
	EstimatedArrival  float64 `json:"estimatedArrival"`
	EstimatedTripTime float64 `json:"estimatedTripTime"`
	Distance          float64 `json:"distance"`
}

type DriverSummary struct {
	Name       string  `json:"name"`
	Rating     float64 `json:"rating"`
	TripsCount int     `json:"tripsCount"`
	Vehicle    string  `json:"vehicle,omitempty"`
	Photo      string  `json:"photo,omitempty"`
}

type Category string

const (
	CategoryEconomy  Category = "economy"
	CategoryStandard Category = "standard"
	CategoryPremium  Category = "premium"
)

type Offer struct {
	DriverID  string        `json:"driverId"`
	Driver    DriverSummary `json:"driver"`
	Pricing   Pricing       `json:"pricing"`
	Logistics Logistics     `json:"logistics"`
	Score     float64       `json:"score"`
	Category  Category      `json:"category"`
	Label     string        `json:"label"`
}

type PricingInfo struct {
	Multiplier  float64            `json:"currentMultiplier"`
	Level       string             `json:"demandLevel"`
	Explanation string             `json:"explanation"`
	Components  map[string]float64 `json:"components"`
}

type OfferSet struct {
	Options     []Offer        `json:"options"`
	PricingInfo PricingInfo    `json:"pricingInfo"`
	RequestID   string         `json:"requestId"`
	ValidUntil  time.Time      `json:"validUntil"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ClaimResult string

const (
	ClaimSuccess  ClaimResult = "success"
	ClaimConflict ClaimResult = "conflict"
	ClaimExpired  ClaimResult = "expired"
)

type RideStatus string

const (
	RideRequested RideStatus = "requested"
	RideAccepted  RideStatus = "accepted"
	RideArrived   RideStatus = "arrived"
	RideStarted   RideStatus = "started"
	RideCompleted RideStatus = "completed"
	RideCanceled  RideStatus = "canceled"
	RideExpired   RideStatus = "expired"
)

// Active is true while the ride keeps its driver busy.
func (s RideStatus) Active() bool {
	return s == RideAccepted || s == RideArrived || s == RideStarted
}

type Ride struct {
	ID             string     `json:"rideId" db:"id"`
	RequestID      string     `json:"requestId" db:"request_id"`
	RiderID        string     `json:"riderId" db:"rider_id"`
	DriverID       string     `json:"driverId" db:"driver_id"`
	Pickup         Coord      `json:"pickup" db:"-"`
	Dropoff        Coord      `json:"dropoff" db:"-"`
	EstimatedPrice float64    `json:"estimatedPrice" db:"estimated_price"`
	Status         RideStatus `json:"status" db:"status"`
	PaymentMethod  string     `json:"paymentMethod,omitempty" db:"payment_method"`
	Notes          string     `json:"notes,omitempty" db:"notes"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
}

// RegionStats aggregates tariffs and trips of a region.
type RegionStats struct {
	Region              string  `json:"region" db:"region"`
	AvgBaseFare         float64 `json:"avgBaseFare" db:"avg_base_fare"`
	AvgPricePerKm       float64 `json:"avgPricePerKm" db:"avg_price_per_km"`
	AvgPricePerMinute   float64 `json:"avgPricePerMinute" db:"avg_price_per_minute"`
	AvgMinimumFare      float64 `json:"avgMinimumFare" db:"avg_minimum_fare"`
	DriverCount         int     `json:"driverCount" db:"driver_count"`
	AvgRequestsPerDay   float64 `json:"avgRequestsPerDay" db:"avg_requests_per_day"`
	CompletedTrips30Day int     `json:"completedTrips30Day" db:"completed_trips_30d"`
}

// DriverStats is the driver's own history used for tariff recommendations.
type DriverStats struct {
	DriverID       string  `json:"driverId" db:"driver_id"`
	CompletedTrips int     `json:"completedTrips" db:"completed_trips"`
	RequestsPerDay float64 `json:"requestsPerDay" db:"requests_per_day"`
	AcceptanceRate float64 `json:"acceptanceRate" db:"acceptance_rate"`
}
