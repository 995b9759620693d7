package eligibility

import (
	"time"

	"github.com/example/ride-offers/internal/geo"
	"github.com/example/ride-offers/internal/models"
	"github.com/example/ride-offers/internal/observability"
)

// Reasons a driver is dropped.
const (
	ReasonUnavailable    = "unavailable"
	ReasonNoTariff       = "no_tariff"
	ReasonTariffUnusable = "tariff_not_usable"
	ReasonAirportLicense = "airport_license"
	ReasonActiveRide     = "active_ride"
	ReasonWorkingHours   = "working_hours"
)

// WorkingHours decides whether a driver works at the given time.
type WorkingHours func(d models.Driver, at time.Time) bool

// AlwaysWorking is the default policy.
func AlwaysWorking(models.Driver, time.Time) bool { return true }

// Filter drops drivers that must not receive an offer. It does not mutate
// anything and is safe for concurrent use.
type Filter struct {
	Airports     []geo.Airport
	WorkingHours WorkingHours
	// ActiveRides maps driver id to the status of the ride the driver holds.
	ActiveRides map[string]models.RideStatus
}

// Reason returns why d is not eligible, or "" when it is.
func (f Filter) Reason(d models.Driver, airportTrip bool, at time.Time) string {
	if !d.Bookable() {
		return ReasonUnavailable
	}
	if d.Tariff == nil {
		return ReasonNoTariff
	}
	if !d.Tariff.UsableAt(at) {
		return ReasonTariffUnusable
	}
	if airportTrip && !d.HasAirportLicense {
		return ReasonAirportLicense
	}
	if st, ok := f.ActiveRides[d.ID]; ok && st.Active() {
		return ReasonActiveRide
	}
	wh := f.WorkingHours
	if wh == nil {
		wh = AlwaysWorking
	}
	if !wh(d, at) {
		return ReasonWorkingHours
	}
	return ""
}

func (f Filter) Apply(candidates []models.Driver, pickup, dropoff models.Coord, at time.Time) []models.Driver {
	airports := f.Airports
	if airports == nil {
		airports = geo.DefaultAirports
	}
	airportTrip := geo.AirportTrip(pickup, dropoff, airports)

	out := make([]models.Driver, 0, len(candidates))
	for _, d := range candidates {
		if reason := f.Reason(d, airportTrip, at); reason != "" {
			observability.DriversFiltered.WithLabelValues(reason).Inc()
			continue
		}
		out = append(out, d)
	}
	return out
}
