package fare

import (
	"math"
	"time"

	"github.com/example/ride-offers/internal/models"
)

const (
	NightStartHour = 22
	NightEndHour   = 6
)

// Surcharges lists each surcharge separately. Airport is flat and already
// included in Breakdown.Base.
type Surcharges struct {
	Night   float64 `json:"night"`
	Weekend float64 `json:"weekend"`
	Airport float64 `json:"airport"`
}

// Total is the distance-scaled part reported as surcharges.
func (s Surcharges) Total() float64 { return s.Night + s.Weekend }

// Breakdown holds unrounded amounts. Use Report to obtain display values.
type Breakdown struct {
	Base       float64
	Distance   float64
	Time       float64
	Surcharges Surcharges
	Minimum    float64
	Currency   string
}

// Subtotal is the fare before the minimum-fare floor.
func (b Breakdown) Subtotal() float64 {
	return b.Base + b.Distance + b.Time + b.Surcharges.Total()
}

// Total applies the minimum fare.
func (b Breakdown) Total() float64 { return math.Max(b.Subtotal(), b.Minimum) }

// WithMultiplier scales the fare by the demand multiplier and re-applies the
// minimum fare.
func (b Breakdown) WithMultiplier(m float64) float64 {
	return math.Max(b.Subtotal()*m, b.Minimum)
}

// Report rounds every amount for output.
func (b Breakdown) Report(m float64) models.Pricing {
	return models.Pricing{
		BaseFare:         Round2(b.Base),
		DistanceCost:     Round2(b.Distance),
		TimeCost:         Round2(b.Time),
		Surcharges:       Round2(b.Surcharges.Total()),
		DemandMultiplier: Round2(m),
		TotalCost:        Round2(b.WithMultiplier(m)),
		Currency:         b.Currency,
	}
}

// IsNight is true for hours in [22, 6).
func IsNight(t time.Time) bool {
	h := t.Hour()
	return h >= NightStartHour || h < NightEndHour
}

func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Calculator prices a route against a tariff.
type Calculator struct{}

func (Calculator) Price(t models.Tariff, route models.RouteEstimate, requestTime time.Time, airport bool) Breakdown {
	b := Breakdown{
		Base:     t.BaseFare,
		Distance: route.DistanceKm * t.PricePerKm,
		Time:     route.ETAMinutes * t.PricePerMinute,
		Minimum:  t.MinimumFare,
		Currency: t.Currency,
	}
	if IsNight(requestTime) {
		b.Surcharges.Night = route.DistanceKm * t.NightSurcharge
	}
	if IsWeekend(requestTime) {
		b.Surcharges.Weekend = route.DistanceKm * t.WeekendSurcharge
	}
	if airport {
		b.Surcharges.Airport = t.AirportSurcharge
		b.Base += t.AirportSurcharge
	}
	return b
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
