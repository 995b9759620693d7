package pricing

import (
	"math"

	"github.com/example/ride-offers/internal/fare"
	"github.com/example/ride-offers/internal/models"
)

// bandSpread is the +/- range reported around a recommended value.
const bandSpread = 0.15

// FallbackRegionStats is used when a region has no tariff history yet.
var FallbackRegionStats = models.RegionStats{
	AvgBaseFare:       2.50,
	AvgPricePerKm:     1.00,
	AvgPricePerMinute: 0.25,
	AvgMinimumFare:    5.00,
}

type ValueBand struct {
	Recommended float64 `json:"recommended"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
}

func bandAround(v float64) ValueBand {
	return ValueBand{
		Recommended: fare.Round2(v),
		Min:         fare.Round2(v * (1 - bandSpread)),
		Max:         fare.Round2(v * (1 + bandSpread)),
	}
}

type Recommendation struct {
	DriverID       string             `json:"driverId"`
	Region         string             `json:"region"`
	BaseFare       ValueBand          `json:"baseFare"`
	PricePerKm     ValueBand          `json:"pricePerKm"`
	PricePerMinute ValueBand          `json:"pricePerMinute"`
	MinimumFare    ValueBand          `json:"minimumFare"`
	Multipliers    map[string]float64 `json:"multipliers"`
	Confidence     float64            `json:"confidence"`
	Reasons        []string           `json:"reasons"`
}

func ratingMultiplier(rating float64) (float64, string) {
	switch {
	case rating >= 4.8:
		return 1.15, "excellent rating"
	case rating >= 4.5:
		return 1.05, "high rating"
	case rating >= 4.0:
		return 1.0, ""
	default:
		return 0.9, "rating below 4.0"
	}
}

func experienceMultiplier(trips int) (float64, string) {
	switch {
	case trips >= 1000:
		return 1.1, "over 1000 trips"
	case trips >= 500:
		return 1.05, "over 500 trips"
	case trips >= 100:
		return 1.0, ""
	default:
		return 0.95, "fewer than 100 trips"
	}
}

func driverDemandMultiplier(d models.DriverStats, r models.RegionStats) (float64, string) {
	if r.AvgRequestsPerDay <= 0 || d.RequestsPerDay <= 0 {
		return 1.0, ""
	}
	ratio := d.RequestsPerDay / r.AvgRequestsPerDay
	m := math.Min(math.Max(1+(ratio-1)*0.2, 0.9), 1.2)
	switch {
	case m > 1:
		return m, "requested more often than the regional average"
	case m < 1:
		return m, "requested less often than the regional average"
	}
	return m, ""
}

// Confidence grows with the driver's history and the regional sample size.
func Confidence(d models.DriverStats, r models.RegionStats) float64 {
	own := math.Min(float64(d.CompletedTrips)/500, 1)
	region := math.Min(float64(r.DriverCount)/100, 1)
	return math.Min(1, fare.Round2(0.5*own+0.5*region))
}

// RecommendTariff derives a tariff suggestion for a driver from the regional
// averages and the driver's own statistics.
func RecommendTariff(driver models.Driver, region models.RegionStats, stats models.DriverStats) Recommendation {
	base := region
	if base.AvgBaseFare <= 0 && base.AvgPricePerKm <= 0 {
		fb := FallbackRegionStats
		fb.Region = region.Region
		fb.DriverCount = region.DriverCount
		fb.AvgRequestsPerDay = region.AvgRequestsPerDay
		base = fb
	}

	rm, rWhy := ratingMultiplier(driver.Rating)
	trips := stats.CompletedTrips
	if trips == 0 {
		trips = driver.TripsCount
		stats.CompletedTrips = trips
	}
	em, eWhy := experienceMultiplier(trips)
	dm, dWhy := driverDemandMultiplier(stats, base)
	combined := rm * em * dm

	var reasons []string
	for _, why := range []string{rWhy, eWhy, dWhy} {
		if why != "" {
			reasons = append(reasons, why)
		}
	}

	return Recommendation{
		DriverID:       driver.ID,
		Region:         region.Region,
		BaseFare:       bandAround(base.AvgBaseFare * combined),
		PricePerKm:     bandAround(base.AvgPricePerKm * combined),
		PricePerMinute: bandAround(base.AvgPricePerMinute * combined),
		MinimumFare:    bandAround(base.AvgMinimumFare * combined),
		Multipliers: map[string]float64{
			"rating":     rm,
			"experience": em,
			"demand":     fare.Round2(dm),
			"combined":   fare.Round2(combined),
		},
		Confidence: Confidence(stats, region),
		Reasons:    reasons,
	}
}
