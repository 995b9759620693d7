package geo

import "github.com/example/ride-offers/internal/models"

// AirportRadiusKm is how close an endpoint must be to count as an airport trip.
const AirportRadiusKm = 5.0

type Airport struct {
	Code string       `json:"code"`
	Loc  models.Coord `json:"loc"`
}

// DefaultAirports is used when no airport list is configured.
var DefaultAirports = []Airport{
	{Code: "SVO", Loc: models.Coord{Lat: 55.9726, Lon: 37.4146}},
	{Code: "DME", Loc: models.Coord{Lat: 55.4088, Lon: 37.9063}},
	{Code: "VKO", Loc: models.Coord{Lat: 55.5915, Lon: 37.2615}},
	{Code: "LED", Loc: models.Coord{Lat: 59.8003, Lon: 30.2625}},
}

// NearAirport returns the first airport within AirportRadiusKm of p.
func NearAirport(p models.Coord, airports []Airport) (Airport, bool) {
	for _, a := range airports {
		if HaversineKm(p, a.Loc) <= AirportRadiusKm {
			return a, true
		}
	}
	return Airport{}, false
}

// AirportTrip is true when either endpoint is near an airport.
func AirportTrip(pickup, dropoff models.Coord, airports []Airport) bool {
	if _, ok := NearAirport(pickup, airports); ok {
		return true
	}
	_, ok := NearAirport(dropoff, airports)
	return ok
}
