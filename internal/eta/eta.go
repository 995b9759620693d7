package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-offers/internal/apperr"
	"github.com/example/ride-offers/internal/geo"
	"github.com/example/ride-offers/internal/models"
)

// Leg selects the assumed speed of a route segment.
type Leg int

const (
	// LegToPickup is the driver repositioning to the rider.
	LegToPickup Leg = iota
	// LegTrip is the ride itself, which includes stops.
	LegTrip
)

const (
	PickupSpeedKmH = 40.0
	TripSpeedKmH   = 30.0
)

func (l Leg) SpeedKmH() float64 {
	if l == LegToPickup {
		return PickupSpeedKmH
	}
	return TripSpeedKmH
}

func (l Leg) String() string {
	if l == LegToPickup {
		return "to_pickup"
	}
	return "trip"
}

// Estimator returns a distance and ETA between two points.
type Estimator interface {
	Estimate(ctx context.Context, from, to models.Coord, leg Leg) (models.RouteEstimate, error)
}

// Haversine is the straight-line constant-speed estimator.
type Haversine struct{}

func (Haversine) Estimate(ctx context.Context, from, to models.Coord, leg Leg) (models.RouteEstimate, error) {
	return Straight(from, to, leg), nil
}

// Straight computes the haversine estimate for a leg.
func Straight(from, to models.Coord, leg Leg) models.RouteEstimate {
	d := geo.HaversineKm(from, to)
	return models.RouteEstimate{DistanceKm: d, ETAMinutes: d / leg.SpeedKmH() * 60}
}

// Fallback asks Primary first and degrades to the haversine estimate when the
// provider fails. Context errors are returned as is.
type Fallback struct {
	Primary Estimator
	Logger  *slog.Logger
}

func (f *Fallback) Estimate(ctx context.Context, from, to models.Coord, leg Leg) (models.RouteEstimate, error) {
	if f.Primary == nil {
		return Straight(from, to, leg), nil
	}
	est, err := f.Primary.Estimate(ctx, from, to, leg)
	if err == nil {
		return est, nil
	}
	if ctx.Err() != nil {
		return models.RouteEstimate{}, ctx.Err()
	}
	if f.Logger != nil {
		f.Logger.Warn("route provider failed, using haversine estimate", "leg", leg.String(), "error", err)
	}
	out := Straight(from, to, leg)
	out.Degraded = true
	return out, nil
}

// Cache memoizes estimates for the lifetime of one offer computation.
type Cache struct {
	next  Estimator
	mu    sync.Mutex
	store map[string]models.RouteEstimate
}

// NewCache wraps next. A nil next means Haversine.
func NewCache(next Estimator) *Cache {
	if next == nil {
		next = Haversine{}
	}
	return &Cache{next: next, store: make(map[string]models.RouteEstimate)}
}

func keyFor(a, b models.Coord, leg Leg) string {
	return fmtCoord(a) + "->" + fmtCoord(b) + "/" + leg.String()
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func (c *Cache) Estimate(ctx context.Context, from, to models.Coord, leg Leg) (models.RouteEstimate, error) {
	k := keyFor(from, to, leg)
	c.mu.Lock()
	v, ok := c.store[k]
	c.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := c.next.Estimate(ctx, from, to, leg)
	if err != nil {
		return models.RouteEstimate{}, err
	}
	c.mu.Lock()
	c.store[k] = v
	c.mu.Unlock()
	return v, nil
}

// Len is the number of memoized legs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

func upstream(err error) error { return apperr.Upstream("route", err) }
