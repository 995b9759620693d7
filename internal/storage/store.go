package storage

import (
	"context"
	"time"

	"github.com/example/ride-offers/internal/models"
	"github.com/example/ride-offers/internal/pricing"
)

// DriverRepository reads driver snapshots and owns the only write the engine
// makes: the availability claim.
type DriverRepository interface {
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	GetDrivers(ctx context.Context, ids []string) ([]models.Driver, error)
	// ClaimDriver marks an online, available driver unavailable and assigns
	// rideID in one atomic step. It fails with apperr.ErrConflict otherwise.
	ClaimDriver(ctx context.Context, driverID, rideID string) error
	// ReleaseDriver makes the driver available again if rideID is still the
	// ride it holds.
	ReleaseDriver(ctx context.Context, driverID, rideID string) error
	UpdateLocation(ctx context.Context, d models.Driver) error
}

// TariffRepository keeps at most one active tariff per driver. Submitting a
// tariff supersedes the previous one and leaves the new one pending approval.
type TariffRepository interface {
	SubmitTariff(ctx context.Context, t models.Tariff) (models.Tariff, error)
	ApproveTariff(ctx context.Context, tariffID string) error
}

// RideRepository stores claimed rides and answers the statistics queries
// used for pricing.
type RideRepository interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	ActiveRideStatuses(ctx context.Context, driverIDs []string) (map[string]models.RideStatus, error)
	DemandWithin(ctx context.Context, p models.Coord, radiusKm float64) (pricing.Demand, error)
	RegionStats(ctx context.Context, region string) (models.RegionStats, error)
	DriverStats(ctx context.Context, driverID string) (models.DriverStats, error)
	// ExpireStaleClaims moves rides still "accepted" since before the cutoff
	// to "expired" and returns them.
	ExpireStaleClaims(ctx context.Context, cutoff time.Time) ([]models.Ride, error)
}

// statsWindow is the history used for per-day request rates.
const statsWindow = 30 * 24 * time.Hour
