package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-offers/internal/apperr"
	"github.com/example/ride-offers/internal/models"
)

var moscow = models.Coord{Lat: 55.7558, Lon: 37.6173}

func onlineDriver(id string) models.Driver {
	return models.Driver{ID: id, Name: id, Loc: moscow, Online: true, Available: true, Rating: 4.5}
}

func TestMemoryClaimDriverRace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutDriver(onlineDriver("d1"))

	const workers = 64
	var wins, conflicts int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := s.ClaimDriver(ctx, "d1", fmt.Sprintf("ride-%d", i))
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case apperr.HTTPStatus(err) == 409:
				atomic.AddInt32(&conflicts, 1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(workers-1), conflicts)

	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.Available)
	assert.NotEmpty(t, d.CurrentRideID)
}

func TestMemoryClaimDriverStates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	offline := onlineDriver("off")
	offline.Online = false
	s.PutDriver(offline)

	assert.ErrorIs(t, s.ClaimDriver(ctx, "off", "r1"), apperr.ErrConflict)
	assert.ErrorIs(t, s.ClaimDriver(ctx, "ghost", "r1"), apperr.ErrNotFound)
}

func TestMemoryReleaseDriverMatchesRide(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutDriver(onlineDriver("d1"))
	require.NoError(t, s.ClaimDriver(ctx, "d1", "r1"))

	require.NoError(t, s.ReleaseDriver(ctx, "d1", "other"))
	d, _ := s.GetDriver(ctx, "d1")
	assert.False(t, d.Available, "release for a different ride must not free the driver")

	require.NoError(t, s.ReleaseDriver(ctx, "d1", "r1"))
	d, _ = s.GetDriver(ctx, "d1")
	assert.True(t, d.Bookable())
	assert.Empty(t, d.CurrentRideID)
}

func TestMemoryUpdateLocationKeepsClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutDriver(onlineDriver("d1"))
	require.NoError(t, s.ClaimDriver(ctx, "d1", "r1"))

	moved := models.Driver{ID: "d1", Loc: models.Coord{Lat: 55.8, Lon: 37.7}, Online: true, Available: true}
	require.NoError(t, s.UpdateLocation(ctx, moved))
	d, _ := s.GetDriver(ctx, "d1")
	assert.Equal(t, moved.Loc, d.Loc)
	assert.False(t, d.Available)

	require.NoError(t, s.UpdateLocation(ctx, models.Driver{ID: "new", Loc: moscow, Online: true}))
	d, err := s.GetDriver(ctx, "new")
	require.NoError(t, err)
	assert.True(t, d.Bookable())
}

func TestMemoryGetDriversSkipsUnknownAndCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d := onlineDriver("d1")
	d.Tariff = &models.Tariff{BaseFare: 100, IsApproved: true, IsActive: true}
	s.PutDriver(d)

	got, err := s.GetDrivers(ctx, []string{"d1", "ghost"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Tariff)
	got[0].Tariff.BaseFare = 1

	again, _ := s.GetDriver(ctx, "d1")
	assert.Equal(t, 100.0, again.Tariff.BaseFare)
}

func TestMemoryTariffLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutDriver(onlineDriver("d1"))

	first, err := s.SubmitTariff(ctx, models.Tariff{DriverID: "d1", BaseFare: 100, Region: "moscow", IsApproved: true})
	require.NoError(t, err)
	assert.False(t, first.IsApproved)

	d, _ := s.GetDriver(ctx, "d1")
	assert.False(t, d.Tariff.UsableAt(time.Now()))

	require.NoError(t, s.ApproveTariff(ctx, first.ID))
	d, _ = s.GetDriver(ctx, "d1")
	assert.True(t, d.Tariff.UsableAt(time.Now()))

	second, err := s.SubmitTariff(ctx, models.Tariff{DriverID: "d1", BaseFare: 120, Region: "moscow"})
	require.NoError(t, err)
	d, _ = s.GetDriver(ctx, "d1")
	assert.Equal(t, second.ID, d.Tariff.ID)
	assert.False(t, d.Tariff.UsableAt(time.Now()))

	assert.ErrorIs(t, s.ApproveTariff(ctx, first.ID), apperr.ErrNotFound, "superseded tariff")
	_, err = s.SubmitTariff(ctx, models.Tariff{DriverID: "ghost"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryDemandWithin(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutDriver(onlineDriver("near"))
	far := onlineDriver("far")
	far.Loc = models.Coord{Lat: 59.93, Lon: 30.31}
	s.PutDriver(far)
	busy := onlineDriver("busy")
	busy.Available = false
	s.PutDriver(busy)

	require.NoError(t, s.SaveRide(ctx, &models.Ride{DriverID: "busy", Pickup: moscow, Status: models.RideStarted}))
	require.NoError(t, s.SaveRide(ctx, &models.Ride{Pickup: moscow, Status: models.RideRequested}))
	require.NoError(t, s.SaveRide(ctx, &models.Ride{Pickup: moscow, Status: models.RideCompleted}))
	require.NoError(t, s.SaveRide(ctx, &models.Ride{Pickup: far.Loc, Status: models.RideRequested}))

	d, err := s.DemandWithin(ctx, moscow, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, d.ActiveRides)
	assert.Equal(t, 1, d.PendingRides)
	assert.Equal(t, 1, d.AvailableDrivers)

	statuses, err := s.ActiveRideStatuses(ctx, []string{"busy", "near"})
	require.NoError(t, err)
	assert.Equal(t, map[string]models.RideStatus{"busy": models.RideStarted}, statuses)
}

func TestMemoryExpireStaleClaims(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	stale := &models.Ride{ID: "stale", DriverID: "d1", Status: models.RideAccepted}
	require.NoError(t, s.SaveRide(ctx, stale))
	started := &models.Ride{ID: "started", DriverID: "d2", Status: models.RideStarted}
	require.NoError(t, s.SaveRide(ctx, started))

	now = now.Add(25 * time.Hour)
	fresh := &models.Ride{ID: "fresh", DriverID: "d3", Status: models.RideAccepted}
	require.NoError(t, s.SaveRide(ctx, fresh))

	expired, err := s.ExpireStaleClaims(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].ID)

	r, ok := s.Ride("stale")
	require.True(t, ok)
	assert.Equal(t, models.RideExpired, r.Status)
	r, _ = s.Ride("fresh")
	assert.Equal(t, models.RideAccepted, r.Status)
}

func TestMemoryRegionAndDriverStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, fare := range []float64{100, 200} {
		d := onlineDriver(fmt.Sprintf("d%d", i))
		d.TripsCount = 40
		d.Tariff = &models.Tariff{BaseFare: fare, PricePerKm: 20, Region: "Moscow", IsApproved: true, IsActive: true}
		s.PutDriver(d)
	}
	pending := onlineDriver("pending")
	pending.Tariff = &models.Tariff{BaseFare: 900, Region: "moscow", IsActive: true}
	s.PutDriver(pending)

	require.NoError(t, s.SaveRide(ctx, &models.Ride{DriverID: "d0", Status: models.RideCompleted}))
	require.NoError(t, s.SaveRide(ctx, &models.Ride{DriverID: "d0", Status: models.RideCanceled}))

	st, err := s.RegionStats(ctx, "moscow")
	require.NoError(t, err)
	assert.Equal(t, 2, st.DriverCount)
	assert.InDelta(t, 150, st.AvgBaseFare, 1e-9)
	assert.Equal(t, 1, st.CompletedTrips30Day)

	empty, err := s.RegionStats(ctx, "kazan")
	require.NoError(t, err)
	assert.Zero(t, empty.DriverCount)

	ds, err := s.DriverStats(ctx, "d0")
	require.NoError(t, err)
	assert.Equal(t, 40, ds.CompletedTrips)
	assert.InDelta(t, 0.5, ds.AcceptanceRate, 1e-9)
	assert.InDelta(t, 2.0/30, ds.RequestsPerDay, 1e-9)
}

type countingDrivers struct {
	DriverRepository
	calls int
}

func (c *countingDrivers) GetDrivers(ctx context.Context, ids []string) ([]models.Driver, error) {
	c.calls++
	return c.DriverRepository.GetDrivers(ctx, ids)
}

func TestCachedDrivers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutDriver(onlineDriver("d1"))
	s.PutDriver(onlineDriver("d2"))
	inner := &countingDrivers{DriverRepository: s}
	c := NewCachedDrivers(inner, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	got, err := c.GetDrivers(ctx, []string{"d1", "d2"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	_, err = c.GetDrivers(ctx, []string{"d1", "d2"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	require.NoError(t, c.ClaimDriver(ctx, "d1", "r1"))
	got, err = c.GetDrivers(ctx, []string{"d1"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
	assert.False(t, got[0].Available)

	now = now.Add(2 * time.Minute)
	_, err = c.GetDrivers(ctx, []string{"d2"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)

	assert.Equal(t, MaxSnapshotTTL, NewCachedDrivers(s, time.Hour).ttl)
}

// racingDrivers reads through the cache while a claim is in flight, before
// the write reaches the store.
type racingDrivers struct {
	DriverRepository
	cache *CachedDrivers
}

func (r *racingDrivers) ClaimDriver(ctx context.Context, driverID, rideID string) error {
	if _, err := r.cache.GetDrivers(ctx, []string{driverID}); err != nil {
		return err
	}
	return r.DriverRepository.ClaimDriver(ctx, driverID, rideID)
}

func TestCachedDriversReadDuringClaimDoesNotStick(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutDriver(onlineDriver("d1"))
	inner := &racingDrivers{DriverRepository: s}
	c := NewCachedDrivers(inner, time.Minute)
	inner.cache = c

	require.NoError(t, c.ClaimDriver(ctx, "d1", "r1"))

	got, err := c.GetDrivers(ctx, []string{"d1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Available)
}
