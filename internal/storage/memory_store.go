package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-offers/internal/apperr"
	"github.com/example/ride-offers/internal/geo"
	"github.com/example/ride-offers/internal/models"
	"github.com/example/ride-offers/internal/pricing"
)

// driverRecord guards one driver. Claims lock only the record they touch.
type driverRecord struct {
	mu sync.Mutex
	d  models.Driver
}

// MemoryStore implements every repository in process. It backs tests and
// single-node deployments without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[string]*driverRecord

	tariffMu sync.Mutex
	tariffs  map[string]models.Tariff

	rideMu sync.RWMutex
	rides  map[string]*models.Ride

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers: make(map[string]*driverRecord),
		tariffs: make(map[string]models.Tariff),
		rides:   make(map[string]*models.Ride),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for ride timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryStore) record(id string) (*driverRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.drivers[id]
	return r, ok
}

// PutDriver inserts or replaces a driver snapshot. A tariff attached to the
// snapshot is registered as the driver's active tariff.
func (m *MemoryStore) PutDriver(d models.Driver) {
	if d.Tariff != nil {
		t := *d.Tariff
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.DriverID = d.ID
		m.tariffMu.Lock()
		m.tariffs[t.ID] = t
		m.tariffMu.Unlock()
		d.Tariff = &t
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.drivers[d.ID]; ok {
		r.mu.Lock()
		r.d = d
		r.mu.Unlock()
		return
	}
	m.drivers[d.ID] = &driverRecord{d: d}
}

func copyDriver(d models.Driver) models.Driver {
	if d.Tariff != nil {
		t := *d.Tariff
		d.Tariff = &t
	}
	return d
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	r, ok := m.record(id)
	if !ok {
		return models.Driver{}, apperr.NotFound("GetDriver", "driver %s not found", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyDriver(r.d), nil
}

func (m *MemoryStore) GetDrivers(ctx context.Context, ids []string) ([]models.Driver, error) {
	out := make([]models.Driver, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := m.GetDriver(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MemoryStore) ClaimDriver(ctx context.Context, driverID, rideID string) error {
	r, ok := m.record(driverID)
	if !ok {
		return apperr.NotFound("ClaimDriver", "driver %s not found", driverID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.d.Online || !r.d.Available {
		return apperr.Conflict("ClaimDriver", "driver %s is not available", driverID)
	}
	r.d.Available = false
	r.d.CurrentRideID = rideID
	r.d.Updated = m.now()
	return nil
}

func (m *MemoryStore) ReleaseDriver(ctx context.Context, driverID, rideID string) error {
	r, ok := m.record(driverID)
	if !ok {
		return apperr.NotFound("ReleaseDriver", "driver %s not found", driverID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.d.CurrentRideID != rideID {
		return nil
	}
	r.d.Available = true
	r.d.CurrentRideID = ""
	r.d.Updated = m.now()
	return nil
}

// UpdateLocation applies a location ping. Availability is owned by claims and
// is only set for drivers seen for the first time.
func (m *MemoryStore) UpdateLocation(ctx context.Context, d models.Driver) error {
	r, ok := m.record(d.ID)
	if !ok {
		d.Available = d.Online
		d.Tariff = nil
		m.PutDriver(d)
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.d.Loc = d.Loc
	r.d.Online = d.Online
	r.d.Updated = m.now()
	return nil
}

func (m *MemoryStore) SubmitTariff(ctx context.Context, t models.Tariff) (models.Tariff, error) {
	r, ok := m.record(t.DriverID)
	if !ok {
		return models.Tariff{}, apperr.NotFound("SubmitTariff", "driver %s not found", t.DriverID)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.IsApproved = false
	t.IsActive = true

	m.tariffMu.Lock()
	for id, old := range m.tariffs {
		if old.DriverID == t.DriverID && old.IsActive {
			old.IsActive = false
			m.tariffs[id] = old
		}
	}
	m.tariffs[t.ID] = t
	m.tariffMu.Unlock()

	r.mu.Lock()
	tc := t
	r.d.Tariff = &tc
	r.mu.Unlock()
	return t, nil
}

func (m *MemoryStore) ApproveTariff(ctx context.Context, tariffID string) error {
	m.tariffMu.Lock()
	t, ok := m.tariffs[tariffID]
	if !ok || !t.IsActive {
		m.tariffMu.Unlock()
		return apperr.NotFound("ApproveTariff", "active tariff %s not found", tariffID)
	}
	t.IsApproved = true
	m.tariffs[tariffID] = t
	m.tariffMu.Unlock()

	if r, ok := m.record(t.DriverID); ok {
		r.mu.Lock()
		tc := t
		r.d.Tariff = &tc
		r.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) SaveRide(ctx context.Context, r *models.Ride) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := m.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	cp := *r
	m.rideMu.Lock()
	m.rides[r.ID] = &cp
	m.rideMu.Unlock()
	return nil
}

// Ride returns a stored ride.
func (m *MemoryStore) Ride(id string) (models.Ride, bool) {
	m.rideMu.RLock()
	defer m.rideMu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, false
	}
	return *r, true
}

func (m *MemoryStore) ActiveRideStatuses(ctx context.Context, driverIDs []string) (map[string]models.RideStatus, error) {
	want := make(map[string]bool, len(driverIDs))
	for _, id := range driverIDs {
		want[id] = true
	}
	out := make(map[string]models.RideStatus)
	m.rideMu.RLock()
	defer m.rideMu.RUnlock()
	for _, r := range m.rides {
		if want[r.DriverID] && r.Status.Active() {
			out[r.DriverID] = r.Status
		}
	}
	return out, nil
}

func (m *MemoryStore) DemandWithin(ctx context.Context, p models.Coord, radiusKm float64) (pricing.Demand, error) {
	var d pricing.Demand
	m.rideMu.RLock()
	for _, r := range m.rides {
		if geo.HaversineKm(p, r.Pickup) > radiusKm {
			continue
		}
		switch {
		case r.Status.Active():
			d.ActiveRides++
		case r.Status == models.RideRequested:
			d.PendingRides++
		}
	}
	m.rideMu.RUnlock()

	m.mu.RLock()
	records := make([]*driverRecord, 0, len(m.drivers))
	for _, r := range m.drivers {
		records = append(records, r)
	}
	m.mu.RUnlock()
	for _, r := range records {
		r.mu.Lock()
		if r.d.Bookable() && geo.HaversineKm(p, r.d.Loc) <= radiusKm {
			d.AvailableDrivers++
		}
		r.mu.Unlock()
	}
	return d, nil
}

func (m *MemoryStore) RegionStats(ctx context.Context, region string) (models.RegionStats, error) {
	st := models.RegionStats{Region: region}
	drivers := make(map[string]bool)
	m.tariffMu.Lock()
	for _, t := range m.tariffs {
		if !t.IsActive || !t.IsApproved || !strings.EqualFold(t.Region, region) {
			continue
		}
		st.AvgBaseFare += t.BaseFare
		st.AvgPricePerKm += t.PricePerKm
		st.AvgPricePerMinute += t.PricePerMinute
		st.AvgMinimumFare += t.MinimumFare
		drivers[t.DriverID] = true
	}
	m.tariffMu.Unlock()
	st.DriverCount = len(drivers)
	if st.DriverCount == 0 {
		return st, nil
	}
	n := float64(st.DriverCount)
	st.AvgBaseFare /= n
	st.AvgPricePerKm /= n
	st.AvgPricePerMinute /= n
	st.AvgMinimumFare /= n

	since := m.now().Add(-statsWindow)
	var requests int
	m.rideMu.RLock()
	for _, r := range m.rides {
		if !drivers[r.DriverID] || r.CreatedAt.Before(since) {
			continue
		}
		requests++
		if r.Status == models.RideCompleted {
			st.CompletedTrips30Day++
		}
	}
	m.rideMu.RUnlock()
	st.AvgRequestsPerDay = float64(requests) / statsWindow.Hours() * 24 / n
	return st, nil
}

func (m *MemoryStore) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	d, err := m.GetDriver(ctx, driverID)
	if err != nil {
		return models.DriverStats{}, err
	}
	st := models.DriverStats{DriverID: driverID, CompletedTrips: d.TripsCount}
	since := m.now().Add(-statsWindow)
	var total, closed int
	m.rideMu.RLock()
	for _, r := range m.rides {
		if r.DriverID != driverID || r.CreatedAt.Before(since) {
			continue
		}
		total++
		if r.Status == models.RideCompleted {
			closed++
		}
	}
	m.rideMu.RUnlock()
	st.RequestsPerDay = float64(total) / statsWindow.Hours() * 24
	if total > 0 {
		st.AcceptanceRate = float64(closed) / float64(total)
	}
	return st, nil
}

func (m *MemoryStore) ExpireStaleClaims(ctx context.Context, cutoff time.Time) ([]models.Ride, error) {
	var out []models.Ride
	m.rideMu.Lock()
	for _, r := range m.rides {
		if r.Status == models.RideAccepted && r.UpdatedAt.Before(cutoff) {
			r.Status = models.RideExpired
			r.UpdatedAt = m.now()
			out = append(out, *r)
		}
	}
	m.rideMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
