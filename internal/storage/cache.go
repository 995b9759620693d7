package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-offers/internal/models"
)

// MaxSnapshotTTL bounds snapshot caching; offers stay claimable for five
// minutes and must not be priced from older data.
const MaxSnapshotTTL = 5 * time.Minute

type cachedDriver struct {
	d  models.Driver
	at time.Time
}

// CachedDrivers serves GetDrivers from a short-lived snapshot cache. GetDriver
// and every write go straight to the wrapped repository.
type CachedDrivers struct {
	DriverRepository
	ttl   time.Duration
	mu    sync.RWMutex
	store map[string]cachedDriver
	now   func() time.Time
}

func NewCachedDrivers(next DriverRepository, ttl time.Duration) *CachedDrivers {
	if ttl > MaxSnapshotTTL {
		ttl = MaxSnapshotTTL
	}
	return &CachedDrivers{DriverRepository: next, ttl: ttl, store: make(map[string]cachedDriver), now: time.Now}
}

func (c *CachedDrivers) GetDrivers(ctx context.Context, ids []string) ([]models.Driver, error) {
	now := c.now()
	out := make([]models.Driver, 0, len(ids))
	var missing []string
	c.mu.RLock()
	for _, id := range ids {
		if e, ok := c.store[id]; ok && now.Sub(e.at) < c.ttl {
			out = append(out, copyDriver(e.d))
			continue
		}
		missing = append(missing, id)
	}
	c.mu.RUnlock()
	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.DriverRepository.GetDrivers(ctx, missing)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	for _, d := range fresh {
		c.store[d.ID] = cachedDriver{d: copyDriver(d), at: now}
	}
	c.mu.Unlock()
	return append(out, fresh...), nil
}

// Writes invalidate on both sides of the wrapped call, so a GetDrivers that
// raced the write cannot leave the old snapshot behind.
func (c *CachedDrivers) ClaimDriver(ctx context.Context, driverID, rideID string) error {
	c.invalidate(driverID)
	defer c.invalidate(driverID)
	return c.DriverRepository.ClaimDriver(ctx, driverID, rideID)
}

func (c *CachedDrivers) ReleaseDriver(ctx context.Context, driverID, rideID string) error {
	c.invalidate(driverID)
	defer c.invalidate(driverID)
	return c.DriverRepository.ReleaseDriver(ctx, driverID, rideID)
}

func (c *CachedDrivers) UpdateLocation(ctx context.Context, d models.Driver) error {
	c.invalidate(d.ID)
	defer c.invalidate(d.ID)
	return c.DriverRepository.UpdateLocation(ctx, d)
}

func (c *CachedDrivers) invalidate(id string) {
	c.mu.Lock()
	delete(c.store, id)
	c.mu.Unlock()
}
