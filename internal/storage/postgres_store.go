package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-offers/internal/apperr"
	"github.com/example/ride-offers/internal/models"
	"github.com/example/ride-offers/internal/pricing"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements the repositories on Postgres.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

// distanceKm is the haversine distance in SQL from ($1, $2) to the columns.
func distanceKm(latCol, lonCol string) string {
	return fmt.Sprintf(`6371 * 2 * asin(sqrt(power(sin(radians(%[1]s - $1) / 2), 2) + cos(radians($1)) * cos(radians(%[1]s)) * power(sin(radians(%[2]s - $2) / 2), 2)))`, latCol, lonCol)
}

type driverRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	Lat               float64        `db:"lat"`
	Lon               float64        `db:"lon"`
	IsOnline          bool           `db:"is_online"`
	IsAvailable       bool           `db:"is_available"`
	HasAirportLicense bool           `db:"has_airport_license"`
	Rating            float64        `db:"rating"`
	TripsCount        int            `db:"trips_count"`
	Vehicle           string         `db:"vehicle"`
	PhotoURL          string         `db:"photo_url"`
	CurrentRideID     sql.NullString `db:"current_ride_id"`
	UpdatedAt         time.Time      `db:"updated_at"`

	TariffID         sql.NullString  `db:"tariff_id"`
	BaseFare         sql.NullFloat64 `db:"base_fare"`
	PricePerKm       sql.NullFloat64 `db:"price_per_km"`
	PricePerMinute   sql.NullFloat64 `db:"price_per_minute"`
	MinimumFare      sql.NullFloat64 `db:"minimum_fare"`
	NightSurcharge   sql.NullFloat64 `db:"night_surcharge"`
	WeekendSurcharge sql.NullFloat64 `db:"weekend_surcharge"`
	AirportSurcharge sql.NullFloat64 `db:"airport_surcharge"`
	Region           sql.NullString  `db:"region"`
	Currency         sql.NullString  `db:"currency"`
	IsApproved       sql.NullBool    `db:"is_approved"`
	IsActive         sql.NullBool    `db:"is_active"`
	ValidFrom        sql.NullTime    `db:"valid_from"`
	ValidUntil       sql.NullTime    `db:"valid_until"`
}

func (r driverRow) toModel() models.Driver {
	d := models.Driver{
		ID:                r.ID,
		Name:              r.Name,
		Loc:               models.Coord{Lat: r.Lat, Lon: r.Lon},
		Online:            r.IsOnline,
		Available:         r.IsAvailable,
		HasAirportLicense: r.HasAirportLicense,
		Rating:            r.Rating,
		TripsCount:        r.TripsCount,
		Vehicle:           r.Vehicle,
		PhotoURL:          r.PhotoURL,
		CurrentRideID:     r.CurrentRideID.String,
		Updated:           r.UpdatedAt,
	}
	if r.TariffID.Valid {
		d.Tariff = &models.Tariff{
			ID:               r.TariffID.String,
			DriverID:         r.ID,
			BaseFare:         r.BaseFare.Float64,
			PricePerKm:       r.PricePerKm.Float64,
			PricePerMinute:   r.PricePerMinute.Float64,
			MinimumFare:      r.MinimumFare.Float64,
			NightSurcharge:   r.NightSurcharge.Float64,
			WeekendSurcharge: r.WeekendSurcharge.Float64,
			AirportSurcharge: r.AirportSurcharge.Float64,
			Region:           r.Region.String,
			Currency:         r.Currency.String,
			IsApproved:       r.IsApproved.Bool,
			IsActive:         r.IsActive.Bool,
			ValidFrom:        r.ValidFrom.Time,
			ValidUntil:       r.ValidUntil.Time,
		}
	}
	return d
}

const selectDrivers = `
SELECT d.id, d.name, d.lat, d.lon, d.is_online, d.is_available, d.has_airport_license,
       d.rating, d.trips_count, d.vehicle, d.photo_url, d.current_ride_id, d.updated_at,
       t.id AS tariff_id, t.base_fare, t.price_per_km, t.price_per_minute, t.minimum_fare,
       t.night_surcharge, t.weekend_surcharge, t.airport_surcharge, t.region, t.currency,
       t.is_approved, t.is_active, t.valid_from, t.valid_until
FROM drivers d
LEFT JOIN tariffs t ON t.driver_id = d.id AND t.is_active`

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	var row driverRow
	err := p.db.GetContext(ctx, &row, selectDrivers+` WHERE d.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Driver{}, apperr.NotFound("GetDriver", "driver %s not found", id)
	}
	if err != nil {
		return models.Driver{}, fmt.Errorf("failed to get driver: %w", err)
	}
	return row.toModel(), nil
}

func (p *PostgresStore) GetDrivers(ctx context.Context, ids []string) ([]models.Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []driverRow
	if err := p.db.SelectContext(ctx, &rows, selectDrivers+` WHERE d.id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get drivers: %w", err)
	}
	out := make([]models.Driver, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ClaimDriver is a conditional update keyed on the availability flags, so two
// concurrent claims on one driver cannot both affect a row.
func (p *PostgresStore) ClaimDriver(ctx context.Context, driverID, rideID string) error {
	res, err := p.db.ExecContext(ctx, `
UPDATE drivers SET is_available = false, current_ride_id = $2, updated_at = now()
WHERE id = $1 AND is_online = true AND is_available = true`, driverID, rideID)
	if err != nil {
		return fmt.Errorf("failed to claim driver: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim driver: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM drivers WHERE id = $1)`, driverID); err != nil {
		return fmt.Errorf("failed to claim driver: %w", err)
	}
	if !exists {
		return apperr.NotFound("ClaimDriver", "driver %s not found", driverID)
	}
	return apperr.Conflict("ClaimDriver", "driver %s is not available", driverID)
}

func (p *PostgresStore) ReleaseDriver(ctx context.Context, driverID, rideID string) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE drivers SET is_available = true, current_ride_id = NULL, updated_at = now()
WHERE id = $1 AND current_ride_id = $2`, driverID, rideID)
	if err != nil {
		return fmt.Errorf("failed to release driver: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, d models.Driver) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO drivers (id, lat, lon, is_online, is_available, updated_at)
VALUES ($1, $2, $3, $4, $4, now())
ON CONFLICT (id) DO UPDATE SET lat = EXCLUDED.lat, lon = EXCLUDED.lon,
    is_online = EXCLUDED.is_online, updated_at = now()`,
		d.ID, d.Loc.Lat, d.Loc.Lon, d.Online)
	if err != nil {
		return fmt.Errorf("failed to update location: %w", err)
	}
	return nil
}

func (p *PostgresStore) SubmitTariff(ctx context.Context, t models.Tariff) (models.Tariff, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.IsApproved = false
	t.IsActive = true
	if t.ValidFrom.IsZero() {
		t.ValidFrom = time.Now().UTC()
	}
	var until *time.Time
	if !t.ValidUntil.IsZero() {
		until = &t.ValidUntil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Tariff{}, fmt.Errorf("failed to submit tariff: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE tariffs SET is_active = false WHERE driver_id = $1 AND is_active`, t.DriverID); err != nil {
		return models.Tariff{}, fmt.Errorf("failed to supersede tariff: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO tariffs (id, driver_id, base_fare, price_per_km, price_per_minute, minimum_fare,
    night_surcharge, weekend_surcharge, airport_surcharge, region, currency,
    is_approved, is_active, valid_from, valid_until)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, true, $12, $13)`,
		t.ID, t.DriverID, t.BaseFare, t.PricePerKm, t.PricePerMinute, t.MinimumFare,
		t.NightSurcharge, t.WeekendSurcharge, t.AirportSurcharge, t.Region, t.Currency,
		t.ValidFrom, until)
	if err != nil {
		return models.Tariff{}, fmt.Errorf("failed to insert tariff: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Tariff{}, fmt.Errorf("failed to submit tariff: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) ApproveTariff(ctx context.Context, tariffID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE tariffs SET is_approved = true WHERE id = $1 AND is_active`, tariffID)
	if err != nil {
		return fmt.Errorf("failed to approve tariff: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("ApproveTariff", "active tariff %s not found", tariffID)
	}
	return nil
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
INSERT INTO rides (id, request_id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
    estimated_price, status, payment_method, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		r.ID, r.RequestID, r.RiderID, r.DriverID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.EstimatedPrice, r.Status, r.PaymentMethod, r.Notes, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) ActiveRideStatuses(ctx context.Context, driverIDs []string) (map[string]models.RideStatus, error) {
	out := make(map[string]models.RideStatus)
	if len(driverIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		DriverID string            `db:"driver_id"`
		Status   models.RideStatus `db:"status"`
	}
	err := p.db.SelectContext(ctx, &rows, `
SELECT driver_id, status FROM rides
WHERE driver_id = ANY($1) AND status IN ('accepted', 'arrived', 'started')`, pq.Array(driverIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load active rides: %w", err)
	}
	for _, r := range rows {
		out[r.DriverID] = r.Status
	}
	return out, nil
}

func (p *PostgresStore) DemandWithin(ctx context.Context, pt models.Coord, radiusKm float64) (pricing.Demand, error) {
	q := fmt.Sprintf(`
SELECT
    (SELECT COUNT(*) FROM rides WHERE status IN ('accepted', 'arrived', 'started') AND %[1]s <= $3) AS active_rides,
    (SELECT COUNT(*) FROM rides WHERE status = 'requested' AND %[1]s <= $3) AS pending_rides,
    (SELECT COUNT(*) FROM drivers WHERE is_online AND is_available AND %[2]s <= $3) AS available_drivers`,
		distanceKm("pickup_lat", "pickup_lon"), distanceKm("lat", "lon"))
	var d pricing.Demand
	if err := p.db.GetContext(ctx, &d, q, pt.Lat, pt.Lon, radiusKm); err != nil {
		return pricing.Demand{}, fmt.Errorf("failed to count demand: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) RegionStats(ctx context.Context, region string) (models.RegionStats, error) {
	var st models.RegionStats
	err := p.db.GetContext(ctx, &st, `
SELECT $1::text AS region,
       COALESCE(AVG(base_fare), 0) AS avg_base_fare,
       COALESCE(AVG(price_per_km), 0) AS avg_price_per_km,
       COALESCE(AVG(price_per_minute), 0) AS avg_price_per_minute,
       COALESCE(AVG(minimum_fare), 0) AS avg_minimum_fare,
       COUNT(DISTINCT driver_id) AS driver_count,
       0::float8 AS avg_requests_per_day,
       0 AS completed_trips_30d
FROM tariffs
WHERE is_active AND is_approved AND lower(region) = lower($1)`, region)
	if err != nil {
		return models.RegionStats{}, fmt.Errorf("failed to load region stats: %w", err)
	}
	if st.DriverCount == 0 {
		return st, nil
	}
	var counts struct {
		Requests  int `db:"requests"`
		Completed int `db:"completed"`
	}
	err = p.db.GetContext(ctx, &counts, `
SELECT COUNT(*) AS requests, COUNT(*) FILTER (WHERE r.status = 'completed') AS completed
FROM rides r
JOIN tariffs t ON t.driver_id = r.driver_id AND t.is_active AND t.is_approved AND lower(t.region) = lower($1)
WHERE r.created_at >= $2`, region, time.Now().Add(-statsWindow))
	if err != nil {
		return models.RegionStats{}, fmt.Errorf("failed to load region rides: %w", err)
	}
	st.CompletedTrips30Day = counts.Completed
	st.AvgRequestsPerDay = float64(counts.Requests) / statsWindow.Hours() * 24 / float64(st.DriverCount)
	return st, nil
}

func (p *PostgresStore) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	var row struct {
		Trips     int `db:"trips_count"`
		Requests  int `db:"requests"`
		Completed int `db:"completed"`
	}
	err := p.db.GetContext(ctx, &row, `
SELECT d.trips_count,
       COUNT(r.id) AS requests,
       COUNT(r.id) FILTER (WHERE r.status = 'completed') AS completed
FROM drivers d
LEFT JOIN rides r ON r.driver_id = d.id AND r.created_at >= $2
WHERE d.id = $1
GROUP BY d.trips_count`, driverID, time.Now().Add(-statsWindow))
	if errors.Is(err, sql.ErrNoRows) {
		return models.DriverStats{}, apperr.NotFound("DriverStats", "driver %s not found", driverID)
	}
	if err != nil {
		return models.DriverStats{}, fmt.Errorf("failed to load driver stats: %w", err)
	}
	st := models.DriverStats{
		DriverID:       driverID,
		CompletedTrips: row.Trips,
		RequestsPerDay: float64(row.Requests) / statsWindow.Hours() * 24,
	}
	if row.Requests > 0 {
		st.AcceptanceRate = float64(row.Completed) / float64(row.Requests)
	}
	return st, nil
}

func (p *PostgresStore) ExpireStaleClaims(ctx context.Context, cutoff time.Time) ([]models.Ride, error) {
	var rides []models.Ride
	err := p.db.SelectContext(ctx, &rides, `
UPDATE rides SET status = 'expired', updated_at = now()
WHERE status = 'accepted' AND updated_at < $1
RETURNING id, request_id, rider_id, driver_id, estimated_price, status, payment_method, notes, created_at, updated_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to expire claims: %w", err)
	}
	return rides, nil
}
