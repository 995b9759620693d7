package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-offers/internal/models"
)

// redisPad widens the GEORADIUS query. Redis measures with a slightly larger
// earth radius, so the exact filter below runs on a superset.
const redisPad = 1.01

// RedisGeo implements Geo using Redis GEO commands. Each member has a
// driver:meta:<id> hash whose "updated" stamp lets Nearby skip drivers that
// stopped reporting.
type RedisGeo struct {
	client *redis.Client
	key    string

	// StaleAfter drops positions older than this from Nearby. Zero keeps all.
	StaleAfter time.Duration
	now        func() time.Time
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key, now: time.Now}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if !d.Bookable() {
		return r.Remove(ctx, d.ID)
	}
	meta := map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', 2, 64),
		"updated": strconv.FormatInt(r.now().Unix(), 10),
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
		p.HSet(ctx, metaKey(d.ID), meta)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, driverID)
		p.Del(ctx, metaKey(driverID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, p models.Coord, radiusKm float64) ([]string, error) {
	if radiusKm <= 0 {
		return nil, nil
	}
	res, err := r.client.GeoRadius(ctx, r.key, p.Lon, p.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm*redisPad + 0.01,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]string, 0, len(res))
	for _, g := range res {
		if HaversineKm(p, models.Coord{Lat: g.Latitude, Lon: g.Longitude}) <= radiusKm {
			out = append(out, g.Name)
		}
	}
	if r.StaleAfter <= 0 || len(out) == 0 {
		return out, nil
	}
	return r.dropStale(ctx, out)
}

func (r *RedisGeo) dropStale(ctx context.Context, ids []string) ([]string, error) {
	cmds := make([]*redis.StringCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGet(ctx, metaKey(id), "updated")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read driver meta: %w", err)
	}
	cutoff := r.now().Add(-r.StaleAfter).Unix()
	fresh := ids[:0]
	for i, id := range ids {
		updated, err := cmds[i].Int64()
		if err != nil || updated < cutoff {
			continue
		}
		fresh = append(fresh, id)
	}
	return fresh, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
