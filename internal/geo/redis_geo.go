package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rideshare-core/internal/models"
)

// RedisGeo implements Directory on Redis GEO commands with a metadata hash per driver.
type RedisGeo struct {
	client redis.Cmdable
	key    string
}

func NewRedisGeo(client redis.Cmdable, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", d.ID, err)
	}
	if err := r.client.HSet(ctx, metaKey(d.ID), metaFields(d)...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Within(ctx context.Context, origin models.Coord, radiusKm float64) ([]Nearby, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]Nearby, 0, len(res))
	for _, g := range res {
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("driver meta %s: %w", g.Name, err)
		}
		d := driverFromMeta(g.Name, meta)
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, Nearby{Driver: d, DistanceKm: g.Dist})
	}
	return out, nil
}

func (r *RedisGeo) Get(ctx context.Context, driverID string) (models.Driver, bool, error) {
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.Driver{}, false, fmt.Errorf("geopos %s: %w", driverID, err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Driver{}, false, nil
	}
	meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.Driver{}, false, fmt.Errorf("driver meta %s: %w", driverID, err)
	}
	d := driverFromMeta(driverID, meta)
	d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	return d, true, nil
}

func metaKey(id string) string { return "driver:meta:" + id }

// metaFields returns field/value pairs in a fixed order.
func metaFields(d models.Driver) []interface{} {
	updated := d.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	return []interface{}{
		"rating", strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"available", strconv.FormatBool(d.Available),
		"vehicle_type", d.VehicleType,
		"seats", strconv.Itoa(d.Seats),
		"gender", d.Gender,
		"accepts_restricted", strconv.FormatBool(d.AcceptsRestricted),
		"updated", updated.UTC().Format(time.RFC3339),
	}
}

// driverFromMeta tolerates missing or malformed fields; the directory is best-effort.
func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id}
	if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		d.Rating = f
	}
	d.Available = m["available"] == "true"
	d.VehicleType = m["vehicle_type"]
	if n, err := strconv.Atoi(m["seats"]); err == nil {
		d.Seats = n
	}
	d.Gender = m["gender"]
	d.AcceptsRestricted = m["accepts_restricted"] == "true"
	if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		d.Updated = ts
	}
	return d
}
