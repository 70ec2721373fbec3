package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands with a per-driver
// metadata hash alongside.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(driverID string, loc models.Coord, online bool) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(driverID), map[string]interface{}{
		"online":  strconv.FormatBool(online),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) SetOnline(driverID string, online bool) {
	_ = r.client.HSet(r.ctx, metaKey(driverID), "online", strconv.FormatBool(online)).Err()
}

func (r *RedisGeo) Nearby(pickup models.Coord, radiusMeters float64, limit int) []Candidate {
	res, err := r.client.GeoRadius(r.ctx, r.key, pickup.Lon, pickup.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if m["online"] != "true" {
				continue
			}
		}
		out = append(out, Candidate{
			DriverID:       g.Name,
			Loc:            models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceMeters: g.Dist,
		})
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
