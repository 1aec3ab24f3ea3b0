package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/order-dispatch/internal/models"
)

const statusTTL = 24 * time.Hour

// RedisIndex implements Index on Redis GEO plus a per-driver status hash.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, d models.Driver) error {
	if err := d.Loc.Validate(); err != nil {
		return err
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: d.Loc.Lon,
		Latitude:  d.Loc.Lat,
		Name:      d.ID,
	}).Result(); err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, statusKey(d.ID), map[string]interface{}{
		"name":    d.Name,
		"rating":  strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":  strconv.FormatBool(d.Online),
		"updated": time.Now().Format(time.RFC3339),
	})
	pipe.HSetNX(ctx, statusKey(d.ID), "busy", "false")
	pipe.Expire(ctx, statusKey(d.ID), statusTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.Pipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, statusKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) SetBusy(ctx context.Context, driverID string, busy bool) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, statusKey(driverID), "busy", strconv.FormatBool(busy))
	pipe.HSet(ctx, statusKey(driverID), "updated", time.Now().Format(time.RFC3339))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Get(ctx context.Context, driverID string) (models.Driver, error) {
	meta, err := r.client.HGetAll(ctx, statusKey(driverID)).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if len(meta) == 0 {
		return models.Driver{}, ErrUnknownDriver
	}
	d := DriverFromStatus(driverID, meta)
	if pos, err := r.client.GeoPos(ctx, r.key, driverID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return d, nil
}

func (r *RedisIndex) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Driver, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      maxScan(limit),
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, limit)
	for _, g := range res {
		if len(out) >= limit {
			break
		}
		meta, err := r.client.HGetAll(ctx, statusKey(g.Name)).Result()
		if err != nil || len(meta) == 0 {
			continue
		}
		d := DriverFromStatus(g.Name, meta)
		if !d.Online || d.Busy {
			continue
		}
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, d)
	}
	return out, nil
}

// maxScan over-fetches so that busy drivers filtered post-query do not
// starve the result set.
func maxScan(limit int) int {
	n := limit * 4
	if n < 50 {
		n = 50
	}
	return n
}

// DriverFromStatus decodes a driver_status hash. Every writer of the
// hash (this index, the location consumer) must produce the encodings
// read here: strconv bools, RFC3339 timestamps.
func DriverFromStatus(id string, meta map[string]string) models.Driver {
	d := models.Driver{ID: id, Name: meta["name"]}
	if v, ok := meta["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	d.Online = meta["online"] == "true"
	d.Busy = meta["busy"] == "true"
	if v, ok := meta["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = t
		}
	}
	return d
}

func statusKey(id string) string { return "driver_status:" + id }
