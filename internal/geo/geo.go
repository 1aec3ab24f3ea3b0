package geo

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

// ErrUnknownDriver is returned when presence is requested for a driver
// that is not in the index.
var ErrUnknownDriver = errors.New("driver not in index")

// Index is the geospatial store of online drivers consumed by the
// dispatch engine. Nearby only returns drivers that are online and free
// at query time; that filter is best-effort, not linearizable.
type Index interface {
	Upsert(ctx context.Context, d models.Driver) error
	Remove(ctx context.Context, driverID string) error
	SetBusy(ctx context.Context, driverID string, busy bool) error
	Get(ctx context.Context, driverID string) (models.Driver, error)
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Driver, error)
}

// MemIndex is an in-memory Index for single-process deployments and tests.
type MemIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewMemIndex() *MemIndex {
	return &MemIndex{drivers: make(map[string]models.Driver)}
}

func (g *MemIndex) Upsert(_ context.Context, d models.Driver) error {
	if err := d.Loc.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	if prev, ok := g.drivers[d.ID]; ok {
		// a location report must not clobber the busy flag
		d.Busy = prev.Busy
	}
	g.drivers[d.ID] = d
	return nil
}

func (g *MemIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

func (g *MemIndex) SetBusy(_ context.Context, driverID string, busy bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	d.Busy = busy
	d.Updated = time.Now()
	g.drivers[driverID] = d
	return nil
}

func (g *MemIndex) Get(_ context.Context, driverID string) (models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.Driver{}, ErrUnknownDriver
	}
	return d, nil
}

// naive scan; the Redis implementation does the real geo indexing
func (g *MemIndex) Nearby(_ context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online || d.Busy {
			continue
		}
		dist := Haversine(center.Lat, center.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusKm*1000 {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	// partial selection sort for top-N by distance
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Driver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
