package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/rideshare-core/internal/models"
)

// Directory is the Driver Directory read model. Location ingest writes it via
// Upsert; the core only reads it.
type Directory interface {
	Within(ctx context.Context, origin models.Coord, radiusKm float64) ([]Nearby, error)
	Get(ctx context.Context, driverID string) (models.Driver, bool, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// Nearby is a directory hit with its great-circle distance from the query origin.
type Nearby struct {
	Driver     models.Driver
	DistanceKm float64
}

// Index is an in-memory Directory for local runs and tests.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = g.now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.Driver, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok, nil
}

// Within scans every driver; fine for a dev-sized fleet.
func (g *Index) Within(_ context.Context, origin models.Coord, radiusKm float64) ([]Nearby, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Nearby, 0)
	for _, d := range g.drivers {
		dist := HaversineKm(origin, d.Loc)
		if dist > radiusKm {
			continue
		}
		out = append(out, Nearby{Driver: d, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
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

func HaversineKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
