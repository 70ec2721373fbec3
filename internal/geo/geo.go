package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is a driver position returned by a nearby query. The geo
// index is advisory only: busy/online authority lives on the driver
// record and is re-asserted inside the accept transaction.
type Candidate struct {
	DriverID       string
	Loc            models.Coord
	DistanceMeters float64
}

// Geo is the minimal interface required by the matcher and handlers.
type Geo interface {
	Nearby(pickup models.Coord, radiusMeters float64, limit int) []Candidate
	Upsert(driverID string, loc models.Coord, online bool)
	SetOnline(driverID string, online bool)
}

type entry struct {
	loc     models.Coord
	online  bool
	updated time.Time
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]entry
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]entry)}
}

func (g *Index) Upsert(driverID string, loc models.Coord, online bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = entry{loc: loc, online: online, updated: time.Now()}
}

func (g *Index) SetOnline(driverID string, online bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[driverID]
	if !ok {
		return
	}
	e.online = online
	g.drivers[driverID] = e
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(pickup models.Coord, radiusMeters float64, limit int) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Candidate, 0, len(g.drivers))
	for id, e := range g.drivers {
		if !e.online {
			continue
		}
		dist := Haversine(pickup.Lat, pickup.Lon, e.loc.Lat, e.loc.Lon)
		if dist > radiusMeters {
			continue
		}
		arr = append(arr, Candidate{DriverID: id, Loc: e.loc, DistanceMeters: dist})
	}
	// partial selection sort for top-N nearest
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceMeters < arr[minIdx].DistanceMeters {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n]
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
