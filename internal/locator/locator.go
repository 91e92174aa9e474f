// Package locator places a vehicle on the ordered stop list of its trip.
package locator

import (
	"sync"

	"bustrack/internal/config"
	"bustrack/internal/domain"
	"bustrack/internal/geo"
)

// Position is where a vehicle sits on its trip timeline.
type Position struct {
	// NearestIndex is -1 when no stop is within the search radius.
	NearestIndex    int     `json:"nearestStopIndex"`
	NearestKm       float64 `json:"nearestStopKm"`
	SegmentProgress float64 `json:"segmentProgress"`
	TripProgress    float64 `json:"tripProgress"`
}

// Passed reports whether stop k is at or behind the vehicle.
func (p Position) Passed(k int) bool {
	return p.NearestIndex != -1 && k <= p.NearestIndex
}

// Nearest returns the index of the closest stop and its distance. Ties keep
// the lowest index. It returns -1 when the closest stop is radiusKm or further.
func Nearest(vehicle geo.Coordinate, stops []geo.Coordinate, radiusKm float64) (int, float64) {
	idx := -1
	best := geo.Unreachable
	for i, s := range stops {
		if d := geo.Between(vehicle, s); d < best {
			idx, best = i, d
		}
	}
	if idx == -1 || best >= radiusKm {
		return -1, best
	}
	return idx, best
}

// Locate finds the nearest stop and, for an online vehicle, the fraction of
// the following segment already covered.
func Locate(vehicle geo.Coordinate, online bool, stops []geo.Coordinate, radiusKm float64) Position {
	idx, d := Nearest(vehicle, stops, radiusKm)
	return at(vehicle, online, stops, idx, d)
}

func at(vehicle geo.Coordinate, online bool, stops []geo.Coordinate, idx int, d float64) Position {
	pos := Position{NearestIndex: idx, NearestKm: d}
	if idx < 0 {
		return pos
	}

	n := len(stops)
	if online && idx < n-1 {
		total := geo.Between(stops[idx], stops[idx+1])
		if total > 0 && total < geo.Unreachable {
			pos.SegmentProgress = geo.Clamp(geo.Between(vehicle, stops[idx])/total, 0, 1)
		}
	}
	if n >= 2 {
		pos.TripProgress = (float64(idx) + pos.SegmentProgress) / float64(n-1)
	}
	return pos
}

// Locator applies the configured radius and, when a margin is set, refuses
// to move a trip's nearest stop backward on small GPS wobbles.
type Locator struct {
	radiusKm float64
	marginKm float64

	mu   sync.Mutex
	last map[string]int
}

func New(t config.Tuning) *Locator {
	return &Locator{
		radiusKm: t.NearestStopRadiusKm,
		marginKm: t.NearestStopHysteresisKm,
		last:     make(map[string]int),
	}
}

// Locate is the stateless lookup with the configured radius.
func (l *Locator) Locate(vehicle geo.Coordinate, online bool, stops []geo.Coordinate) Position {
	return Locate(vehicle, online, stops, l.radiusKm)
}

// Track locates the vehicle for tripID. With a zero margin it is the same
// as Locate. Otherwise a backward move is accepted only when the earlier
// stop is closer than the previous one by at least the margin.
func (l *Locator) Track(tripID string, vehicle geo.Coordinate, online bool, stops []geo.Coordinate) Position {
	idx, d := Nearest(vehicle, stops, l.radiusKm)
	if l.marginKm <= 0 || tripID == "" {
		return at(vehicle, online, stops, idx, d)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.last[tripID]; ok && idx >= 0 && idx < prev && prev < len(stops) {
		dPrev := geo.Between(vehicle, stops[prev])
		if dPrev-d < l.marginKm {
			idx, d = prev, dPrev
		}
	}
	if idx >= 0 {
		l.last[tripID] = idx
	}
	return at(vehicle, online, stops, idx, d)
}

// Retain forgets every trip not in active and returns how many were
// dropped.
func (l *Locator) Retain(active map[string]struct{}) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for id := range l.last {
		if _, ok := active[id]; !ok {
			delete(l.last, id)
			dropped++
		}
	}
	return dropped
}

// Tracked is the number of trips with a remembered index.
func (l *Locator) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}

// WithTerminals fills in route terminals for slots that lack a usable stop
// list: no stops become start and end, a single stop gets the end appended.
func WithTerminals(stops []domain.ScheduledStop, meta *domain.RouteMeta) []domain.ScheduledStop {
	if meta == nil || len(stops) > 1 {
		return stops
	}
	end := domain.ScheduledStop{BusStop: meta.End}
	if len(stops) == 0 {
		return []domain.ScheduledStop{{BusStop: meta.Start}, end}
	}
	return []domain.ScheduledStop{stops[0], end}
}
