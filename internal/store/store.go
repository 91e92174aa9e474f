package store

import (
	"errors"
	"math"
	"sync"
	"time"

	"bustrack/internal/domain"
)

var ErrNotFound = errors.New("not found")

// BoundingBox is an inclusive lat/lon rectangle.
type BoundingBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

type ListOptions struct {
	RouteNumber string
	OnlineOnly  bool
	BBox        *BoundingBox
}

// Store holds the latest telemetry per device, indexed by map tile and
// route number. Devices keep the order of the most recent feed.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*domain.LiveDevice
	order   []string
	byTile  map[string]map[string]struct{}
	byRoute map[string]map[string]struct{}

	lastUpdate time.Time
	staleAfter time.Duration
}

func New(staleAfter time.Duration) *Store {
	return &Store{
		devices:    make(map[string]*domain.LiveDevice),
		byTile:     make(map[string]map[string]struct{}),
		byRoute:    make(map[string]map[string]struct{}),
		staleAfter: staleAfter,
	}
}

// Update applies one feed and returns a delta per changed device.
func (s *Store) Update(devices []*domain.LiveDevice, now time.Time) []domain.DeviceDelta {
	s.mu.Lock()
	defer s.mu.Unlock()

	deltas := make([]domain.DeviceDelta, 0, len(devices))
	seen := make(map[string]struct{}, len(devices))
	order := make([]string, 0, len(devices))

	for _, d := range devices {
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		order = append(order, d.ID)

		d.UpdatedAt = now
		existing, exists := s.devices[d.ID]
		if exists && !hasChanged(existing, d) {
			existing.UpdatedAt = now
			continue
		}
		if exists {
			s.removeFromIndices(existing)
		}

		stored := *d
		s.devices[d.ID] = &stored
		s.addToIndices(&stored)

		out := stored
		deltas = append(deltas, domain.DeviceDelta{
			Type:   domain.DeltaUpdate,
			Device: &out,
			TileID: out.TileID,
		})
	}

	// devices missing from this feed keep their place after the fresh ones
	for _, id := range s.order {
		if _, ok := seen[id]; !ok {
			if _, alive := s.devices[id]; alive {
				order = append(order, id)
			}
		}
	}
	s.order = order
	s.lastUpdate = now
	return deltas
}

// PruneStale drops devices not reported for longer than the stale window.
func (s *Store) PruneStale(now time.Time) []domain.DeviceDelta {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.staleAfter)
	var deltas []domain.DeviceDelta

	for id, d := range s.devices {
		if d.UpdatedAt.Before(cutoff) {
			deltas = append(deltas, domain.DeviceDelta{
				Type:   domain.DeltaRemove,
				ID:     id,
				TileID: d.TileID,
			})
			s.removeFromIndices(d)
			delete(s.devices, id)
		}
	}

	if len(deltas) > 0 {
		order := s.order[:0]
		for _, id := range s.order {
			if _, ok := s.devices[id]; ok {
				order = append(order, id)
			}
		}
		s.order = order
	}
	return deltas
}

func (s *Store) Get(id string) (*domain.LiveDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

// List returns copies of the devices matching opts in feed order.
func (s *Store) List(opts ListOptions) []*domain.LiveDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var route map[string]struct{}
	if opts.RouteNumber != "" {
		route = s.byRoute[opts.RouteNumber]
		if route == nil {
			return []*domain.LiveDevice{}
		}
	}

	result := make([]*domain.LiveDevice, 0, len(s.order))
	for _, id := range s.order {
		if route != nil {
			if _, ok := route[id]; !ok {
				continue
			}
		}
		d := s.devices[id]
		if opts.OnlineOnly && !d.IsOnline {
			continue
		}
		if opts.BBox != nil {
			if !d.HasPosition() || !opts.BBox.Contains(*d.Lat, *d.Lon) {
				continue
			}
		}
		c := *d
		result = append(result, &c)
	}
	return result
}

// Snapshot returns every device in feed order.
func (s *Store) Snapshot() []*domain.LiveDevice {
	return s.List(ListOptions{})
}

// SnapshotForTiles returns devices located in any of the given tiles.
func (s *Store) SnapshotForTiles(tileIDs []string) []*domain.LiveDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var result []*domain.LiveDevice

	for _, tileID := range tileIDs {
		for id := range s.byTile[tileID] {
			if _, exists := seen[id]; exists {
				continue
			}
			seen[id] = struct{}{}
			c := *s.devices[id]
			result = append(result, &c)
		}
	}
	return result
}

// Routes lists the route numbers with at least one device.
func (s *Store) Routes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byRoute))
	for r := range s.byRoute {
		out = append(out, r)
	}
	return out
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// Reset empties the store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[string]*domain.LiveDevice)
	s.order = nil
	s.byTile = make(map[string]map[string]struct{})
	s.byRoute = make(map[string]map[string]struct{})
}

func (s *Store) addToIndices(d *domain.LiveDevice) {
	if d.TileID != "" {
		addTo(s.byTile, d.TileID, d.ID)
	}
	if d.RouteNumber != "" {
		addTo(s.byRoute, d.RouteNumber, d.ID)
	}
}

func (s *Store) removeFromIndices(d *domain.LiveDevice) {
	removeFrom(s.byTile, d.TileID, d.ID)
	removeFrom(s.byRoute, d.RouteNumber, d.ID)
}

func addTo(index map[string]map[string]struct{}, key, id string) {
	if index[key] == nil {
		index[key] = make(map[string]struct{})
	}
	index[key][id] = struct{}{}
}

func removeFrom(index map[string]map[string]struct{}, key, id string) {
	if set := index[key]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func hasChanged(old, new *domain.LiveDevice) bool {
	const epsilon = 0.000001

	if old.IsOnline != new.IsOnline || old.Speed != new.Speed ||
		old.RouteNumber != new.RouteNumber || old.BusNumber != new.BusNumber ||
		old.BusTurnID != new.BusTurnID || old.RunningSlotID != new.RunningSlotID ||
		old.TileID != new.TileID {
		return true
	}

	return coordChanged(old.Lat, new.Lat, epsilon) || coordChanged(old.Lon, new.Lon, epsilon)
}

func coordChanged(a, b *float64, epsilon float64) bool {
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}
	return math.Abs(*a-*b) > epsilon
}
