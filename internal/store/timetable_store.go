package store

import (
	"strings"
	"sync"
	"time"

	"bustrack/internal/domain"
)

type timetableEntry struct {
	slots     []domain.RunningSlot
	fetchedAt time.Time
}

type pathEntry struct {
	path      *domain.RoutePath
	fetchedAt time.Time
}

// TimetableStore keeps per-route timetables, route paths and the route
// directory seen in search results. Timetable and path entries expire after
// ttl.
type TimetableStore struct {
	mu         sync.RWMutex
	timetables map[string]*timetableEntry
	paths      map[string]*pathEntry
	routes     map[string]domain.RouteMeta

	ttl        time.Duration
	lastUpdate time.Time
}

func NewTimetableStore(ttl time.Duration) *TimetableStore {
	return &TimetableStore{
		timetables: make(map[string]*timetableEntry),
		paths:      make(map[string]*pathEntry),
		routes:     make(map[string]domain.RouteMeta),
		ttl:        ttl,
	}
}

// TTL is how long timetables and paths stay fresh.
func (s *TimetableStore) TTL() time.Duration {
	return s.ttl
}

// PutTimetable stores slots as fetched upstream at fetchedAt.
func (s *TimetableStore) PutTimetable(routeID string, slots []domain.RunningSlot, fetchedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]domain.RunningSlot, len(slots))
	copy(cp, slots)
	s.timetables[routeID] = &timetableEntry{slots: cp, fetchedAt: fetchedAt}
	if fetchedAt.After(s.lastUpdate) {
		s.lastUpdate = fetchedAt
	}
}

// Timetable returns a copy of the stored slots while they are fresh.
func (s *TimetableStore) Timetable(routeID string, now time.Time) ([]domain.RunningSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.timetables[routeID]
	if !ok || now.Sub(e.fetchedAt) > s.ttl {
		return nil, false
	}
	cp := make([]domain.RunningSlot, len(e.slots))
	copy(cp, e.slots)
	return cp, true
}

// StaleTimetable returns the stored slots regardless of age.
func (s *TimetableStore) StaleTimetable(routeID string) ([]domain.RunningSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.timetables[routeID]
	if !ok {
		return nil, false
	}
	cp := make([]domain.RunningSlot, len(e.slots))
	copy(cp, e.slots)
	return cp, true
}

func (s *TimetableStore) PutPath(routeID string, path *domain.RoutePath, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[routeID] = &pathEntry{path: path, fetchedAt: now}
}

func (s *TimetableStore) Path(routeID string, now time.Time) (*domain.RoutePath, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.paths[routeID]
	if !ok || now.Sub(e.fetchedAt) > s.ttl {
		return nil, false
	}
	return e.path, true
}

// PutRoutes records routes returned by a search.
func (s *TimetableStore) PutRoutes(routes []domain.RouteMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range routes {
		if r.ID != "" {
			s.routes[r.ID] = r
		}
	}
}

func (s *TimetableStore) Route(routeID string) (domain.RouteMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[routeID]
	return r, ok
}

// Routes returns every known route.
func (s *TimetableStore) Routes() []domain.RouteMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RouteMeta, 0, len(s.routes))
	for _, r := range s.routes {
		result = append(result, r)
	}
	return result
}

// Reverse finds the opposite direction of a route: same number with the
// terminals swapped, or failing that any other route with the same number.
func (s *TimetableStore) Reverse(routeID string) (domain.RouteMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.routes[routeID]
	if !ok {
		return domain.RouteMeta{}, false
	}
	return ReverseOf(r, s.routesLocked())
}

func (s *TimetableStore) routesLocked() []domain.RouteMeta {
	result := make([]domain.RouteMeta, 0, len(s.routes))
	for _, r := range s.routes {
		result = append(result, r)
	}
	return result
}

// ReverseOf picks the opposite direction of r among candidates.
func ReverseOf(r domain.RouteMeta, candidates []domain.RouteMeta) (domain.RouteMeta, bool) {
	var fallback *domain.RouteMeta
	for i := range candidates {
		c := &candidates[i]
		if c.RouteNumber != r.RouteNumber || c.ID == r.ID {
			continue
		}
		if strings.EqualFold(c.Start.Name, r.End.Name) && strings.EqualFold(c.End.Name, r.Start.Name) {
			return *c, true
		}
		if fallback == nil {
			fallback = c
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return domain.RouteMeta{}, false
}

// TimetableCopy is a timetable together with the time it was fetched
// upstream.
type TimetableCopy struct {
	Slots     []domain.RunningSlot `json:"slots"`
	FetchedAt time.Time            `json:"fetchedAt"`
}

// Age is how long ago the copy was fetched.
func (c TimetableCopy) Age(now time.Time) time.Duration {
	return now.Sub(c.FetchedAt)
}

// TimetableSnapshot returns every stored timetable keyed by route id.
func (s *TimetableStore) TimetableSnapshot() map[string]TimetableCopy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]TimetableCopy, len(s.timetables))
	for id, e := range s.timetables {
		cp := make([]domain.RunningSlot, len(e.slots))
		copy(cp, e.slots)
		out[id] = TimetableCopy{Slots: cp, FetchedAt: e.fetchedAt}
	}
	return out
}

func (s *TimetableStore) PathSnapshot() map[string]*domain.RoutePath {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*domain.RoutePath, len(s.paths))
	for id, e := range s.paths {
		out[id] = e.path
	}
	return out
}

// EvictExpired drops timetables and paths older than ttl.
func (s *TimetableStore) EvictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.timetables {
		if now.Sub(e.fetchedAt) > s.ttl {
			delete(s.timetables, id)
			evicted++
		}
	}
	for id, e := range s.paths {
		if now.Sub(e.fetchedAt) > s.ttl {
			delete(s.paths, id)
			evicted++
		}
	}
	return evicted
}

type TimetableStats struct {
	RoutesCount     int       `json:"routes_count"`
	TimetablesCount int       `json:"timetables_count"`
	PathsCount      int       `json:"paths_count"`
	LastUpdate      time.Time `json:"last_update"`
}

func (s *TimetableStore) GetStats() TimetableStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return TimetableStats{
		RoutesCount:     len(s.routes),
		TimetablesCount: len(s.timetables),
		PathsCount:      len(s.paths),
		LastUpdate:      s.lastUpdate,
	}
}
